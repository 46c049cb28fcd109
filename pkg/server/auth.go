package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxorio/orchestrator/pkg/config"
)

// HeaderAPIKey carries the caller's API key in apikey mode.
const HeaderAPIKey = "X-API-Key"

var errUnauthorized = errors.New("unauthorized")

// Authenticator decides whether a request may reach a protected route.
type Authenticator interface {
	Authenticate(ctx *fasthttp.RequestCtx) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx *fasthttp.RequestCtx) error

func (f AuthenticatorFunc) Authenticate(ctx *fasthttp.RequestCtx) error { return f(ctx) }

// AllowAll performs no authentication.
type AllowAll struct{}

func (AllowAll) Authenticate(*fasthttp.RequestCtx) error { return nil }

// JWTAuth accepts HS256 bearer tokens signed with Secret.
type JWTAuth struct {
	Secret []byte
	// Issuer requires a matching iss claim when set.
	Issuer string
}

func (a JWTAuth) Authenticate(ctx *fasthttp.RequestCtx) error {
	header := string(ctx.Request.Header.Peek("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: token is not valid", errUnauthorized)
	}
	if sub, err := parsed.Claims.GetSubject(); err == nil && sub != "" {
		ctx.SetUserValue(userValueSubject, sub)
	}
	return nil
}

// APIKeyAuth accepts a key whose bcrypt hash is in Hashes.
type APIKeyAuth struct {
	Hashes [][]byte
}

// NewAPIKeyAuth validates every hash up front so a typo fails at startup.
func NewAPIKeyAuth(hashes []string) (*APIKeyAuth, error) {
	out := make([][]byte, 0, len(hashes))
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i, err)
		}
		out = append(out, []byte(h))
	}
	return &APIKeyAuth{Hashes: out}, nil
}

func (a *APIKeyAuth) Authenticate(ctx *fasthttp.RequestCtx) error {
	key := ctx.Request.Header.Peek(HeaderAPIKey)
	if len(key) == 0 {
		return fmt.Errorf("%w: missing api key", errUnauthorized)
	}
	for _, h := range a.Hashes {
		if bcrypt.CompareHashAndPassword(h, key) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown api key", errUnauthorized)
}

// HashAPIKey returns the bcrypt hash to place in the server configuration.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// NewAuthenticator builds the authenticator selected by cfg.Mode.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "", "none":
		return AllowAll{}, nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("jwt auth requires a secret")
		}
		return JWTAuth{Secret: []byte(cfg.JWTSecret)}, nil
	case "apikey":
		if len(cfg.APIKeyHashes) == 0 {
			return nil, fmt.Errorf("apikey auth requires at least one hash")
		}
		return NewAPIKeyAuth(cfg.APIKeyHashes)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
