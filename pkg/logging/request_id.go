package logging

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID retrieves the request ID from context
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// EnsureRequestID returns ctx unchanged when it already carries an id, and
// otherwise attaches id (or a fresh one when id is empty).
func EnsureRequestID(ctx context.Context, id string) (context.Context, string) {
	if existing := RequestID(ctx); existing != "" {
		return ctx, existing
	}
	if id == "" {
		id = GenerateRequestID()
	}
	return WithRequestID(ctx, id), id
}
