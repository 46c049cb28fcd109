// Package server exposes the orchestrator over HTTP with fasthttp.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/engine"
	"github.com/fluxorio/orchestrator/pkg/health"
	"github.com/fluxorio/orchestrator/pkg/logging"
	prom "github.com/fluxorio/orchestrator/pkg/observability/prometheus"
)

const (
	userValueSubject = "auth.subject"

	headerRequestID = "X-Request-ID"
)

// Config configures the HTTP facade.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxInFlight caps concurrent orchestrations; zero disables the cap.
	MaxInFlight int
	// Auth guards every route except /metrics; nil allows all.
	Auth Authenticator
	// Gatherer backs /metrics; nil uses the package default registry.
	Gatherer prometheus.Gatherer
}

// Server serves orchestration, fleet health and metrics endpoints.
type Server struct {
	cfg          Config
	engine       *engine.Engine
	monitor      *health.Monitor
	metrics      *prom.Metrics
	logger       logging.Logger
	auth         Authenticator
	backpressure *backpressure
	routes       map[string]map[string]fasthttp.RequestHandler
	metricsH     fasthttp.RequestHandler
	srv          *fasthttp.Server

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New wires the routes. monitor and metrics may be nil.
func New(cfg Config, eng *engine.Engine, monitor *health.Monitor, metrics *prom.Metrics, logger logging.Logger) (*Server, error) {
	if eng == nil {
		return nil, errors.New("server requires an engine")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = AllowAll{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		engine:       eng,
		monitor:      monitor,
		metrics:      metrics,
		logger:       logger,
		auth:         auth,
		backpressure: newBackpressure(cfg.MaxInFlight),
		metricsH:     prom.FastHTTPHandler(cfg.Gatherer),
		baseCtx:      ctx,
		cancel:       cancel,
	}
	s.routes = map[string]map[string]fasthttp.RequestHandler{
		"/v1/orchestrate": {fasthttp.MethodPost: s.protected(s.handleOrchestrate)},
		"/v1/health":      {fasthttp.MethodGet: s.protected(s.handleHealth)},
		"/v1/workers":     {fasthttp.MethodGet: s.protected(s.handleWorkers)},
	}
	s.srv = &fasthttp.Server{
		Handler:      prom.FastHTTPMiddleware(metrics, s.route),
		Name:         "orchestrator",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the root request handler, mostly for tests.
func (s *Server) Handler() fasthttp.RequestHandler { return s.srv.Handler }

// ListenAndServe blocks serving on cfg.Addr until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Serve blocks serving on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown cancels in-flight orchestrations and waits for open connections
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	method, path := string(ctx.Method()), string(ctx.Path())
	if path == "/metrics" && method == fasthttp.MethodGet {
		s.metricsH(ctx)
		return
	}
	methods, ok := s.routes[path]
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, "not_found", "no route for "+path)
		return
	}
	h, ok := methods[method]
	if !ok {
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method_not_allowed", "method "+method+" not allowed on "+path)
		return
	}
	h(ctx)
}

func (s *Server) protected(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if err := s.auth.Authenticate(ctx); err != nil {
			s.logger.Debug("request rejected", "path", string(ctx.Path()), "error", err)
			ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="orchestrator"`)
			// internal detail stays in the log
			writeError(ctx, fasthttp.StatusUnauthorized, "unauthorized", "invalid or missing credentials")
			return
		}
		next(ctx)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type orchestrateResponse struct {
	Result *agent.OrchestrationResult `json:"result,omitempty"`
	Error  *errorBody                 `json:"error,omitempty"`
}

func (s *Server) handleOrchestrate(ctx *fasthttp.RequestCtx) {
	if !s.backpressure.tryAcquire() {
		s.metrics.RecordHTTPRejected()
		writeError(ctx, fasthttp.StatusServiceUnavailable, "overloaded", "too many orchestrations in flight")
		return
	}
	defer s.backpressure.release()

	var req agent.AnalysisRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, agent.CodeInvalidRequest, "malformed request body: "+err.Error())
		return
	}
	if req.ID == "" {
		req.ID = string(ctx.Request.Header.Peek(headerRequestID))
	}

	if sub, ok := ctx.UserValue(userValueSubject).(string); ok {
		s.logger.Debug("orchestration requested", "subject", sub, "request_id", req.ID)
	}
	result, err := s.engine.Orchestrate(s.baseCtx, req)
	if result.RequestID != "" {
		ctx.Response.Header.Set(headerRequestID, result.RequestID)
	}
	if err == nil {
		writeJSON(ctx, fasthttp.StatusOK, orchestrateResponse{Result: &result})
		return
	}

	var coded *agent.Error
	code, message := "internal", err.Error()
	if errors.As(err, &coded) {
		code = coded.Code
	}
	body := orchestrateResponse{Error: &errorBody{Code: code, Message: message}}
	if errors.Is(err, agent.ErrAllWorkersFailed) {
		// the fallback result is still meaningful to the caller
		body.Result = &result
	}
	writeJSON(ctx, statusFor(err), body)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.monitor == nil {
		writeError(ctx, fasthttp.StatusNotImplemented, "unavailable", "health monitor not configured")
		return
	}
	report, ok := s.monitor.Latest()
	if !ok || string(ctx.QueryArgs().Peek("refresh")) == "true" {
		report = s.monitor.Report(s.baseCtx)
	}
	writeJSON(ctx, fasthttp.StatusOK, report)
}

func (s *Server) handleWorkers(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"workers": s.engine.Registry().Snapshots(),
	})
}

// statusFor maps orchestration errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidRequest):
		return fasthttp.StatusBadRequest
	case errors.Is(err, agent.ErrNoCapableWorkers):
		return fasthttp.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrAllWorkersFailed):
		return fasthttp.StatusBadGateway
	case errors.Is(err, agent.ErrCancelled):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.Error(`{"error":{"code":"internal","message":"encode response"}}`, fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(ctx, status, orchestrateResponse{Error: &errorBody{Code: code, Message: message}})
}
