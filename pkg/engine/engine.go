// Package engine runs selected workers under the parallel, sequential or
// hybrid strategy, reconciles their responses and forwards the result to the
// configured sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/concurrency"
	"github.com/fluxorio/orchestrator/pkg/consensus"
	"github.com/fluxorio/orchestrator/pkg/logging"
	prom "github.com/fluxorio/orchestrator/pkg/observability/prometheus"
	"github.com/fluxorio/orchestrator/pkg/registry"
	"github.com/fluxorio/orchestrator/pkg/scheduler"
	"github.com/fluxorio/orchestrator/pkg/sink"
)

const (
	// DefaultLoadPerCall is the load share a single in-flight call adds to a
	// worker's gauge.
	DefaultLoadPerCall = 0.1
	// DefaultCallTimeout bounds a worker call when the request sets none.
	DefaultCallTimeout = 30 * time.Second
	// DefaultSinkTimeout bounds one sink write.
	DefaultSinkTimeout = 10 * time.Second

	tracerName = "github.com/fluxorio/orchestrator/pkg/engine"
)

// Engine executes orchestration requests. It is safe for concurrent use; the
// only state shared between calls lives in the Registry.
type Engine struct {
	registry    *registry.Registry
	selector    scheduler.Selector
	resolver    *consensus.Resolver
	sink        sink.Sink
	dispatcher  concurrency.Executor
	logger      logging.StructuredLogger
	metrics     *prom.Metrics
	tracer      trace.Tracer
	loadPerCall float64
	callTimeout time.Duration
	sinkTimeout time.Duration
	now         func() time.Time

	dispatcherCfg concurrency.ExecutorConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithSelector replaces the registry-backed scheduler.
func WithSelector(s scheduler.Selector) Option {
	return func(e *Engine) { e.selector = s }
}

// WithResolver sets the consensus resolver.
func WithResolver(r *consensus.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithSink sets where finished results are forwarded.
func WithSink(s sink.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithSinkTimeout bounds a single sink write.
func WithSinkTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sinkTimeout = d
		}
	}
}

// WithDispatcher sizes the background pool that forwards results to the sink.
func WithDispatcher(cfg concurrency.ExecutorConfig) Option {
	return func(e *Engine) { e.dispatcherCfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *prom.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLoadPerCall sets the gauge share added around each call.
func WithLoadPerCall(v float64) Option {
	return func(e *Engine) {
		if v >= 0 && v <= 1 {
			e.loadPerCall = v
		}
	}
}

// WithCallTimeout sets the per-call timeout used when a request has none.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an Engine over reg.
func New(reg *registry.Registry, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("engine requires a registry")
	}
	e := &Engine{
		registry:      reg,
		resolver:      consensus.NewResolver(nil),
		logger:        logging.NewNop(),
		tracer:        otel.Tracer(tracerName),
		loadPerCall:   DefaultLoadPerCall,
		callTimeout:   DefaultCallTimeout,
		sinkTimeout:   DefaultSinkTimeout,
		now:           time.Now,
		dispatcherCfg: concurrency.DefaultExecutorConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.selector == nil {
		s, err := scheduler.New(reg)
		if err != nil {
			return nil, err
		}
		e.selector = s
	}
	if e.resolver == nil {
		e.resolver = consensus.NewResolver(nil)
	}
	if e.sink != nil {
		e.dispatcher = concurrency.NewExecutor(context.Background(), e.dispatcherCfg)
	}
	return e, nil
}

// Orchestrate validates req, selects workers for it and executes them.
func (e *Engine) Orchestrate(ctx context.Context, req agent.AnalysisRequest) (agent.OrchestrationResult, error) {
	ctx, req.ID = logging.EnsureRequestID(ctx, req.ID)

	if err := req.Validate(); err != nil {
		e.metrics.RecordOrchestration(string(modeOf(req)), "invalid", 0)
		return agent.OrchestrationResult{RequestID: req.ID, Mode: modeOf(req)}, err
	}

	sel, err := e.selector.Select(req)
	if err != nil {
		e.metrics.RecordOrchestration(string(modeOf(req)), "no_capable_workers", 0)
		e.logger.LogError(err, logging.CategoryScheduling, logging.SeverityMedium, logging.Fields{
			"request_id":   req.ID,
			"capabilities": req.RequiredCapabilities,
		})
		return agent.OrchestrationResult{RequestID: req.ID, Mode: modeOf(req)}, err
	}
	if len(sel.Unfulfilled) > 0 {
		e.logger.LogError(
			fmt.Errorf("capabilities without eligible workers"),
			logging.CategoryScheduling, logging.SeverityLow,
			logging.Fields{"request_id": req.ID, "unfulfilled": sel.Unfulfilled},
		)
	}
	return e.Execute(ctx, sel.Workers, req)
}

// Execute runs workers under req's collaboration mode. It returns a populated
// result or one of ErrNoCapableWorkers, ErrAllWorkersFailed (with the fallback
// result) and ErrCancelled.
func (e *Engine) Execute(ctx context.Context, workers []agent.Worker, req agent.AnalysisRequest) (agent.OrchestrationResult, error) {
	start := e.now()
	mode := modeOf(req)
	req.Mode = mode
	if req.ID == "" {
		req.ID = logging.RequestID(ctx)
		if req.ID == "" {
			req.ID = logging.GenerateRequestID()
		}
	}

	ctx, span := e.tracer.Start(ctx, "orchestrate", trace.WithAttributes(
		attribute.String("orchestration.request_id", req.ID),
		attribute.String("orchestration.mode", string(mode)),
		attribute.Int("orchestration.workers", len(workers)),
	))
	defer span.End()

	if len(workers) == 0 {
		err := agent.NewError(agent.CodeNoCapableWorkers, "no workers to execute", nil)
		e.finishSpan(span, err)
		e.metrics.RecordOrchestration(string(mode), "no_capable_workers", 0)
		return agent.OrchestrationResult{RequestID: req.ID, Mode: mode}, err
	}

	var run execution
	switch mode {
	case agent.ModeSequential:
		run = e.sequential(ctx, workers, req)
	case agent.ModeHybrid:
		run = e.hybrid(ctx, workers, req)
	default:
		run = e.parallel(ctx, workers, req)
	}

	elapsed := e.now().Sub(start)

	if len(run.successes) == 0 {
		if ctx.Err() != nil {
			err := agent.NewError(agent.CodeCancelled, "orchestration cancelled before any worker succeeded", ctx.Err())
			e.finishSpan(span, err)
			e.metrics.RecordOrchestration(string(mode), "cancelled", elapsed)
			e.logger.LogError(err, logging.CategoryExecution, logging.SeverityMedium, logging.Fields{
				"request_id": req.ID,
				"mode":       string(mode),
			})
			return agent.OrchestrationResult{RequestID: req.ID, Mode: mode, TotalProcessingTime: elapsed}, err
		}

		result := agent.FallbackResult(req)
		result.ID = uuid.NewString()
		result.TotalProcessingTime = elapsed
		result.CompletedAt = e.now()
		err := agent.NewError(agent.CodeAllWorkersFailed,
			fmt.Sprintf("all %d selected workers failed", len(workers)), nil)
		e.finishSpan(span, err)
		e.metrics.RecordOrchestration(string(mode), "all_workers_failed", elapsed)
		e.logger.LogError(err, logging.CategoryExecution, logging.SeverityHigh, logging.Fields{
			"request_id": req.ID,
			"mode":       string(mode),
			"workers":    len(workers),
		})
		e.forward(result)
		return result, err
	}

	resolved := e.resolver.Resolve(run.ballots, req)
	result := e.buildResult(req, run, resolved)
	result.TotalProcessingTime = e.now().Sub(start)
	result.CompletedAt = e.now()

	if !result.ConsensusReached {
		e.metrics.RecordConflict()
	}
	e.metrics.RecordOrchestration(string(mode), "success", result.TotalProcessingTime)
	span.SetAttributes(
		attribute.Int("orchestration.participants", len(result.ParticipatingWorkerIDs)),
		attribute.Bool("orchestration.consensus", result.ConsensusReached),
		attribute.Float64("orchestration.confidence", result.Confidence.Value),
	)
	e.finishSpan(span, nil)
	e.logger.LogSuccess("orchestration.completed", logging.Fields{
		"request_id":        req.ID,
		"result_id":         result.ID,
		"mode":              string(mode),
		"participants":      result.ParticipatingWorkerIDs,
		"consensus_reached": result.ConsensusReached,
		"confidence":        result.Confidence.Value,
		"duration_ms":       result.TotalProcessingTime.Milliseconds(),
	})
	e.forward(result)
	return result, nil
}

// Close waits for queued sink writes to finish or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	if e.dispatcher == nil {
		return nil
	}
	return e.dispatcher.Shutdown(ctx)
}

// Registry exposes the registry the engine was built on.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func (e *Engine) buildResult(req agent.AnalysisRequest, run execution, resolved consensus.Result) agent.OrchestrationResult {
	participants := make([]string, len(run.successes))
	for i, r := range run.successes {
		participants[i] = r.WorkerID
	}
	primary := *run.primary

	return agent.OrchestrationResult{
		ID:                     uuid.NewString(),
		RequestID:              req.ID,
		Mode:                   req.Mode,
		Success:                true,
		PrimaryResponse:        &primary,
		ParticipatingWorkerIDs: participants,
		Confidence:             resolved.Confidence,
		Recommendations:        resolved.Recommendations,
		FinalRecommendation:    resolved.FinalRecommendation,
		Reasoning: agent.Reasoning{
			Decision: primary.Reasoning.Decision,
			Rationale: fmt.Sprintf("%s consensus anchored on %s across %d response(s)",
				req.Mode, resolved.Anchor.WorkerID, len(run.ballots)),
			Evidence: resolved.Anchor.Reasoning.Evidence,
		},
		ConsensusReached:     resolved.ConsensusReached,
		ConflictingWorkerIDs: resolved.ConflictingWorkerIDs,
	}
}

// forward hands result to the sink without blocking the caller.
func (e *Engine) forward(result agent.OrchestrationResult) {
	if e.sink == nil || e.dispatcher == nil {
		return
	}
	name := sink.NameOf(e.sink)
	task := concurrency.NewNamedTask("sink.save", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.sinkTimeout)
		defer cancel()
		if err := e.sink.Save(ctx, result); err != nil {
			e.metrics.RecordSinkFailure(name)
			e.logger.LogError(err, logging.CategorySink, logging.SeverityMedium, logging.Fields{
				"sink":       name,
				"result_id":  result.ID,
				"request_id": result.RequestID,
			})
		}
		return nil
	})
	if err := e.dispatcher.Submit(task); err != nil {
		e.metrics.RecordSinkDropped()
		e.logger.LogError(err, logging.CategorySink, logging.SeverityHigh, logging.Fields{
			"sink":      name,
			"result_id": result.ID,
			"reason":    "dispatch rejected",
		})
	}
}

func (e *Engine) finishSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	var ae *agent.Error
	if errors.As(err, &ae) {
		span.SetAttributes(attribute.String("orchestration.error_code", ae.Code))
	}
	span.SetStatus(codes.Error, err.Error())
}

func modeOf(req agent.AnalysisRequest) agent.CollaborationMode {
	if req.Mode == "" {
		return agent.ModeParallel
	}
	return req.Mode
}
