package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/logging"
)

// Worker call outcomes as reported in metrics.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeRejected  = "rejected"
)

var (
	errBreakerOpen = errors.New("circuit breaker refused the call")
	errGroupFailed = errors.New("no worker in group succeeded")
)

type reply struct {
	resp agent.Response
	err  error
}

// invoke runs one worker call with breaker admission, load accounting, the
// per-call timeout and outcome recording. A non-nil error means the worker
// contributes nothing to this orchestration.
func (e *Engine) invoke(ctx context.Context, w agent.Worker, in agent.AnalysisContext) (agent.Response, error) {
	id := w.ID()

	ticket, ok := e.registry.Acquire(id)
	if !ok {
		e.metrics.RecordWorkerCall(id, outcomeRejected, 0)
		if _, ok := e.registry.Snapshot(id); !ok {
			return agent.Response{}, agent.NewError(agent.CodeUnknownWorker,
				fmt.Sprintf("worker %s not registered", id), nil)
		}
		return agent.Response{}, errBreakerOpen
	}

	applied := e.registry.AddLoad(id, e.loadPerCall)
	defer e.registry.AddLoad(id, -applied)

	timeout := in.Request.Timeout
	if timeout <= 0 {
		timeout = e.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := e.tracer.Start(callCtx, "worker.process", trace.WithAttributes(
		attribute.String("worker.id", id),
		attribute.Int("worker.prior_results", len(in.PriorResults)),
	))
	defer span.End()

	start := e.now()
	resp, err := call(callCtx, w, in)
	elapsed := e.now().Sub(start)

	if err == nil && resp.Success {
		e.registry.Complete(ticket, true)
		e.metrics.RecordWorkerCall(id, outcomeSuccess, elapsed)
		resp.WorkerID = id
		if resp.Timestamp.IsZero() {
			resp.Timestamp = e.now()
		}
		return resp, nil
	}

	// caller cancellation says nothing about the worker's health
	if ctx.Err() != nil {
		e.registry.Release(ticket)
		e.metrics.RecordWorkerCall(id, outcomeCancelled, elapsed)
		e.finishSpan(span, ctx.Err())
		return agent.Response{}, agent.NewError(agent.CodeCancelled, "worker call abandoned", ctx.Err())
	}

	outcome := outcomeError
	switch {
	case err == nil:
		outcome = outcomeFailure
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "worker reported failure"
		}
		err = errors.New(msg)
	case errors.Is(err, context.DeadlineExceeded):
		outcome = outcomeTimeout
		err = fmt.Errorf("worker %s exceeded %v: %w", id, timeout, err)
	}

	e.registry.Complete(ticket, false)
	e.metrics.RecordWorkerCall(id, outcome, elapsed)
	e.finishSpan(span, err)
	e.logger.LogError(err, logging.CategoryWorker, logging.SeverityLow, logging.Fields{
		"request_id":  in.Request.ID,
		"worker_id":   id,
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	})
	return agent.Response{}, err
}

// call runs Process on its own goroutine so a worker that ignores its context
// cannot hold the orchestration past the deadline.
func call(ctx context.Context, w agent.Worker, in agent.AnalysisContext) (agent.Response, error) {
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("worker %s panicked: %v", w.ID(), r)}
			}
		}()
		resp, err := w.Process(ctx, in)
		done <- reply{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return agent.Response{}, ctx.Err()
	}
}
