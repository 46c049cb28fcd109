// Package agenttest provides scriptable workers for tests.
package agenttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

// StubWorker is a configurable agent.Worker. The zero value of every knob
// produces an active worker that succeeds immediately with confidence 0.5.
type StubWorker struct {
	WorkerID string
	Caps     []string

	// Delay is slept (ctx-aware) before answering.
	Delay time.Duration
	// Confidence is the value returned in successful responses.
	Confidence float64
	// Recommendations are attached to successful responses.
	Recommendations []agent.Recommendation
	// Err makes Process fail with this error.
	Err error
	// Fail makes Process return a response with Success=false.
	Fail bool
	// IgnoreCancel keeps Process running past ctx cancellation.
	IgnoreCancel bool

	// Status and HealthErr drive HealthCheck.
	Status    agent.Status
	HealthErr error
	Metrics   agent.PerformanceMetrics

	calls int64

	mu       sync.Mutex
	received []agent.AnalysisContext
}

// New returns a stub with the given id and capabilities.
func New(id string, caps ...string) *StubWorker {
	return &StubWorker{WorkerID: id, Caps: caps, Confidence: 0.5}
}

func (w *StubWorker) ID() string { return w.WorkerID }

func (w *StubWorker) Capabilities() []string { return w.Caps }

func (w *StubWorker) Process(ctx context.Context, in agent.AnalysisContext) (agent.Response, error) {
	atomic.AddInt64(&w.calls, 1)

	w.mu.Lock()
	w.received = append(w.received, in)
	w.mu.Unlock()

	if w.Delay > 0 {
		if w.IgnoreCancel {
			time.Sleep(w.Delay)
		} else {
			select {
			case <-time.After(w.Delay):
			case <-ctx.Done():
				return agent.Response{}, ctx.Err()
			}
		}
	}
	if w.Err != nil {
		return agent.Response{}, w.Err
	}
	resp := agent.Response{
		Success:         !w.Fail,
		Confidence:      agent.Confidence{Value: w.Confidence},
		Recommendations: w.Recommendations,
		Reasoning:       agent.Reasoning{Decision: "stub decision from " + w.WorkerID},
		WorkerID:        w.WorkerID,
		Timestamp:       time.Now(),
	}
	if w.Fail {
		resp.ErrorMessage = "stub failure"
	}
	return resp, nil
}

func (w *StubWorker) HealthCheck() (agent.Health, error) {
	if w.HealthErr != nil {
		return agent.Health{}, w.HealthErr
	}
	status := w.Status
	if status == "" {
		status = agent.StatusActive
	}
	return agent.Health{Status: status, Metrics: w.Metrics}, nil
}

// Calls returns how many times Process was invoked.
func (w *StubWorker) Calls() int {
	return int(atomic.LoadInt64(&w.calls))
}

// Received returns a copy of every AnalysisContext passed to Process.
func (w *StubWorker) Received() []agent.AnalysisContext {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]agent.AnalysisContext(nil), w.received...)
}

// ErrBoom is a generic failure for tests.
var ErrBoom = errors.New("boom")
