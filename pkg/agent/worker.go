package agent

import (
	"context"
	"fmt"
	"strings"
)

// Worker is an autonomous analysis unit supplied by the host application.
// The orchestrator never looks inside a worker; it only selects, invokes and
// health-checks it through this contract.
type Worker interface {
	// ID returns the unique worker identifier
	ID() string

	// Capabilities returns the capability tags the worker advertises
	Capabilities() []string

	// Process runs the worker's analysis. Implementations must honor ctx
	// cancellation; the orchestrator abandons calls whose ctx is done.
	Process(ctx context.Context, in AnalysisContext) (Response, error)

	// HealthCheck reports the worker's current status and performance metrics
	HealthCheck() (Health, error)
}

// Status is the lifecycle status of a worker.
type Status string

const (
	StatusActive      Status = "active"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusMaintenance, StatusError:
		return true
	}
	return false
}

// PerformanceMetrics summarizes how a worker has been performing.
type PerformanceMetrics struct {
	SuccessRate         float64 `json:"success_rate"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	AvgConfidence       float64 `json:"avg_confidence"`
}

// Health is the result of a worker health check.
type Health struct {
	Status  Status             `json:"status"`
	Metrics PerformanceMetrics `json:"metrics"`
}

// Func adapts plain functions to the Worker contract. It is mostly useful for
// in-process workers that need no state of their own.
type Func struct {
	WorkerID  string
	Caps      []string
	ProcessFn func(ctx context.Context, in AnalysisContext) (Response, error)
	HealthFn  func() (Health, error)
}

func (f *Func) ID() string { return f.WorkerID }

func (f *Func) Capabilities() []string { return f.Caps }

func (f *Func) Process(ctx context.Context, in AnalysisContext) (Response, error) {
	if f.ProcessFn == nil {
		return Response{}, fmt.Errorf("worker %s: no process function", f.WorkerID)
	}
	return f.ProcessFn(ctx, in)
}

func (f *Func) HealthCheck() (Health, error) {
	if f.HealthFn == nil {
		return Health{Status: StatusActive}, nil
	}
	return f.HealthFn()
}

// NormalizeCapabilities trims, drops empties and de-duplicates while keeping
// declaration order.
func NormalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
