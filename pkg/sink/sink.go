// Package sink persists or publishes finished orchestration results. Sinks are
// called fire-and-forget by the engine; their errors are logged, never
// returned to the orchestration caller.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

// Sink receives finished orchestration results.
type Sink interface {
	Save(ctx context.Context, result agent.OrchestrationResult) error
}

// Named is implemented by sinks that label themselves in metrics and logs.
type Named interface {
	Name() string
}

// NameOf returns the sink's label, falling back to its Go type.
func NameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, result agent.OrchestrationResult) error

func (f Func) Save(ctx context.Context, result agent.OrchestrationResult) error {
	return f(ctx, result)
}

// Nop discards every result.
type Nop struct{}

func (Nop) Save(context.Context, agent.OrchestrationResult) error { return nil }

func (Nop) Name() string { return "nop" }

// Multi fans a result out to every sink in order. All sinks are attempted;
// their errors are joined.
type Multi []Sink

func (m Multi) Save(ctx context.Context, result agent.OrchestrationResult) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Save(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", NameOf(s), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string { return "multi" }
