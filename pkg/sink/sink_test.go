package sink

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

func sample(id string, workers ...string) agent.OrchestrationResult {
	return agent.OrchestrationResult{
		ID:                     id,
		RequestID:              "req-" + id,
		Mode:                   agent.ModeParallel,
		Success:                true,
		ParticipatingWorkerIDs: workers,
		Confidence:             agent.Confidence{Value: 0.8},
		ConsensusReached:       true,
		TotalProcessingTime:    120 * time.Millisecond,
		CompletedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type namedFailing struct{ err error }

func (n namedFailing) Name() string { return "broken" }

func (n namedFailing) Save(context.Context, agent.OrchestrationResult) error { return n.err }

func TestNameOf(t *testing.T) {
	tests := []struct {
		sink Sink
		want string
	}{
		{Nop{}, "nop"},
		{Multi{}, "multi"},
		{namedFailing{}, "broken"},
		{Func(func(context.Context, agent.OrchestrationResult) error { return nil }), "sink.Func"},
	}
	for _, tt := range tests {
		if got := NameOf(tt.sink); got != tt.want {
			t.Errorf("NameOf(%T) = %q, want %q", tt.sink, got, tt.want)
		}
	}
}

func TestMulti_SavesToAllAndJoinsErrors(t *testing.T) {
	var saved []string
	record := Func(func(_ context.Context, r agent.OrchestrationResult) error {
		saved = append(saved, r.ID)
		return nil
	})
	boom := errors.New("disk full")

	m := Multi{record, namedFailing{err: boom}, record}
	err := m.Save(context.Background(), sample("r1"))

	if len(saved) != 2 {
		t.Errorf("saved %d times, want 2", len(saved))
	}
	if !errors.Is(err, boom) {
		t.Fatalf("Save() error = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "broken: disk full") {
		t.Errorf("error should name the failing sink, got %q", err)
	}
}
