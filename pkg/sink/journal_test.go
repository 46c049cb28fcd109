package sink

import (
	"context"
	"testing"

	"github.com/fluxorio/orchestrator/pkg/journal"
)

func TestJournalSink_SaveAndReplay(t *testing.T) {
	j, err := journal.Open(journal.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	s, err := NewJournalSink(j)
	if err != nil {
		t.Fatalf("NewJournalSink() error = %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.Save(ctx, sample(id, "w1")); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}

	got, err := s.Replay(2, 10)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "r2" || got[1].ID != "r3" {
		t.Errorf("Replay(2) = %+v, want r2 r3", got)
	}
}

func TestJournalSink_HonoursCancelledContext(t *testing.T) {
	j, err := journal.Open(journal.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	s, _ := NewJournalSink(j)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Save(ctx, sample("r1")); err == nil {
		t.Error("Save() with cancelled context should fail")
	}
	if got, _ := s.Replay(1, 10); len(got) != 0 {
		t.Errorf("nothing should be journaled, got %d", len(got))
	}
}
