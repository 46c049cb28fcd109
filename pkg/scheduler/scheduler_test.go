package scheduler

import (
	"errors"
	"testing"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/agent/agenttest"
	"github.com/fluxorio/orchestrator/pkg/registry"
)

func setup(t *testing.T, workers ...agent.Worker) (*registry.Registry, *Scheduler) {
	t.Helper()
	reg := registry.New()
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			t.Fatalf("Register(%s) error = %v", w.ID(), err)
		}
	}
	s, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return reg, s
}

func ids(ws []agent.Worker) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID()
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_RequiresRegistry(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestSelect_SkipsOverloadedWorker(t *testing.T) {
	reg, s := setup(t,
		agenttest.New("W1", "field_analysis"),
		agenttest.New("W2", "field_analysis"),
	)
	reg.UpdateLoad("W1", 0.9)

	got, err := s.SelectWorkers(agent.AnalysisRequest{RequiredCapabilities: []string{"field_analysis"}})
	if err != nil {
		t.Fatalf("SelectWorkers() error = %v", err)
	}
	if !equal(ids(got), []string{"W2"}) {
		t.Errorf("SelectWorkers() = %v, want [W2]", ids(got))
	}
}

func TestSelect_TieBreaks(t *testing.T) {
	reg, s := setup(t,
		agenttest.New("b", "x"),
		agenttest.New("a", "x"),
		agenttest.New("c", "x"),
	)

	req := agent.AnalysisRequest{RequiredCapabilities: []string{"x"}}

	// equal load and failures: lexicographic id
	if got, _ := s.SelectWorkers(req); !equal(ids(got), []string{"a"}) {
		t.Errorf("lexicographic tie-break: got %v", ids(got))
	}

	// fewer consecutive failures wins at equal load
	reg.RecordOutcome("a", false)
	if got, _ := s.SelectWorkers(req); !equal(ids(got), []string{"b"}) {
		t.Errorf("failure tie-break: got %v", ids(got))
	}

	// lower load wins over failures
	reg.UpdateLoad("b", 0.3)
	reg.UpdateLoad("c", 0.2)
	reg.UpdateLoad("a", 0.1)
	if got, _ := s.SelectWorkers(req); !equal(ids(got), []string{"a"}) {
		t.Errorf("load ordering: got %v", ids(got))
	}
}

func TestSelect_DedupesAndKeepsDeclarationOrder(t *testing.T) {
	_, s := setup(t,
		agenttest.New("multi", "field_analysis", "weather"),
		agenttest.New("market", "market_intelligence"),
	)

	sel, err := s.Select(agent.AnalysisRequest{
		RequiredCapabilities: []string{"market_intelligence", "field_analysis", "weather"},
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if !equal(sel.IDs(), []string{"market", "multi"}) {
		t.Errorf("Select() = %v, want [market multi]", sel.IDs())
	}
	if sel.Assignments["weather"] != "multi" || sel.Assignments["field_analysis"] != "multi" {
		t.Errorf("unexpected assignments %v", sel.Assignments)
	}
}

func TestSelect_PartialFulfilment(t *testing.T) {
	_, s := setup(t, agenttest.New("w1", "field_analysis"))

	sel, err := s.Select(agent.AnalysisRequest{
		RequiredCapabilities: []string{"field_analysis", "satellite_imagery"},
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if !equal(sel.IDs(), []string{"w1"}) {
		t.Errorf("Select() = %v", sel.IDs())
	}
	if !equal(sel.Unfulfilled, []string{"satellite_imagery"}) {
		t.Errorf("Unfulfilled = %v", sel.Unfulfilled)
	}
}

func TestSelect_MaxWorkersTruncates(t *testing.T) {
	_, s := setup(t,
		agenttest.New("a", "one"),
		agenttest.New("b", "two"),
		agenttest.New("c", "three"),
	)

	sel, err := s.Select(agent.AnalysisRequest{
		RequiredCapabilities: []string{"three", "one", "two"},
		MaxWorkers:           2,
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if !equal(sel.IDs(), []string{"c", "a"}) || !sel.Truncated {
		t.Errorf("Select() = %v truncated=%v, want [c a] truncated", sel.IDs(), sel.Truncated)
	}
}

func TestSelect_NoCapableWorkers(t *testing.T) {
	_, s := setup(t, agenttest.New("w1", "field_analysis"))

	_, err := s.SelectWorkers(agent.AnalysisRequest{RequiredCapabilities: []string{"market_intelligence"}})
	if !errors.Is(err, agent.ErrNoCapableWorkers) {
		t.Fatalf("SelectWorkers() error = %v, want ErrNoCapableWorkers", err)
	}
}

func TestSelect_ExcludesOpenBreaker(t *testing.T) {
	reg, s := setup(t,
		agenttest.New("flaky", "x"),
		agenttest.New("steady", "x"),
	)
	for i := 0; i < registry.DefaultFailureThreshold; i++ {
		reg.RecordOutcome("flaky", false)
	}
	reg.UpdateLoad("steady", 0.5)

	got, err := s.SelectWorkers(agent.AnalysisRequest{RequiredCapabilities: []string{"x"}})
	if err != nil {
		t.Fatalf("SelectWorkers() error = %v", err)
	}
	if !equal(ids(got), []string{"steady"}) {
		t.Errorf("SelectWorkers() = %v, want [steady]", ids(got))
	}
}
