package consensus

import (
	"math"
	"testing"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/agent/agenttest"
	"github.com/fluxorio/orchestrator/pkg/registry"
)

func resp(worker string, confidence float64, recs ...agent.Recommendation) agent.Response {
	return agent.Response{
		Success:         true,
		WorkerID:        worker,
		Confidence:      agent.Confidence{Value: confidence, Factors: agent.ConfidenceFactors{DataQuality: confidence}},
		Recommendations: recs,
	}
}

func rec(id string, cat agent.Category, prio agent.Priority, desc string, conf float64, steps ...string) agent.Recommendation {
	r := agent.Recommendation{ID: id, Title: "title " + id, Description: desc, Category: cat, Priority: prio, Confidence: conf}
	for _, s := range steps {
		r.Actions = append(r.Actions, agent.Action{Step: s})
	}
	return r
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestResolve_ConflictDetection(t *testing.T) {
	tests := []struct {
		name      string
		second    float64
		conflicts bool
	}{
		{"gap 0.25 conflicts", 0.65, true},
		{"gap 0.15 agrees", 0.75, false},
		{"gap exactly 0.2 agrees", 0.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil)
			res := r.Resolve([]agent.Response{resp("b", tt.second), resp("a", 0.9)}, agent.AnalysisRequest{})

			if res.Anchor.WorkerID != "a" {
				t.Fatalf("anchor = %s, want a", res.Anchor.WorkerID)
			}
			if got := len(res.ConflictingWorkerIDs) > 0; got != tt.conflicts {
				t.Errorf("conflicting = %v, want conflicts=%v", res.ConflictingWorkerIDs, tt.conflicts)
			}
			if res.ConsensusReached == tt.conflicts {
				t.Errorf("ConsensusReached = %v", res.ConsensusReached)
			}
		})
	}
}

func TestResolve_ConfidenceFromAnchor(t *testing.T) {
	weights := WeightFunc(func(id string) float64 {
		if id == "trusted" {
			return 1.0
		}
		return 0.5
	})
	r := NewResolver(weights)

	res := r.Resolve([]agent.Response{resp("untrusted", 0.9), resp("trusted", 0.6)}, agent.AnalysisRequest{})

	if res.Anchor.WorkerID != "trusted" {
		t.Fatalf("anchor = %s, want trusted (0.6 > 0.45)", res.Anchor.WorkerID)
	}
	if !near(res.Confidence.Value, 0.6) {
		t.Errorf("confidence = %v, want 0.6", res.Confidence.Value)
	}
	if !near(res.Confidence.Factors.DataQuality, 0.6) {
		t.Errorf("factors not copied from anchor: %+v", res.Confidence.Factors)
	}
	if len(res.Ranked) != 2 || !near(res.Ranked[1].Weight, 0.45) {
		t.Errorf("ranked = %+v", res.Ranked)
	}
}

func TestResolve_TiesKeepArrivalOrder(t *testing.T) {
	res := NewResolver(nil).Resolve([]agent.Response{resp("first", 0.8), resp("second", 0.8)}, agent.AnalysisRequest{})
	if res.Anchor.WorkerID != "first" {
		t.Errorf("anchor = %s, want first", res.Anchor.WorkerID)
	}
}

func TestResolve_Empty(t *testing.T) {
	res := NewResolver(nil).Resolve(nil, agent.AnalysisRequest{})
	if res.ConsensusReached || res.FinalRecommendation != nil {
		t.Errorf("empty input should produce zero result, got %+v", res)
	}
}

func TestMergeGroup(t *testing.T) {
	a := rec("r1", agent.CategoryShortTerm, agent.PriorityHigh, "A", 0.8, "step-a")
	b := rec("r2", agent.CategoryShortTerm, agent.PriorityHigh, "B", 0.6, "step-b1", "step-b2")

	got := MergeGroup([]agent.Recommendation{a, b})

	if got.Description != "A B" {
		t.Errorf("Description = %q, want %q", got.Description, "A B")
	}
	if !near(got.Confidence, 0.7) {
		t.Errorf("Confidence = %v, want 0.7", got.Confidence)
	}
	if len(got.Actions) != 3 || got.Actions[0].Step != "step-a" || got.Actions[2].Step != "step-b2" {
		t.Errorf("Actions = %+v", got.Actions)
	}
	if got.ID != "r1" || got.Title != "title r1" {
		t.Errorf("other fields should come from first member: %+v", got)
	}

	single := MergeGroup([]agent.Recommendation{b})
	if single.Description != "B" || single.Confidence != 0.6 || len(single.Actions) != 2 {
		t.Errorf("single member must pass through unchanged: %+v", single)
	}
}

func TestResolve_MergesTopThreeOnly(t *testing.T) {
	key := func(id, desc string, conf float64) agent.Recommendation {
		return rec(id, agent.CategoryImmediate, agent.PriorityCritical, desc, conf)
	}
	responses := []agent.Response{
		resp("w4", 0.2, key("r4", "D", 0.1)),
		resp("w1", 0.9, key("r1", "A", 0.9)),
		resp("w3", 0.5, key("r3", "C", 0.5)),
		resp("w2", 0.7, key("r2", "B", 0.7)),
	}

	res := NewResolver(nil).Resolve(responses, agent.AnalysisRequest{})

	if len(res.Recommendations) != 1 {
		t.Fatalf("expected one merged group, got %d", len(res.Recommendations))
	}
	got := res.Recommendations[0]
	if got.Description != "A B C" {
		t.Errorf("Description = %q, want %q (rank order, w4 excluded)", got.Description, "A B C")
	}
	if !near(got.Confidence, 0.7) {
		t.Errorf("Confidence = %v, want 0.7", got.Confidence)
	}
}

func TestResolve_FinalRecommendation(t *testing.T) {
	anchorTop := rec("a1", agent.CategoryLongTerm, agent.PriorityLow, "plant cover crop", 0.4)
	other := rec("b1", agent.CategoryImmediate, agent.PriorityHigh, "irrigate now", 0.95)
	sameGroup := rec("b2", agent.CategoryLongTerm, agent.PriorityLow, "rotate fields", 0.6)

	res := NewResolver(nil).Resolve([]agent.Response{
		resp("anchor", 0.9, anchorTop),
		resp("second", 0.8, other, sameGroup),
	}, agent.AnalysisRequest{})

	if res.FinalRecommendation == nil {
		t.Fatal("FinalRecommendation is nil")
	}
	if res.FinalRecommendation.Description != "plant cover crop rotate fields" {
		t.Errorf("final should be the merged group of the anchor's top recommendation, got %q",
			res.FinalRecommendation.Description)
	}
	if !near(res.FinalRecommendation.Confidence, 0.5) {
		t.Errorf("final confidence = %v, want 0.5", res.FinalRecommendation.Confidence)
	}
	if len(res.Recommendations) != 2 || res.Recommendations[0].ID != "a1" || res.Recommendations[1].ID != "b1" {
		t.Errorf("merged order should follow first appearance: %+v", res.Recommendations)
	}
}

func TestResolve_FinalFallsBackToHighestConfidence(t *testing.T) {
	res := NewResolver(nil).Resolve([]agent.Response{
		resp("anchor", 0.9),
		resp("second", 0.8,
			rec("x", agent.CategoryImmediate, agent.PriorityLow, "low", 0.3),
			rec("y", agent.CategoryShortTerm, agent.PriorityMedium, "high", 0.85),
		),
	}, agent.AnalysisRequest{})

	if res.FinalRecommendation == nil || res.FinalRecommendation.ID != "y" {
		t.Errorf("FinalRecommendation = %+v, want y", res.FinalRecommendation)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	a := rec("r1", agent.CategoryShortTerm, agent.PriorityHigh, "A", 0.8, "a")
	b := rec("r2", agent.CategoryShortTerm, agent.PriorityHigh, "B", 0.6, "b")
	in := []agent.Response{resp("w1", 0.9, a), resp("w2", 0.8, b)}

	NewResolver(nil).Resolve(in, agent.AnalysisRequest{})

	if in[0].Recommendations[0].Description != "A" || len(in[0].Recommendations[0].Actions) != 1 {
		t.Error("Resolve() mutated worker recommendations")
	}
}

func TestPerformanceWeights(t *testing.T) {
	reg := registry.New()
	good := agenttest.New("good", "x")
	good.Metrics = agent.PerformanceMetrics{SuccessRate: 0.9}
	unknown := agenttest.New("fresh", "x")
	poor := agenttest.New("poor", "x")
	poor.Metrics = agent.PerformanceMetrics{SuccessRate: 0.05}
	for _, w := range []agent.Worker{good, unknown, poor} {
		if err := reg.Register(w); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	p := PerformanceWeights{Registry: reg, Floor: 0.1}
	if got := p.Weight("good"); !near(got, 0.9) {
		t.Errorf("Weight(good) = %v, want 0.9", got)
	}
	if got := p.Weight("fresh"); got != 1.0 {
		t.Errorf("Weight(fresh) = %v, want 1.0", got)
	}
	if got := p.Weight("poor"); !near(got, 0.1) {
		t.Errorf("Weight(poor) = %v, want floor 0.1", got)
	}
	if got := p.Weight("ghost"); got != 1.0 {
		t.Errorf("Weight(ghost) = %v, want 1.0", got)
	}
}
