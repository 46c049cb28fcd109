package consensus

import "github.com/fluxorio/orchestrator/pkg/registry"

// WeightPolicy assigns a trust multiplier to each worker's responses.
type WeightPolicy interface {
	Weight(workerID string) float64
}

// WeightFunc adapts a function to WeightPolicy.
type WeightFunc func(workerID string) float64

func (f WeightFunc) Weight(workerID string) float64 { return f(workerID) }

// UniformWeights trusts every worker equally.
type UniformWeights struct{}

func (UniformWeights) Weight(string) float64 { return 1.0 }

// PerformanceWeights weighs a worker by the success rate it last reported in
// a health check. Workers without a reported rate keep the neutral 1.0.
type PerformanceWeights struct {
	Registry *registry.Registry
	// Floor keeps poorly performing workers from vanishing entirely.
	Floor float64
}

func (p PerformanceWeights) Weight(workerID string) float64 {
	if p.Registry == nil {
		return 1.0
	}
	snap, ok := p.Registry.Snapshot(workerID)
	if !ok || snap.Metrics.SuccessRate <= 0 {
		return 1.0
	}
	w := snap.Metrics.SuccessRate
	if w > 1 {
		w = 1
	}
	if w < p.Floor {
		w = p.Floor
	}
	return w
}
