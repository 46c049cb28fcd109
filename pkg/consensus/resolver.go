// Package consensus reconciles several worker responses into one outcome by
// weighted voting and merges their recommendations.
package consensus

import (
	"sort"
	"strings"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

const (
	// DefaultConflictThreshold is the weight gap beyond which a response
	// disagrees with the anchor.
	DefaultConflictThreshold = 0.2
	// DefaultMergeDepth is how many top-weighted responses feed the
	// recommendation merge.
	DefaultMergeDepth = 3

	// absorbs float noise such as 0.9-0.7 = 0.20000000000000007
	epsilon = 1e-9
)

// Weighted pairs a response with its computed weight.
type Weighted struct {
	Response agent.Response
	Weight   float64
}

// Result is the reconciled view of a set of responses.
type Result struct {
	Anchor               agent.Response
	Ranked               []Weighted
	ConflictingWorkerIDs []string
	ConsensusReached     bool
	Recommendations      []agent.Recommendation
	FinalRecommendation  *agent.Recommendation
	Confidence           agent.Confidence
}

// Resolver runs weighted consensus. The zero value uses uniform weights and
// the default thresholds.
type Resolver struct {
	Weights           WeightPolicy
	ConflictThreshold float64
	MergeDepth        int
}

// NewResolver returns a resolver using policy (nil means uniform).
func NewResolver(policy WeightPolicy) *Resolver {
	return &Resolver{Weights: policy}
}

// Resolve ranks responses by confidence × worker weight, picks the top one as
// anchor and merges the recommendations of the top ranked responses. An empty
// input yields a zero Result with ConsensusReached false.
func (r *Resolver) Resolve(responses []agent.Response, _ agent.AnalysisRequest) Result {
	if len(responses) == 0 {
		return Result{}
	}

	ranked := r.rank(responses)
	anchor := ranked[0]

	var conflicting []string
	for _, w := range ranked[1:] {
		if abs(anchor.Weight-w.Weight) > r.conflictThreshold()+epsilon {
			conflicting = append(conflicting, w.Response.WorkerID)
		}
	}

	depth := r.mergeDepth()
	if depth > len(ranked) {
		depth = len(ranked)
	}
	merged, final := mergeRecommendations(ranked[:depth], anchor.Response)

	return Result{
		Anchor:               anchor.Response,
		Ranked:               ranked,
		ConflictingWorkerIDs: conflicting,
		ConsensusReached:     len(conflicting) == 0,
		Recommendations:      merged,
		FinalRecommendation:  final,
		Confidence: agent.Confidence{
			Value:   anchor.Weight,
			Factors: anchor.Response.Confidence.Factors,
		},
	}
}

// Weight computes the voting weight of one response.
func (r *Resolver) Weight(resp agent.Response) float64 {
	policy := r.Weights
	if policy == nil {
		policy = UniformWeights{}
	}
	return resp.Confidence.Value * policy.Weight(resp.WorkerID)
}

func (r *Resolver) rank(responses []agent.Response) []Weighted {
	ranked := make([]Weighted, len(responses))
	for i, resp := range responses {
		ranked[i] = Weighted{Response: resp, Weight: r.Weight(resp)}
	}
	// stable: equal weights keep arrival order
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight > ranked[j].Weight
	})
	return ranked
}

func (r *Resolver) conflictThreshold() float64 {
	if r.ConflictThreshold > 0 {
		return r.ConflictThreshold
	}
	return DefaultConflictThreshold
}

func (r *Resolver) mergeDepth() int {
	if r.MergeDepth > 0 {
		return r.MergeDepth
	}
	return DefaultMergeDepth
}

type groupKey struct {
	category agent.Category
	priority agent.Priority
}

func keyOf(rec agent.Recommendation) groupKey {
	return groupKey{category: rec.Category, priority: rec.Priority}
}

// mergeRecommendations groups the recommendations of top by (category,
// priority) in first-seen order and collapses each group into one.
func mergeRecommendations(top []Weighted, anchor agent.Response) ([]agent.Recommendation, *agent.Recommendation) {
	var order []groupKey
	groups := make(map[groupKey][]agent.Recommendation)
	for _, w := range top {
		for _, rec := range w.Response.Recommendations {
			k := keyOf(rec)
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = append(groups[k], rec)
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	merged := make([]agent.Recommendation, len(order))
	index := make(map[groupKey]int, len(order))
	for i, k := range order {
		merged[i] = MergeGroup(groups[k])
		index[k] = i
	}

	if len(anchor.Recommendations) > 0 {
		if i, ok := index[keyOf(anchor.Recommendations[0])]; ok {
			final := merged[i]
			return merged, &final
		}
	}

	best := 0
	for i := 1; i < len(merged); i++ {
		if merged[i].Confidence > merged[best].Confidence {
			best = i
		}
	}
	final := merged[best]
	return merged, &final
}

// MergeGroup collapses recommendations sharing a (category, priority) key.
// Descriptions are space-joined and actions concatenated in order, confidence
// is the mean, every other field comes from the first member. A single member
// is returned unchanged.
func MergeGroup(group []agent.Recommendation) agent.Recommendation {
	switch len(group) {
	case 0:
		return agent.Recommendation{}
	case 1:
		return group[0].Clone()
	}

	out := group[0].Clone()
	descriptions := make([]string, 0, len(group))
	var actions []agent.Action
	var total float64
	for _, rec := range group {
		descriptions = append(descriptions, rec.Description)
		actions = append(actions, rec.Actions...)
		total += rec.Confidence
	}
	out.Description = strings.Join(descriptions, " ")
	out.Actions = actions
	out.Confidence = total / float64(len(group))
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
