package agent

import "time"

// ConfidenceFactors break a confidence value down into its inputs.
type ConfidenceFactors struct {
	DataQuality           float64 `json:"data_quality"`
	ModelAccuracy         float64 `json:"model_accuracy"`
	ContextRelevance      float64 `json:"context_relevance"`
	HistoricalPerformance float64 `json:"historical_performance"`
}

// Confidence is a score in [0,1] with its contributing factors.
type Confidence struct {
	Value   float64           `json:"value"`
	Factors ConfidenceFactors `json:"factors"`
}

// Evidence is one weighted piece of support for a decision.
type Evidence struct {
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Reasoning explains how a response or result was reached.
type Reasoning struct {
	Decision  string     `json:"decision"`
	Rationale string     `json:"rationale,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty"`
}

// Response is what a worker returns from Process.
type Response struct {
	Success         bool             `json:"success"`
	Confidence      Confidence       `json:"confidence"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Reasoning       Reasoning        `json:"reasoning"`
	WorkerID        string           `json:"worker_id"`
	Timestamp       time.Time        `json:"timestamp"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

// Priority ranks a recommendation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Category is the time horizon of a recommendation.
type Category string

const (
	CategoryImmediate Category = "immediate"
	CategoryShortTerm Category = "short_term"
	CategoryLongTerm  Category = "long_term"
)

// Action is one concrete step of a recommendation.
type Action struct {
	Step      string `json:"step"`
	Timeframe string `json:"timeframe,omitempty"`
	Resources string `json:"resources,omitempty"`
	Cost      string `json:"cost,omitempty"`
}

// Recommendation is a suggested course of action produced by a worker.
type Recommendation struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Priority        Priority `json:"priority"`
	Category        Category `json:"category"`
	Actions         []Action `json:"actions,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// Clone returns a deep copy so merged recommendations never alias worker output.
func (r Recommendation) Clone() Recommendation {
	out := r
	if r.Actions != nil {
		out.Actions = append([]Action(nil), r.Actions...)
	}
	return out
}
