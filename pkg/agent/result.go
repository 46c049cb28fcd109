package agent

import "time"

// OrchestrationResult is the reconciled outcome of one request.
type OrchestrationResult struct {
	ID                     string            `json:"id"`
	RequestID              string            `json:"request_id"`
	Mode                   CollaborationMode `json:"mode"`
	Success                bool              `json:"success"`
	PrimaryResponse        *Response         `json:"primary_response,omitempty"`
	ParticipatingWorkerIDs []string          `json:"participating_worker_ids"`
	Confidence             Confidence        `json:"confidence"`
	Recommendations        []Recommendation  `json:"recommendations,omitempty"`
	FinalRecommendation    *Recommendation   `json:"final_recommendation,omitempty"`
	Reasoning              Reasoning         `json:"reasoning"`
	ConsensusReached       bool              `json:"consensus_reached"`
	ConflictingWorkerIDs   []string          `json:"conflicting_worker_ids,omitempty"`
	TotalProcessingTime    time.Duration     `json:"total_processing_time"`
	CompletedAt            time.Time         `json:"completed_at"`
}

// FallbackConfidence is reported when every selected worker failed.
const FallbackConfidence = 0.1

// FallbackResult is the canned result returned alongside ErrAllWorkersFailed.
func FallbackResult(req AnalysisRequest) OrchestrationResult {
	return OrchestrationResult{
		RequestID:              req.ID,
		Mode:                   req.Mode,
		Success:                false,
		ParticipatingWorkerIDs: []string{},
		Confidence:             Confidence{Value: FallbackConfidence},
		Reasoning: Reasoning{
			Decision:  "orchestration failed",
			Rationale: "no selected worker produced a successful response",
		},
	}
}

// HealthReport is the fleet-level summary produced by the health monitor.
type HealthReport struct {
	TotalWorkers       int `json:"total_workers"`
	ActiveWorkers      int `json:"active_workers"`
	ErrorWorkers       int `json:"error_workers"`
	MaintenanceWorkers int `json:"maintenance_workers"`
	// AvgResponseTime is the mean reported processing time in milliseconds.
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	SystemLoad      float64   `json:"system_load"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at"`
}
