package agent

import (
	"fmt"
	"time"
)

// CollaborationMode selects the execution strategy for a request.
type CollaborationMode string

const (
	ModeParallel   CollaborationMode = "parallel"
	ModeSequential CollaborationMode = "sequential"
	ModeHybrid     CollaborationMode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m CollaborationMode) Valid() bool {
	switch m {
	case ModeParallel, ModeSequential, ModeHybrid:
		return true
	}
	return false
}

// RequestPriority is the caller-assigned urgency of a request.
type RequestPriority string

const (
	RequestLow       RequestPriority = "low"
	RequestMedium    RequestPriority = "medium"
	RequestHigh      RequestPriority = "high"
	RequestEmergency RequestPriority = "emergency"
)

// AnalysisRequest is what a caller submits for orchestration.
type AnalysisRequest struct {
	ID                   string            `json:"id,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Mode                 CollaborationMode `json:"collaboration_mode"`
	Priority             RequestPriority   `json:"priority,omitempty"`
	// MaxWorkers caps the selected set; zero means no cap.
	MaxWorkers int `json:"max_workers,omitempty"`
	// Timeout bounds each individual worker call.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Payload is opaque input handed to every worker.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Validate checks the request shape before any worker is selected.
func (r AnalysisRequest) Validate() error {
	if len(NormalizeCapabilities(r.RequiredCapabilities)) == 0 {
		return NewError(CodeInvalidRequest, "at least one required capability must be given", nil)
	}
	if r.Mode != "" && !r.Mode.Valid() {
		return NewError(CodeInvalidRequest, fmt.Sprintf("unknown collaboration mode %q", r.Mode), nil)
	}
	switch r.Priority {
	case "", RequestLow, RequestMedium, RequestHigh, RequestEmergency:
	default:
		return NewError(CodeInvalidRequest, fmt.Sprintf("unknown priority %q", r.Priority), nil)
	}
	if r.MaxWorkers < 0 {
		return NewError(CodeInvalidRequest, "max workers cannot be negative", nil)
	}
	if r.Timeout < 0 {
		return NewError(CodeInvalidRequest, "timeout cannot be negative", nil)
	}
	return nil
}

// AnalysisContext is the input of a single worker invocation.
type AnalysisContext struct {
	Request AnalysisRequest `json:"request"`
	// PriorResults carries the successful responses that were produced earlier
	// in the same orchestration (sequential chain or earlier hybrid groups).
	PriorResults []Response `json:"prior_results,omitempty"`
}
