package agent

// Error codes used across the orchestrator.
const (
	CodeUnhealthyWorker  = "UNHEALTHY_WORKER"
	CodeDuplicateWorker  = "DUPLICATE_WORKER"
	CodeUnknownWorker    = "UNKNOWN_WORKER"
	CodeNoCapableWorkers = "NO_CAPABLE_WORKERS"
	CodeAllWorkersFailed = "ALL_WORKERS_FAILED"
	CodeCancelled        = "CANCELLED"
	CodeInvalidRequest   = "INVALID_REQUEST"
)

// Error is a coded orchestration error. Two errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    string
	Message string
	Err     error
}

// NewError builds a coded error wrapping cause (which may be nil).
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrUnhealthyWorker  = &Error{Code: CodeUnhealthyWorker, Message: "worker failed registration health check"}
	ErrDuplicateWorker  = &Error{Code: CodeDuplicateWorker, Message: "worker already registered"}
	ErrUnknownWorker    = &Error{Code: CodeUnknownWorker, Message: "worker not registered"}
	ErrNoCapableWorkers = &Error{Code: CodeNoCapableWorkers, Message: "no capable workers available"}
	ErrAllWorkersFailed = &Error{Code: CodeAllWorkersFailed, Message: "all selected workers failed"}
	ErrCancelled        = &Error{Code: CodeCancelled, Message: "orchestration cancelled before any worker succeeded"}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest, Message: "invalid analysis request"}
)
