// Package remote lets workers run in other processes. A worker process serves
// its agent.Worker over NATS request/reply or a WebSocket, and the
// orchestrator registers a proxy that satisfies agent.Worker on its side.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/orchestrator/pkg/agent"
)

const (
	opProcess = "process"
	opHealth  = "health"

	// HeaderRequestID carries the orchestration request id across transports.
	HeaderRequestID = "X-Request-ID"

	// DefaultCallTimeout bounds a remote Process call whose ctx has no deadline.
	DefaultCallTimeout = 30 * time.Second
	// DefaultHealthTimeout bounds a remote health check.
	DefaultHealthTimeout = 5 * time.Second
)

// envelope is the wire message for both directions.
type envelope struct {
	ID       string                 `json:"id,omitempty"`
	Op       string                 `json:"op"`
	Context  *agent.AnalysisContext `json:"context,omitempty"`
	Response *agent.Response        `json:"response,omitempty"`
	Health   *agent.Health          `json:"health,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// RemoteError is a failure reported by the worker process itself, as opposed
// to a transport failure.
type RemoteError struct {
	WorkerID string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote worker %s: %s", e.WorkerID, e.Message)
}

// serve executes one request envelope against w and builds the reply.
func serve(ctx context.Context, w agent.Worker, in envelope) envelope {
	out := envelope{ID: in.ID, Op: in.Op}
	switch in.Op {
	case opProcess:
		if in.Context == nil {
			out.Error = "missing analysis context"
			return out
		}
		if t := in.Context.Request.Timeout; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		resp, err := w.Process(ctx, *in.Context)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Response = &resp
	case opHealth:
		h, err := agent.CheckHealth(ctx, w)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Health = &h
	default:
		out.Error = fmt.Sprintf("unknown op %q", in.Op)
	}
	return out
}

// unwrapResponse and unwrapHealth turn a reply into caller-facing values.
func unwrapResponse(workerID string, env envelope) (agent.Response, error) {
	if env.Error != "" {
		return agent.Response{}, &RemoteError{WorkerID: workerID, Message: env.Error}
	}
	if env.Response == nil {
		return agent.Response{}, &RemoteError{WorkerID: workerID, Message: "empty response"}
	}
	return *env.Response, nil
}

func unwrapHealth(workerID string, env envelope) (agent.Health, error) {
	if env.Error != "" {
		return agent.Health{}, &RemoteError{WorkerID: workerID, Message: env.Error}
	}
	if env.Health == nil {
		return agent.Health{}, &RemoteError{WorkerID: workerID, Message: "empty health report"}
	}
	return *env.Health, nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}
