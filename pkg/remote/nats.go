package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/concurrency"
	"github.com/fluxorio/orchestrator/pkg/logging"
)

// NATSWorker proxies a worker served with ServeNATS on subject.
type NATSWorker struct {
	conn          *nats.Conn
	id            string
	subject       string
	caps          []string
	healthTimeout time.Duration
}

// NewNATSWorker returns a proxy for the worker listening on subject.
func NewNATSWorker(conn *nats.Conn, id, subject string, caps []string) (*NATSWorker, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats worker %s: connection is required", id)
	}
	if id == "" || subject == "" {
		return nil, fmt.Errorf("nats worker requires an id and a subject")
	}
	return &NATSWorker{
		conn:          conn,
		id:            id,
		subject:       subject,
		caps:          append([]string(nil), caps...),
		healthTimeout: DefaultHealthTimeout,
	}, nil
}

// SetHealthTimeout overrides DefaultHealthTimeout.
func (w *NATSWorker) SetHealthTimeout(d time.Duration) {
	if d > 0 {
		w.healthTimeout = d
	}
}

func (w *NATSWorker) ID() string { return w.id }

func (w *NATSWorker) Capabilities() []string { return w.caps }

func (w *NATSWorker) Process(ctx context.Context, in agent.AnalysisContext) (agent.Response, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	reply, err := w.request(ctx, envelope{Op: opProcess, Context: &in}, in.Request.ID)
	if err != nil {
		return agent.Response{}, err
	}
	return unwrapResponse(w.id, reply)
}

func (w *NATSWorker) HealthCheck() (agent.Health, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.healthTimeout)
	defer cancel()

	reply, err := w.request(ctx, envelope{Op: opHealth}, "")
	if err != nil {
		return agent.Health{}, err
	}
	return unwrapHealth(w.id, reply)
}

func (w *NATSWorker) request(ctx context.Context, env envelope, requestID string) (envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s request: %w", env.Op, err)
	}
	msg := nats.NewMsg(w.subject)
	msg.Data = data
	if requestID != "" {
		msg.Header.Set(HeaderRequestID, requestID)
	}

	reply, err := w.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return envelope{}, fmt.Errorf("nats worker %s: %w", w.id, err)
	}
	var out envelope
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return envelope{}, fmt.Errorf("decode reply from %s: %w", w.id, err)
	}
	return out, nil
}

// ServeConfig configures the serving side of a remote worker.
type ServeConfig struct {
	// Executor bounds concurrent requests; zero values mean 16 workers and a
	// queue of 1024.
	Executor concurrency.ExecutorConfig
	Logger   logging.Logger
}

// NATSServer answers requests for one worker on a NATS subject.
type NATSServer struct {
	worker   agent.Worker
	sub      *nats.Subscription
	executor concurrency.Executor
	logger   logging.Logger
}

// ServeNATS subscribes w on subject. Several processes serving the same
// subject share the load through a queue group.
func ServeNATS(ctx context.Context, conn *nats.Conn, subject string, w agent.Worker, cfg ServeConfig) (*NATSServer, error) {
	if conn == nil || w == nil {
		return nil, fmt.Errorf("serve nats: connection and worker are required")
	}
	if subject == "" {
		return nil, fmt.Errorf("serve nats: subject is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	execCfg := cfg.Executor
	if execCfg.Workers == 0 && execCfg.QueueSize == 0 {
		execCfg.Workers = 16
		execCfg.QueueSize = 1024
	}
	execCfg.Logger = logger

	s := &NATSServer{
		worker:   w,
		executor: concurrency.NewExecutor(ctx, execCfg),
		logger:   logger.With("worker_id", w.ID(), "subject", subject),
	}
	sub, err := conn.QueueSubscribe(subject, subject, s.onMsg)
	if err != nil {
		_ = s.executor.Shutdown(context.Background())
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *NATSServer) onMsg(msg *nats.Msg) {
	task := concurrency.NewNamedTask("remote.nats."+s.worker.ID(), func(ctx context.Context) error {
		return s.handle(ctx, msg)
	})
	if err := s.executor.Submit(task); err != nil {
		s.logger.Warn("worker overloaded, rejecting request", "error", err)
		s.respond(msg, envelope{Error: "worker overloaded: " + err.Error()})
	}
}

func (s *NATSServer) handle(ctx context.Context, msg *nats.Msg) error {
	var in envelope
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.respond(msg, envelope{Error: "malformed request: " + err.Error()})
		return err
	}
	if rid := msg.Header.Get(HeaderRequestID); rid != "" {
		ctx = logging.WithRequestID(ctx, rid)
	}
	s.respond(msg, serve(ctx, s.worker, in))
	return nil
}

func (s *NATSServer) respond(msg *nats.Msg, out envelope) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("encode reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("reply failed", "error", err)
	}
}

// Close stops accepting requests and waits for in-flight ones until ctx ends.
func (s *NATSServer) Close(ctx context.Context) error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return s.executor.Shutdown(ctx)
}
