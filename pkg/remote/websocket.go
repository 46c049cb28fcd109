package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/logging"
)

var errSessionClosed = errors.New("websocket session closed")

// WSWorker proxies a worker served by WSHandler. Calls are multiplexed over a
// single connection that is dialed lazily and redialed after a failure.
type WSWorker struct {
	url           string
	id            string
	caps          []string
	dialer        *websocket.Dialer
	healthTimeout time.Duration

	seq uint64

	mu      sync.Mutex
	session *wsSession
	closed  bool
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope
	err     error
}

// NewWSWorker returns a proxy for the worker served at url (ws:// or wss://).
func NewWSWorker(id, url string, caps []string) (*WSWorker, error) {
	if id == "" || url == "" {
		return nil, fmt.Errorf("websocket worker requires an id and a url")
	}
	return &WSWorker{
		url:           url,
		id:            id,
		caps:          append([]string(nil), caps...),
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		healthTimeout: DefaultHealthTimeout,
	}, nil
}

// SetHealthTimeout overrides DefaultHealthTimeout.
func (w *WSWorker) SetHealthTimeout(d time.Duration) {
	if d > 0 {
		w.healthTimeout = d
	}
}

func (w *WSWorker) ID() string { return w.id }

func (w *WSWorker) Capabilities() []string { return w.caps }

func (w *WSWorker) Process(ctx context.Context, in agent.AnalysisContext) (agent.Response, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	reply, err := w.call(ctx, envelope{Op: opProcess, Context: &in})
	if err != nil {
		return agent.Response{}, err
	}
	return unwrapResponse(w.id, reply)
}

func (w *WSWorker) HealthCheck() (agent.Health, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.healthTimeout)
	defer cancel()

	reply, err := w.call(ctx, envelope{Op: opHealth})
	if err != nil {
		return agent.Health{}, err
	}
	return unwrapHealth(w.id, reply)
}

// Close drops the connection; later calls fail.
func (w *WSWorker) Close() error {
	w.mu.Lock()
	s := w.session
	w.session = nil
	w.closed = true
	w.mu.Unlock()
	if s != nil {
		s.fail(errSessionClosed)
	}
	return nil
}

func (w *WSWorker) call(ctx context.Context, env envelope) (envelope, error) {
	s, err := w.connect(ctx)
	if err != nil {
		return envelope{}, err
	}

	env.ID = strconv.FormatUint(atomic.AddUint64(&w.seq, 1), 10)
	ch := make(chan envelope, 1)
	if err := s.register(env.ID, ch); err != nil {
		return envelope{}, err
	}

	s.writeMu.Lock()
	if d, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(d)
	}
	err = s.conn.WriteJSON(env)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(err)
		return envelope{}, fmt.Errorf("websocket worker %s: %w", w.id, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return envelope{}, fmt.Errorf("websocket worker %s: %w", w.id, s.failure())
		}
		return reply, nil
	case <-ctx.Done():
		s.unregister(env.ID)
		return envelope{}, ctx.Err()
	}
}

func (w *WSWorker) connect(ctx context.Context) (*wsSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errSessionClosed
	}
	if w.session != nil && w.session.failure() == nil {
		return w.session, nil
	}

	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket worker %s: %w", w.id, err)
	}
	s := &wsSession{conn: conn, pending: make(map[string]chan envelope)}
	w.session = s
	go s.readLoop()
	return s, nil
}

func (s *wsSession) readLoop() {
	for {
		var env envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			s.fail(err)
			return
		}
		s.mu.Lock()
		ch := s.pending[env.ID]
		delete(s.pending, env.ID)
		s.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	}
}

func (s *wsSession) register(id string, ch chan envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pending[id] = ch
	return nil
}

func (s *wsSession) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *wsSession) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail marks the session dead and releases every waiting call.
func (s *wsSession) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = s.conn.Close()
}

// WSHandler serves one worker to WebSocket clients. Requests on a connection
// are handled concurrently and answered in completion order.
type WSHandler struct {
	worker   agent.Worker
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewWSHandler returns an http.Handler serving w.
func NewWSHandler(w agent.Worker, logger logging.Logger) *WSHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WSHandler{
		worker: w,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("worker_id", w.ID()),
	}
}

func (h *WSHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	for {
		var in envelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		wg.Add(1)
		go func(in envelope) {
			defer wg.Done()
			out := serve(ctx, h.worker, in)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(out); err != nil {
				h.logger.Warn("websocket write failed", "error", err)
			}
		}(in)
	}
	cancel()
	wg.Wait()
}
