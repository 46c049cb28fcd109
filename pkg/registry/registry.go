// Package registry owns every worker known to the orchestrator: the capability
// index, the per-worker load gauge and the per-worker circuit breaker. Other
// components read and mutate that state only through Registry methods.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/logging"
	prom "github.com/fluxorio/orchestrator/pkg/observability/prometheus"
)

const (
	DefaultFailureThreshold  = 5
	DefaultCooldown          = 30 * time.Second
	DefaultOverloadThreshold = 0.8
	DefaultHealthTimeout     = 5 * time.Second
)

// entry is one registered worker. mu serializes load and breaker updates so
// concurrent orchestrations never lose an increment.
type entry struct {
	mu sync.Mutex

	worker       agent.Worker
	caps         []string
	status       agent.Status
	metrics      agent.PerformanceMetrics
	load         float64
	breaker      breaker
	registeredAt time.Time
}

// Snapshot is a point-in-time copy of a worker's registry state.
type Snapshot struct {
	ID                  string                   `json:"id"`
	Capabilities        []string                 `json:"capabilities"`
	Status              agent.Status             `json:"status"`
	Metrics             agent.PerformanceMetrics `json:"metrics"`
	Load                float64                  `json:"load"`
	Breaker             State                    `json:"breaker"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	LastFailure         time.Time                `json:"last_failure,omitempty"`
	RegisteredAt        time.Time                `json:"registered_at"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	byCapability map[string]map[string]struct{}

	failureThreshold  int
	cooldown          time.Duration
	overloadThreshold float64
	healthTimeout     time.Duration
	now               func() time.Time

	logger  logging.StructuredLogger
	metrics *prom.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithFailureThreshold sets how many consecutive failures open a breaker.
func WithFailureThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// WithCooldown sets how long a breaker stays open before admitting a probe.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithOverloadThreshold sets the load at or above which workers are skipped.
func WithOverloadThreshold(v float64) Option {
	return func(r *Registry) {
		if v > 0 && v <= 1 {
			r.overloadThreshold = v
		}
	}
}

// WithHealthTimeout bounds the registration health check.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}

// WithClock replaces time.Now, mainly for breaker cooldown tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l logging.StructuredLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *prom.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:           make(map[string]*entry),
		byCapability:      make(map[string]map[string]struct{}),
		failureThreshold:  DefaultFailureThreshold,
		cooldown:          DefaultCooldown,
		overloadThreshold: DefaultOverloadThreshold,
		healthTimeout:     DefaultHealthTimeout,
		now:               time.Now,
		logger:            logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register health-checks w and, if it is not in error, indexes it under each
// capability with zero load and a closed breaker.
func (r *Registry) Register(w agent.Worker) error {
	if w == nil {
		return agent.NewError(agent.CodeInvalidRequest, "worker cannot be nil", nil)
	}
	id := w.ID()
	if id == "" {
		return agent.NewError(agent.CodeInvalidRequest, "worker id cannot be empty", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.healthTimeout)
	defer cancel()
	health, err := agent.CheckHealth(ctx, w)
	if err != nil {
		r.logger.LogError(err, logging.CategoryRegistry, logging.SeverityMedium, logging.Fields{"worker_id": id})
		return agent.NewError(agent.CodeUnhealthyWorker, fmt.Sprintf("worker %s health check failed", id), err)
	}
	if health.Status == agent.StatusError {
		err := agent.NewError(agent.CodeUnhealthyWorker, fmt.Sprintf("worker %s reported error status", id), nil)
		r.logger.LogError(err, logging.CategoryRegistry, logging.SeverityMedium, logging.Fields{"worker_id": id})
		return err
	}

	caps := agent.NormalizeCapabilities(w.Capabilities())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return agent.NewError(agent.CodeDuplicateWorker, fmt.Sprintf("worker %s already registered", id), nil)
	}
	r.entries[id] = &entry{
		worker:       w,
		caps:         caps,
		status:       health.Status,
		metrics:      health.Metrics,
		breaker:      newBreaker(r.failureThreshold, r.cooldown),
		registeredAt: r.now(),
	}
	for _, c := range caps {
		ids, ok := r.byCapability[c]
		if !ok {
			ids = make(map[string]struct{})
			r.byCapability[c] = ids
		}
		ids[id] = struct{}{}
	}

	r.metrics.SetWorkerLoad(id, 0)
	r.logger.LogSuccess("worker.registered", logging.Fields{
		"worker_id":    id,
		"capabilities": caps,
		"status":       string(health.Status),
	})
	return nil
}

// Unregister removes id from every index. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	for _, c := range e.caps {
		if ids, ok := r.byCapability[c]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.byCapability, c)
			}
		}
	}
	r.mu.Unlock()

	r.metrics.ForgetWorker(id)
	r.logger.LogSuccess("worker.unregistered", logging.Fields{"worker_id": id})
}

// SelectCandidates returns, sorted by id, the active workers offering
// capability whose load is below the overload threshold and whose breaker
// admits traffic.
func (r *Registry) SelectCandidates(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]string, 0, len(r.byCapability[capability]))
	for id := range r.byCapability[capability] {
		e := r.entries[id]
		e.mu.Lock()
		eligible := e.status == agent.StatusActive &&
			e.load < r.overloadThreshold &&
			e.breaker.admits(now)
		e.mu.Unlock()
		if eligible {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateLoad adds delta to the worker's load, clamped to [0,1], and returns
// the new value. Unknown ids return 0.
func (r *Registry) UpdateLoad(id string, delta float64) float64 {
	load, _ := r.adjustLoad(id, delta)
	return load
}

// AddLoad adds delta like UpdateLoad but returns the change actually applied
// after clamping. Subtracting exactly that amount later undoes the call.
func (r *Registry) AddLoad(id string, delta float64) float64 {
	_, applied := r.adjustLoad(id, delta)
	return applied
}

func (r *Registry) adjustLoad(id string, delta float64) (load, applied float64) {
	e := r.lookup(id)
	if e == nil {
		return 0, 0
	}
	e.mu.Lock()
	before := e.load
	e.load = clamp01(e.load + delta)
	load = e.load
	e.mu.Unlock()

	r.metrics.SetWorkerLoad(id, load)
	return load, load - before
}

// Ticket is handed out by Acquire for one admitted call.
type Ticket struct {
	WorkerID string
	// Probe is set when the call is the breaker's single half-open probe.
	Probe bool
}

// RecordOutcome feeds the outcome of a call that holds no ticket into the
// worker's breaker. It never settles a half-open breaker; use Complete for
// calls admitted through Acquire.
func (r *Registry) RecordOutcome(id string, success bool) {
	r.Complete(Ticket{WorkerID: id}, success)
}

// Complete records the outcome of a call admitted by Acquire. Only the probe
// ticket moves a half-open breaker to closed or back to open.
func (r *Registry) Complete(t Ticket, success bool) {
	e := r.lookup(t.WorkerID)
	if e == nil {
		return
	}
	e.mu.Lock()
	var changed bool
	if success {
		changed = e.breaker.success(t.Probe)
	} else {
		changed = e.breaker.failure(r.now(), t.Probe)
	}
	state := e.breaker.state
	failures := e.breaker.failures
	e.mu.Unlock()

	if changed {
		r.breakerChanged(t.WorkerID, state, failures)
	}
}

// Acquire asks the worker's breaker to admit one call. The ticket must be
// passed to Complete, or to Release when the call is abandoned without
// outcome.
func (r *Registry) Acquire(id string) (Ticket, bool) {
	e := r.lookup(id)
	if e == nil {
		return Ticket{}, false
	}
	e.mu.Lock()
	ok, probe, changed := e.breaker.acquire(r.now())
	state := e.breaker.state
	failures := e.breaker.failures
	e.mu.Unlock()

	if changed {
		r.breakerChanged(id, state, failures)
	}
	return Ticket{WorkerID: id, Probe: probe}, ok
}

// Release frees the half-open probe slot held by t, if any.
func (r *Registry) Release(t Ticket) {
	e := r.lookup(t.WorkerID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.breaker.release(t.Probe)
	e.mu.Unlock()
}

// SetHealth stores the outcome of a health check.
func (r *Registry) SetHealth(id string, h agent.Health) error {
	e := r.lookup(id)
	if e == nil {
		return agent.NewError(agent.CodeUnknownWorker, fmt.Sprintf("worker %s not registered", id), nil)
	}
	e.mu.Lock()
	prev := e.status
	e.status = h.Status
	e.metrics = h.Metrics
	e.mu.Unlock()

	if prev != h.Status {
		r.logger.LogSuccess("worker.status_changed", logging.Fields{
			"worker_id": id,
			"from":      string(prev),
			"to":        string(h.Status),
		})
	}
	return nil
}

// Worker returns the registered worker with id.
func (r *Registry) Worker(id string) (agent.Worker, bool) {
	e := r.lookup(id)
	if e == nil {
		return nil, false
	}
	return e.worker, true
}

// Workers returns every registered worker sorted by id.
func (r *Registry) Workers() []agent.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.sortedIDsLocked()
	out := make([]agent.Worker, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id].worker)
	}
	return out
}

// Snapshot copies the state of one worker.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	e := r.lookup(id)
	if e == nil {
		return Snapshot{}, false
	}
	return e.snapshot(id), true
}

// Snapshots copies the state of every worker, sorted by id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.sortedIDsLocked()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id].snapshot(id))
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) breakerChanged(id string, state State, failures int) {
	var gauge int
	switch state {
	case StateOpen:
		gauge = prom.BreakerOpen
	case StateHalfOpen:
		gauge = prom.BreakerHalfOpen
	default:
		gauge = prom.BreakerClosed
	}
	r.metrics.SetBreakerState(id, gauge, state.String())

	fields := logging.Fields{
		"worker_id":            id,
		"state":                state.String(),
		"consecutive_failures": failures,
	}
	if state == StateOpen {
		r.logger.LogError(fmt.Errorf("circuit breaker opened for worker %s", id),
			logging.CategoryRegistry, logging.SeverityHigh, fields)
		return
	}
	r.logger.LogSuccess("breaker.transition", fields)
}

func (e *entry) snapshot(id string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		ID:                  id,
		Capabilities:        append([]string(nil), e.caps...),
		Status:              e.status,
		Metrics:             e.metrics,
		Load:                e.load,
		Breaker:             e.breaker.state,
		ConsecutiveFailures: e.breaker.failures,
		LastFailure:         e.breaker.lastFailure,
		RegisteredAt:        e.registeredAt,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
