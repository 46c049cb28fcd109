package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "orchestrator"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Breaker state values exported on the breaker gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics holds all orchestrator metrics. Every method is safe on a nil
// receiver so components can run without metrics wired.
type Metrics struct {
	// Orchestration metrics
	OrchestrationsTotal   *prometheus.CounterVec
	OrchestrationDuration *prometheus.HistogramVec
	ConsensusConflicts    prometheus.Counter

	// Worker call metrics
	WorkerCallsTotal   *prometheus.CounterVec
	WorkerCallDuration *prometheus.HistogramVec

	// Registry state
	WorkerLoad         *prometheus.GaugeVec
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Fleet health
	FleetWorkers         *prometheus.GaugeVec
	FleetSystemLoad      prometheus.Gauge
	FleetAvgResponseTime prometheus.Gauge

	// Result sink
	SinkFailures *prometheus.CounterVec
	SinkDropped  prometheus.Counter

	// HTTP facade
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRejected        prometheus.Counter
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection registered on registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Metrics{
		OrchestrationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_orchestrations_total",
				Help: "Total number of orchestration calls by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		OrchestrationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_orchestration_duration_seconds",
				Help:    "Wall-clock orchestration duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		ConsensusConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_consensus_conflicts_total",
				Help: "Total number of orchestrations that ended without consensus",
			},
		),

		WorkerCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_worker_calls_total",
				Help: "Total number of worker invocations by outcome",
			},
			[]string{"worker", "outcome"},
		),
		WorkerCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_worker_call_duration_seconds",
				Help:    "Worker invocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker"},
		),

		WorkerLoad: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_worker_load",
				Help: "Current load gauge per worker (0-1)",
			},
			[]string{"worker"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_breaker_state",
				Help: "Circuit breaker state per worker (0 closed, 1 open, 2 half-open)",
			},
			[]string{"worker"},
		),
		BreakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_breaker_transitions_total",
				Help: "Total circuit breaker transitions by target state",
			},
			[]string{"worker", "state"},
		),

		FleetWorkers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_fleet_workers",
				Help: "Number of registered workers by status",
			},
			[]string{"status"},
		),
		FleetSystemLoad: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_fleet_system_load",
				Help: "Mean load across all registered workers (0-1)",
			},
		),
		FleetAvgResponseTime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_fleet_avg_response_time_ms",
				Help: "Mean reported processing time across reachable workers",
			},
		),

		SinkFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_sink_failures_total",
				Help: "Total result sink write failures",
			},
			[]string{"sink"},
		),
		SinkDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_sink_dropped_total",
				Help: "Results dropped because the sink queue was full",
			},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total HTTP requests by method, path and status class",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRejected: f.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_http_rejected_total",
				Help: "Requests rejected with 503 by backpressure",
			},
		),
	}
}

// RecordOrchestration records one finished orchestration call
func (m *Metrics) RecordOrchestration(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OrchestrationsTotal.WithLabelValues(mode, outcome).Inc()
	m.OrchestrationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordConflict counts an orchestration that did not reach consensus
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConsensusConflicts.Inc()
}

// RecordWorkerCall records a single worker invocation
func (m *Metrics) RecordWorkerCall(worker, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkerCallsTotal.WithLabelValues(worker, outcome).Inc()
	m.WorkerCallDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// SetWorkerLoad publishes a worker's load gauge
func (m *Metrics) SetWorkerLoad(worker string, load float64) {
	if m == nil {
		return
	}
	m.WorkerLoad.WithLabelValues(worker).Set(load)
}

// SetBreakerState publishes a breaker state and counts the transition
func (m *Metrics) SetBreakerState(worker string, state int, name string) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(worker).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(worker, name).Inc()
}

// ForgetWorker removes per-worker series after unregistration
func (m *Metrics) ForgetWorker(worker string) {
	if m == nil {
		return
	}
	m.WorkerLoad.DeleteLabelValues(worker)
	m.BreakerState.DeleteLabelValues(worker)
}

// UpdateFleet publishes the latest fleet health aggregates
func (m *Metrics) UpdateFleet(active, maintenance, errored int, systemLoad, avgResponseMs float64) {
	if m == nil {
		return
	}
	m.FleetWorkers.WithLabelValues("active").Set(float64(active))
	m.FleetWorkers.WithLabelValues("maintenance").Set(float64(maintenance))
	m.FleetWorkers.WithLabelValues("error").Set(float64(errored))
	m.FleetSystemLoad.Set(systemLoad)
	m.FleetAvgResponseTime.Set(avgResponseMs)
}

// RecordSinkFailure counts a failed result sink write
func (m *Metrics) RecordSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

// RecordSinkDropped counts a result dropped by backpressure
func (m *Metrics) RecordSinkDropped() {
	if m == nil {
		return
	}
	m.SinkDropped.Inc()
}

// RecordHTTPRequest records one served HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordHTTPRejected counts a request shed by backpressure
func (m *Metrics) RecordHTTPRejected() {
	if m == nil {
		return
	}
	m.HTTPRejected.Inc()
}
