// Package health periodically checks every registered worker and summarizes
// the fleet in a HealthReport.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/logging"
	prom "github.com/fluxorio/orchestrator/pkg/observability/prometheus"
	"github.com/fluxorio/orchestrator/pkg/registry"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultCheckTimeout = 5 * time.Second

	maintenanceRatio = 0.3
	highLoad         = 0.8
	minAvailability  = 0.7
)

// Fleet recommendation messages.
const (
	MsgErrorWorkers    = "%d workers in error state — investigate and restart"
	MsgHighMaintenance = "High number of workers in maintenance — consider capacity review"
	MsgHighLoad        = "System load high — consider scaling worker capacity"
	MsgLowAvailability = "Low worker availability — check fleet health"
	MsgHealthy         = "Worker fleet healthy — all systems operational"
)

// Monitor produces HealthReports for a registry.
type Monitor struct {
	registry     *registry.Registry
	interval     time.Duration
	checkTimeout time.Duration
	logger       logging.StructuredLogger
	metrics      *prom.Metrics
	now          func() time.Time
	onReport     func(agent.HealthReport)

	mu     sync.RWMutex
	latest *agent.HealthReport
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets how often Run reports.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCheckTimeout bounds each worker's HealthCheck.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.checkTimeout = d
		}
	}
}

func WithLogger(l logging.StructuredLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(metrics *prom.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// OnReport registers a callback invoked after every report produced by Run.
func OnReport(fn func(agent.HealthReport)) Option {
	return func(m *Monitor) { m.onReport = fn }
}

// NewMonitor creates a Monitor over reg.
func NewMonitor(reg *registry.Registry, opts ...Option) (*Monitor, error) {
	if reg == nil {
		return nil, fmt.Errorf("health monitor requires a registry")
	}
	m := &Monitor{
		registry:     reg,
		interval:     DefaultInterval,
		checkTimeout: DefaultCheckTimeout,
		logger:       logging.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type checked struct {
	health    agent.Health
	reachable bool
}

// Report health-checks every registered worker, stores the outcome in the
// registry and returns the fleet summary. A failing or timed out check
// classifies the worker as Error.
func (m *Monitor) Report(ctx context.Context) agent.HealthReport {
	workers := m.registry.Workers()
	results := make([]checked, len(workers))

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w agent.Worker) {
			defer wg.Done()
			results[i] = m.check(ctx, w)
		}(i, w)
	}
	wg.Wait()

	report := agent.HealthReport{TotalWorkers: len(workers), GeneratedAt: m.now()}

	var responseSum float64
	var reachable int
	for _, r := range results {
		switch r.health.Status {
		case agent.StatusActive:
			report.ActiveWorkers++
		case agent.StatusMaintenance:
			report.MaintenanceWorkers++
		default:
			report.ErrorWorkers++
		}
		if r.reachable {
			responseSum += r.health.Metrics.AvgProcessingTimeMs
			reachable++
		}
	}
	if reachable > 0 {
		report.AvgResponseTime = responseSum / float64(reachable)
	}

	snaps := m.registry.Snapshots()
	if len(snaps) > 0 {
		var load float64
		for _, s := range snaps {
			load += s.Load
		}
		report.SystemLoad = load / float64(len(snaps))
	}

	report.Recommendations = Recommend(report)

	m.metrics.UpdateFleet(report.ActiveWorkers, report.MaintenanceWorkers, report.ErrorWorkers,
		report.SystemLoad, report.AvgResponseTime)
	m.logger.LogSuccess("health.report", logging.Fields{
		"total":       report.TotalWorkers,
		"active":      report.ActiveWorkers,
		"maintenance": report.MaintenanceWorkers,
		"error":       report.ErrorWorkers,
		"system_load": report.SystemLoad,
	})

	m.mu.Lock()
	m.latest = &report
	m.mu.Unlock()
	return report
}

func (m *Monitor) check(ctx context.Context, w agent.Worker) checked {
	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	h, err := agent.CheckHealth(ctx, w)
	if err != nil {
		m.logger.LogError(err, logging.CategoryHealth, logging.SeverityMedium, logging.Fields{
			"worker_id": w.ID(),
		})
		prev, _ := m.registry.Snapshot(w.ID())
		h = agent.Health{Status: agent.StatusError, Metrics: prev.Metrics}
		// an unknown id means the worker was unregistered mid-report
		_ = m.registry.SetHealth(w.ID(), h)
		return checked{health: h}
	}
	_ = m.registry.SetHealth(w.ID(), h)
	return checked{health: h, reachable: true}
}

// Recommend applies the fleet rules in order and returns every matching
// message, or the healthy message when none match.
func Recommend(r agent.HealthReport) []string {
	var out []string
	total := float64(r.TotalWorkers)
	if r.ErrorWorkers > 0 {
		out = append(out, fmt.Sprintf(MsgErrorWorkers, r.ErrorWorkers))
	}
	if float64(r.MaintenanceWorkers) > maintenanceRatio*total {
		out = append(out, MsgHighMaintenance)
	}
	if r.SystemLoad > highLoad {
		out = append(out, MsgHighLoad)
	}
	if float64(r.ActiveWorkers) < minAvailability*total {
		out = append(out, MsgLowAvailability)
	}
	if len(out) == 0 {
		out = append(out, MsgHealthy)
	}
	return out
}

// Run reports immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		report := m.Report(ctx)
		if m.onReport != nil {
			m.onReport(report)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Latest returns the most recent report, if any.
func (m *Monitor) Latest() (agent.HealthReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return agent.HealthReport{}, false
	}
	return *m.latest, true
}
