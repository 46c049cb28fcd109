package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/agent/agenttest"
	prom "github.com/fluxorio/orchestrator/pkg/observability/prometheus"
	"github.com/fluxorio/orchestrator/pkg/registry"
)

func stub(id string, status agent.Status, avgMs float64) *agenttest.StubWorker {
	w := agenttest.New(id, "x")
	w.Status = status
	w.Metrics = agent.PerformanceMetrics{AvgProcessingTimeMs: avgMs, SuccessRate: 0.9}
	return w
}

func setup(t *testing.T, workers ...agent.Worker) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			t.Fatalf("Register(%s) error = %v", w.ID(), err)
		}
	}
	return reg
}

func TestNewMonitor_RequiresRegistry(t *testing.T) {
	if _, err := NewMonitor(nil); err == nil {
		t.Error("NewMonitor(nil) should fail")
	}
}

func TestReport_HealthyFleet(t *testing.T) {
	reg := setup(t, stub("a", agent.StatusActive, 100), stub("b", agent.StatusActive, 200))
	m, _ := NewMonitor(reg)

	r := m.Report(context.Background())

	if r.TotalWorkers != 2 || r.ActiveWorkers != 2 {
		t.Errorf("counts = %+v", r)
	}
	if r.AvgResponseTime != 150 {
		t.Errorf("AvgResponseTime = %v, want 150", r.AvgResponseTime)
	}
	if len(r.Recommendations) != 1 || r.Recommendations[0] != MsgHealthy {
		t.Errorf("Recommendations = %v", r.Recommendations)
	}
	if latest, ok := m.Latest(); !ok || latest.TotalWorkers != 2 {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}
}

func TestReport_ClassifiesAndWritesBack(t *testing.T) {
	a := stub("a", agent.StatusActive, 100)
	maint := stub("maint", agent.StatusActive, 300)
	broken := stub("broken", agent.StatusActive, 50)
	reg := setup(t, a, maint, broken)

	// statuses change after registration
	maint.Status = agent.StatusMaintenance
	broken.HealthErr = errors.New("connection refused")

	m, _ := NewMonitor(reg)
	r := m.Report(context.Background())

	if r.ActiveWorkers != 1 || r.MaintenanceWorkers != 1 || r.ErrorWorkers != 1 {
		t.Fatalf("counts = %+v", r)
	}
	// broken is unreachable and excluded from the response time mean
	if r.AvgResponseTime != 200 {
		t.Errorf("AvgResponseTime = %v, want 200", r.AvgResponseTime)
	}
	if snap, _ := reg.Snapshot("broken"); snap.Status != agent.StatusError {
		t.Errorf("broken status = %v, want error", snap.Status)
	}
	if snap, _ := reg.Snapshot("maint"); snap.Status != agent.StatusMaintenance {
		t.Errorf("maint status = %v, want maintenance", snap.Status)
	}
	if got := reg.SelectCandidates("x"); len(got) != 1 || got[0] != "a" {
		t.Errorf("SelectCandidates() = %v, want only the active worker", got)
	}
}

func TestReport_SystemLoad(t *testing.T) {
	reg := setup(t, stub("a", agent.StatusActive, 0), stub("b", agent.StatusActive, 0))
	reg.UpdateLoad("a", 0.9)
	reg.UpdateLoad("b", 0.8)
	m, _ := NewMonitor(reg)

	r := m.Report(context.Background())

	if r.SystemLoad < 0.849 || r.SystemLoad > 0.851 {
		t.Errorf("SystemLoad = %v, want 0.85", r.SystemLoad)
	}
	if len(r.Recommendations) != 1 || r.Recommendations[0] != MsgHighLoad {
		t.Errorf("Recommendations = %v", r.Recommendations)
	}
}

func TestReport_HungCheckTimesOut(t *testing.T) {
	hung := &agent.Func{
		WorkerID: "hung",
		Caps:     []string{"x"},
	}
	reg := setup(t, hung)
	release := make(chan struct{})
	defer close(release)
	hung.HealthFn = func() (agent.Health, error) {
		<-release
		return agent.Health{Status: agent.StatusActive}, nil
	}

	m, _ := NewMonitor(reg, WithCheckTimeout(20*time.Millisecond))
	start := time.Now()
	r := m.Report(context.Background())

	if time.Since(start) > time.Second {
		t.Error("Report() should not wait for a hung health check")
	}
	if r.ErrorWorkers != 1 {
		t.Errorf("ErrorWorkers = %d, want 1", r.ErrorWorkers)
	}
}

func TestReport_EmptyFleet(t *testing.T) {
	m, _ := NewMonitor(registry.New())
	r := m.Report(context.Background())
	if r.TotalWorkers != 0 || len(r.Recommendations) != 1 || r.Recommendations[0] != MsgHealthy {
		t.Errorf("Report() = %+v", r)
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name   string
		report agent.HealthReport
		want   []string
	}{
		{
			name:   "healthy",
			report: agent.HealthReport{TotalWorkers: 4, ActiveWorkers: 4},
			want:   []string{MsgHealthy},
		},
		{
			name:   "errors and low availability",
			report: agent.HealthReport{TotalWorkers: 4, ActiveWorkers: 2, ErrorWorkers: 2},
			want: []string{
				"2 workers in error state — investigate and restart",
				MsgLowAvailability,
			},
		},
		{
			name:   "maintenance over thirty percent",
			report: agent.HealthReport{TotalWorkers: 10, ActiveWorkers: 6, MaintenanceWorkers: 4},
			want:   []string{MsgHighMaintenance, MsgLowAvailability},
		},
		{
			name:   "maintenance at thirty percent",
			report: agent.HealthReport{TotalWorkers: 10, ActiveWorkers: 7, MaintenanceWorkers: 3},
			want:   []string{MsgHealthy},
		},
		{
			name:   "all rules",
			report: agent.HealthReport{TotalWorkers: 3, ActiveWorkers: 1, ErrorWorkers: 1, MaintenanceWorkers: 1, SystemLoad: 0.95},
			want: []string{
				"1 workers in error state — investigate and restart",
				MsgHighMaintenance,
				MsgHighLoad,
				MsgLowAvailability,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recommend(tt.report)
			if len(got) != len(tt.want) {
				t.Fatalf("Recommend() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Recommend()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReport_UpdatesFleetMetrics(t *testing.T) {
	reg := setup(t, stub("a", agent.StatusActive, 10), stub("b", agent.StatusMaintenance, 10))
	metrics := prom.NewMetrics(prometheus.NewRegistry())
	m, _ := NewMonitor(reg, WithMetrics(metrics))

	m.Report(context.Background())

	if got := testutil.ToFloat64(metrics.FleetWorkers.WithLabelValues("active")); got != 1 {
		t.Errorf("fleet_workers{active} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.FleetWorkers.WithLabelValues("maintenance")); got != 1 {
		t.Errorf("fleet_workers{maintenance} = %v, want 1", got)
	}
}

func TestRun_ReportsUntilCancelled(t *testing.T) {
	reg := setup(t, stub("a", agent.StatusActive, 10))
	var reports int32
	m, _ := NewMonitor(reg,
		WithInterval(10*time.Millisecond),
		OnReport(func(agent.HealthReport) { atomic.AddInt32(&reports, 1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if got := atomic.LoadInt32(&reports); got < 2 {
		t.Errorf("reports = %d, want at least 2", got)
	}
}
