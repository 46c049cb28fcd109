package prometheus

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestNewMetrics_RecordsOnOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordOrchestration("parallel", "success", 120*time.Millisecond)
	m.RecordOrchestration("parallel", "success", 80*time.Millisecond)
	m.RecordWorkerCall("w1", "timeout", time.Second)
	m.SetWorkerLoad("w1", 0.4)
	m.SetBreakerState("w1", BreakerOpen, "open")
	m.UpdateFleet(3, 1, 1, 0.25, 40)
	m.RecordSinkFailure("sql")
	m.RecordConflict()

	if got := testutil.ToFloat64(m.OrchestrationsTotal.WithLabelValues("parallel", "success")); got != 2 {
		t.Errorf("orchestrations_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WorkerCallsTotal.WithLabelValues("w1", "timeout")); got != 1 {
		t.Errorf("worker_calls_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkerLoad.WithLabelValues("w1")); got != 0.4 {
		t.Errorf("worker_load = %v, want 0.4", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("w1")); got != BreakerOpen {
		t.Errorf("breaker_state = %v, want %v", got, BreakerOpen)
	}
	if got := testutil.ToFloat64(m.FleetWorkers.WithLabelValues("maintenance")); got != 1 {
		t.Errorf("fleet_workers{maintenance} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConsensusConflicts); got != 1 {
		t.Errorf("consensus_conflicts = %v, want 1", got)
	}

	m.ForgetWorker("w1")
	if n := testutil.CollectAndCount(m.WorkerLoad); n != 0 {
		t.Errorf("expected worker_load series removed, got %d", n)
	}
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordOrchestration("parallel", "success", time.Millisecond)
	m.RecordWorkerCall("w", "success", time.Millisecond)
	m.SetWorkerLoad("w", 1)
	m.SetBreakerState("w", BreakerClosed, "closed")
	m.ForgetWorker("w")
	m.UpdateFleet(0, 0, 0, 0, 0)
	m.RecordSinkFailure("x")
	m.RecordSinkDropped()
	m.RecordConflict()
	m.RecordHTTPRequest("GET", "/", "2xx", time.Millisecond)
	m.RecordHTTPRejected()
}

func TestGetMetrics_Singleton(t *testing.T) {
	if GetMetrics() != GetMetrics() {
		t.Error("GetMetrics() should return the same instance")
	}
}

func TestFastHTTPMiddleware_RecordsStatusClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	h := FastHTTPMiddleware(m, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/missing" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})
	for _, path := range []string{"/v1/health", "/v1/health", "/missing"} {
		var ctx fasthttp.RequestCtx
		ctx.Request.Header.SetMethod("GET")
		ctx.Request.SetRequestURI(path)
		h(&ctx)
	}

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/health", "2xx")); got != 2 {
		t.Errorf("http_requests_total{2xx} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/missing", "4xx")); got != 1 {
		t.Errorf("http_requests_total{4xx} = %v, want 1", got)
	}
}

func TestFastHTTPHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordConflict()

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/metrics")
	FastHTTPHandler(reg)(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "orchestrator_consensus_conflicts_total 1") {
		t.Errorf("metrics body missing conflict counter:\n%s", ctx.Response.Body())
	}
}
