package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/agent/agenttest"
)

func serveWS(t *testing.T, stub *agenttest.StubWorker) (*WSWorker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(NewWSHandler(stub, nil))
	t.Cleanup(srv.Close)

	w, err := NewWSWorker(stub.ID(), "ws"+strings.TrimPrefix(srv.URL, "http"), stub.Capabilities())
	if err != nil {
		t.Fatalf("NewWSWorker() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, srv
}

func TestWSWorker_ProcessAndHealth(t *testing.T) {
	stub := agenttest.New("pest", "pest_detection")
	stub.Confidence = 0.7
	stub.Status = agent.StatusMaintenance
	w, _ := serveWS(t, stub)

	resp, err := w.Process(context.Background(), agent.AnalysisContext{
		Request: agent.AnalysisRequest{ID: "req-7"},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Confidence.Value != 0.7 || resp.WorkerID != "pest" {
		t.Errorf("Process() = %+v", resp)
	}

	h, err := w.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if h.Status != agent.StatusMaintenance {
		t.Errorf("HealthCheck().Status = %s, want maintenance", h.Status)
	}
}

func TestWSWorker_ConcurrentCallsShareConnection(t *testing.T) {
	stub := agenttest.New("multi", "x")
	stub.Delay = 50 * time.Millisecond
	w, _ := serveWS(t, stub)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Process(context.Background(), agent.AnalysisContext{
				Request: agent.AnalysisRequest{ID: fmt.Sprintf("req-%d", i)},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Process() error = %v", err)
		}
	}
	if got := len(stub.Received()); got != 8 {
		t.Errorf("worker received %d calls, want 8", got)
	}
}

func TestWSWorker_RemoteError(t *testing.T) {
	stub := agenttest.New("bad", "x")
	stub.Err = errors.New("model not loaded")
	w, _ := serveWS(t, stub)

	_, err := w.Process(context.Background(), agent.AnalysisContext{})
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "model not loaded" {
		t.Errorf("Process() error = %v, want RemoteError", err)
	}
}

func TestWSWorker_Cancellation(t *testing.T) {
	stub := agenttest.New("slow", "x")
	stub.Delay = 2 * time.Second
	w, _ := serveWS(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := w.Process(ctx, agent.AnalysisContext{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Process() error = %v, want deadline exceeded", err)
	}
}

func TestWSWorker_ServerGone(t *testing.T) {
	stub := agenttest.New("gone", "x")
	w, srv := serveWS(t, stub)
	srv.Close()

	if _, err := w.Process(context.Background(), agent.AnalysisContext{}); err == nil {
		t.Error("Process() against a closed server should fail")
	}
}

func TestWSWorker_ClosedProxy(t *testing.T) {
	w, _ := serveWS(t, agenttest.New("w", "x"))
	_ = w.Close()
	if _, err := w.HealthCheck(); !errors.Is(err, errSessionClosed) {
		t.Errorf("HealthCheck() after Close error = %v", err)
	}
}
