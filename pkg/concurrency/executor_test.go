package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewExecutor_Defaults(t *testing.T) {
	e := NewExecutor(context.Background(), ExecutorConfig{})
	defer e.Shutdown(context.Background())

	stats := e.Stats()
	if stats.Workers != 1 || stats.QueueCapacity != 100 {
		t.Errorf("Stats() = %+v, want 1 worker and capacity 100", stats)
	}
}

func TestExecutor_Submit(t *testing.T) {
	e := NewExecutor(context.Background(), ExecutorConfig{Workers: 2, QueueSize: 10})

	if err := e.Submit(nil); err == nil {
		t.Error("Submit(nil) should fail")
	}

	var ran int32
	for i := 0; i < 5; i++ {
		err := e.Submit(NewNamedTask("count", func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}))
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Errorf("ran %d tasks, want 5", got)
	}
	if got := e.Stats().CompletedTasks; got != 5 {
		t.Errorf("CompletedTasks = %d, want 5", got)
	}
}

func TestExecutor_Backpressure(t *testing.T) {
	e := NewExecutor(context.Background(), ExecutorConfig{Workers: 1, QueueSize: 1})
	defer e.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	e.Submit(TaskFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	if err := e.Submit(TaskFunc(func(context.Context) error { return nil })); err != nil {
		t.Fatalf("queue should have one free slot: %v", err)
	}
	if err := e.Submit(TaskFunc(func(context.Context) error { return nil })); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
	if err := e.SubmitWithTimeout(TaskFunc(func(context.Context) error { return nil }), 5*time.Millisecond); !errors.Is(err, ErrQueueFull) {
		t.Errorf("SubmitWithTimeout() error = %v, want ErrQueueFull", err)
	}
	if got := e.Stats().RejectedTasks; got != 2 {
		t.Errorf("RejectedTasks = %d, want 2", got)
	}
	close(release)
}

func TestExecutor_FailuresAndPanicsAreCounted(t *testing.T) {
	e := NewExecutor(context.Background(), ExecutorConfig{Workers: 1, QueueSize: 4})

	e.Submit(TaskFunc(func(context.Context) error { return errors.New("nope") }))
	e.Submit(TaskFunc(func(context.Context) error { panic("kaboom") }))
	e.Submit(TaskFunc(func(context.Context) error { return nil }))

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	stats := e.Stats()
	if stats.FailedTasks != 2 || stats.CompletedTasks != 1 {
		t.Errorf("Stats() = %+v, want 2 failed and 1 completed", stats)
	}
}

func TestExecutor_ShutdownTimeoutCancelsTasks(t *testing.T) {
	e := NewExecutor(context.Background(), ExecutorConfig{Workers: 1, QueueSize: 2})

	cancelled := make(chan struct{})
	e.Submit(TaskFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Shutdown(ctx); err == nil {
		t.Error("Shutdown() should report a timeout")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled after shutdown timeout")
	}

	if err := e.Submit(TaskFunc(func(context.Context) error { return nil })); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after shutdown error = %v, want ErrClosed", err)
	}
}
