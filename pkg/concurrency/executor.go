// Package concurrency provides the bounded background executor used for
// fire-and-forget work such as forwarding results to sinks.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/orchestrator/pkg/logging"
)

var (
	// ErrQueueFull is returned by Submit when the bounded queue is full.
	ErrQueueFull = errors.New("executor queue is full")
	// ErrClosed is returned when submitting to a shut down executor.
	ErrClosed = errors.New("executor is closed")
)

// ExecutorStats is a point-in-time view of executor activity.
type ExecutorStats struct {
	QueuedTasks      int64
	Workers          int
	CompletedTasks   int64
	FailedTasks      int64
	RejectedTasks    int64
	QueueCapacity    int
	QueueUtilization float64 // percent
}

// Executor runs tasks on a fixed pool of goroutines fed by a bounded queue.
type Executor interface {
	// Submit queues a task without blocking; ErrQueueFull signals backpressure.
	Submit(task Task) error
	// SubmitWithTimeout waits up to timeout for queue space.
	SubmitWithTimeout(task Task, timeout time.Duration) error
	// Shutdown stops intake and waits for queued tasks to finish. When ctx
	// expires first, running tasks are cancelled and the queue is abandoned.
	Shutdown(ctx context.Context) error
	Stats() ExecutorStats
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// Logger receives task failures; nil discards them.
	Logger logging.Logger `yaml:"-"`
}

// DefaultExecutorConfig returns a small pool suited to sink forwarding.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Workers: 4, QueueSize: 256}
}

type defaultExecutor struct {
	tasks     chan Task
	workers   int
	queueSize int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closed    bool
	logger    logging.Logger

	queuedTasks    int64
	completedTasks int64
	failedTasks    int64
	rejectedTasks  int64
}

// NewExecutor starts an executor. Tasks observe a context derived from ctx.
func NewExecutor(ctx context.Context, cfg ExecutorConfig) Executor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &defaultExecutor{
		tasks:     make(chan Task, cfg.QueueSize),
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.worker()
	}
	return e
}

func (e *defaultExecutor) worker() {
	defer e.wg.Done()
	for task := range e.tasks {
		atomic.AddInt64(&e.queuedTasks, -1)
		if e.ctx.Err() != nil {
			// abandoned by a timed out shutdown
			continue
		}
		e.run(task)
	}
}

func (e *defaultExecutor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&e.failedTasks, 1)
			e.logger.Error("task panicked", "task", task.Name(), "panic", fmt.Sprint(r))
		}
	}()
	if err := task.Execute(e.ctx); err != nil {
		atomic.AddInt64(&e.failedTasks, 1)
		e.logger.Warn("task failed", "task", task.Name(), "error", err.Error())
		return
	}
	atomic.AddInt64(&e.completedTasks, 1)
}

func (e *defaultExecutor) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	select {
	case e.tasks <- task:
		atomic.AddInt64(&e.queuedTasks, 1)
		return nil
	default:
		atomic.AddInt64(&e.rejectedTasks, 1)
		return ErrQueueFull
	}
}

func (e *defaultExecutor) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	// the read lock keeps Shutdown from closing the channel under a blocked send
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e.tasks <- task:
		atomic.AddInt64(&e.queuedTasks, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&e.rejectedTasks, 1)
		return fmt.Errorf("submit timeout after %v: %w", timeout, ErrQueueFull)
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

func (e *defaultExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

func (e *defaultExecutor) Stats() ExecutorStats {
	queued := atomic.LoadInt64(&e.queuedTasks)
	util := float64(queued) / float64(e.queueSize) * 100.0
	if util > 100.0 {
		util = 100.0
	}
	return ExecutorStats{
		QueuedTasks:      queued,
		Workers:          e.workers,
		CompletedTasks:   atomic.LoadInt64(&e.completedTasks),
		FailedTasks:      atomic.LoadInt64(&e.failedTasks),
		RejectedTasks:    atomic.LoadInt64(&e.rejectedTasks),
		QueueCapacity:    e.queueSize,
		QueueUtilization: util,
	}
}
