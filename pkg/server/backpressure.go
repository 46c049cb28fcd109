package server

import "sync/atomic"

// backpressure caps the number of orchestrations in flight. Requests over the
// cap are rejected with 503 instead of queueing behind slow workers.
type backpressure struct {
	capacity int64
	current  int64
	rejected int64
}

func newBackpressure(capacity int) *backpressure {
	return &backpressure{capacity: int64(capacity)}
}

// tryAcquire reserves a slot. A nil controller or non-positive capacity never
// rejects.
func (b *backpressure) tryAcquire() bool {
	if b == nil || b.capacity <= 0 {
		return true
	}
	if atomic.AddInt64(&b.current, 1) > b.capacity {
		atomic.AddInt64(&b.current, -1)
		atomic.AddInt64(&b.rejected, 1)
		return false
	}
	return true
}

func (b *backpressure) release() {
	if b == nil || b.capacity <= 0 {
		return
	}
	atomic.AddInt64(&b.current, -1)
}

func (b *backpressure) inFlight() int64 {
	if b == nil {
		return 0
	}
	return atomic.LoadInt64(&b.current)
}
