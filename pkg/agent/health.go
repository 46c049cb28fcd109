package agent

import (
	"context"
	"fmt"
)

// CheckHealth runs w.HealthCheck bounded by ctx. HealthCheck itself takes no
// context, so a hung check is abandoned rather than interrupted.
func CheckHealth(ctx context.Context, w Worker) (Health, error) {
	type result struct {
		h   Health
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := w.HealthCheck()
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && !r.h.Status.Valid() {
			return r.h, fmt.Errorf("worker %s reported unknown status %q", w.ID(), r.h.Status)
		}
		return r.h, r.err
	case <-ctx.Done():
		return Health{}, fmt.Errorf("health check for worker %s: %w", w.ID(), ctx.Err())
	}
}
