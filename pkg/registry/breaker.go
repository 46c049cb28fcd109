package registry

import "time"

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// breaker is the per-worker Closed/Open/HalfOpen state machine. It has no lock
// of its own; the owning entry's mutex guards it together with the load gauge.
type breaker struct {
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	// probing is set while the single half-open probe is in flight.
	probing bool
}

func newBreaker(threshold int, cooldown time.Duration) breaker {
	return breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// admits reports whether a request could currently pass, without changing state.
func (b *breaker) admits(now time.Time) bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return now.Sub(b.lastFailure) >= b.cooldown
	default:
		return !b.probing
	}
}

// acquire admits a request. An open breaker whose cooldown elapsed moves to
// half-open and the caller becomes the probe; only one probe runs at a time.
func (b *breaker) acquire(now time.Time) (ok, probe, changed bool) {
	switch b.state {
	case StateClosed:
		return true, false, false
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cooldown {
			return false, false, false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, true, true
	default:
		if b.probing {
			return false, false, false
		}
		b.probing = true
		return true, true, false
	}
}

// success records a successful call. While half-open only the probe's
// outcome moves the breaker; calls admitted before it opened are ignored.
func (b *breaker) success(probe bool) (changed bool) {
	switch b.state {
	case StateHalfOpen:
		if !probe {
			return false
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return true
	case StateClosed:
		b.failures = 0
	}
	return false
}

func (b *breaker) failure(now time.Time, probe bool) (changed bool) {
	if b.state == StateHalfOpen && !probe {
		return false
	}
	b.failures++
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			return true
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.probing = false
		return true
	}
	return false
}

// release frees an in-flight probe that finished without an outcome.
func (b *breaker) release(probe bool) {
	if probe {
		b.probing = false
	}
}
