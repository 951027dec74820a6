package redisengine

import (
	"sync/atomic"
	"time"
)

// circuitState mirrors the classic closed/open/half-open breaker states.
type circuitState int32

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitOptions configures a CircuitBreaker's trip thresholds.
type CircuitOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// CircuitBreaker trips after FailureThreshold consecutive Redis failures
// and holds the backend in FailOpen/FailClosed degrade mode for
// OpenDuration before probing again with a bounded number of half-open
// calls. This is what lets a backend survive a Redis outage without every
// request paying a connection-timeout's worth of latency.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             CircuitOptions
}

// NewCircuitBreaker constructs a breaker, filling in zero-value options
// with sensible defaults.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 1 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	cb := &CircuitBreaker{opts: opts}
	cb.state.Store(int32(circuitClosed))
	return cb
}

// Allow reports whether a call should be attempted.
func (cb *CircuitBreaker) Allow() bool {
	switch circuitState(cb.state.Load()) {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Now().UnixNano() >= cb.openUntil.Load() {
			cb.state.Store(int32(circuitHalfOpen))
			cb.halfOpenInFlight.Store(1)
			return true
		}
		return false
	case circuitHalfOpen:
		inFlight := cb.halfOpenInFlight.Add(1)
		if inFlight <= cb.opts.HalfOpenMaxCalls {
			return true
		}
		cb.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

// OnSuccess records a successful call, closing the breaker if it was
// half-open or resetting the failure count if closed.
func (cb *CircuitBreaker) OnSuccess() {
	switch circuitState(cb.state.Load()) {
	case circuitHalfOpen:
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(0)
		cb.state.Store(int32(circuitClosed))
	case circuitClosed:
		cb.failures.Store(0)
	}
}

// OnFailure records a failed call, tripping the breaker open once the
// failure threshold is reached, or immediately if the failure happened
// during a half-open probe.
func (cb *CircuitBreaker) OnFailure() {
	if circuitState(cb.state.Load()) == circuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.openUntil.Store(time.Now().Add(cb.opts.OpenDuration).UnixNano())
		cb.state.Store(int32(circuitOpen))
		return
	}
	failures := cb.failures.Add(1)
	if failures >= cb.opts.FailureThreshold {
		cb.openUntil.Store(time.Now().Add(cb.opts.OpenDuration).UnixNano())
		cb.state.Store(int32(circuitOpen))
	}
}
