package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EngineSource resolves a Policy to its engine and enumerates every engine
// currently known. *Registry is the in-memory implementation; a
// redisengine.Registry adapts the shared-store backend to the same shape so
// the admission pipeline and admin surface can run against either without
// knowing which one they were handed.
type EngineSource interface {
	Engine(policy Policy) (Engine, error)
	Engines() []Engine
}

// Registry memoizes in-memory Engine instances by (kind, capacity, rate,
// window_ms, sub_windows) so that two policies with identical parameters
// share one engine instance (§4.8). It is write-once per parameter set and
// otherwise read-only (§5).
type Registry struct {
	clock Clock
	log   *zap.Logger

	mu      sync.RWMutex
	engines map[registryKey]Engine

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// NewRegistry constructs a Registry backed by clock.
func NewRegistry(clock Clock, log *zap.Logger) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		clock:   clock,
		log:     log,
		engines: make(map[registryKey]Engine),
	}
}

// Engine returns the memoized engine for policy's parameters, constructing
// one on first use. Returns a configuration error if policy is invalid.
func (r *Registry) Engine(policy Policy) (Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	key := policy.registryKey()

	r.mu.RLock()
	if e, ok := r.engines[key]; ok {
		r.mu.RUnlock()
		return e, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[key]; ok {
		return e, nil
	}
	e := r.build(policy.Kind)
	r.engines[key] = e
	return e, nil
}

func (r *Registry) build(kind Kind) Engine {
	switch kind {
	case KindTokenBucket:
		return NewMemoryTokenBucket(r.clock, r.log)
	case KindLeakyBucket:
		return NewMemoryLeakyBucket(r.clock, r.log)
	case KindFixedWindow:
		return NewMemoryFixedWindow(r.clock, r.log)
	case KindSlidingLog:
		return NewMemorySlidingLog(r.clock, r.log)
	case KindSlidingCounter:
		return NewMemorySlidingCounter(r.clock, r.log)
	default:
		// Unreachable: policy.Validate() already rejected unknown kinds.
		panic("ratelimit: unreachable engine kind " + string(kind))
	}
}

// Engines returns a snapshot of every currently memoized engine, used by the
// admin surface to fan a reset/stats call out across every live engine.
func (r *Registry) Engines() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

// StartJanitor launches a background sweep that calls CleanupInactive on
// every memoized engine every interval, using thresholdMillis as the
// inactivity cutoff. The sweep is advisory per §5/§9; StopJanitor ends it.
func (r *Registry) StartJanitor(interval time.Duration, thresholdMillis int64) {
	r.janitorOnce.Do(func() {
		r.janitorStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-r.janitorStop:
					return
				case <-ticker.C:
					for _, e := range r.Engines() {
						e.CleanupInactive(thresholdMillis)
					}
				}
			}
		}()
	})
}

// StopJanitor stops a previously started janitor goroutine. Safe to call
// even if StartJanitor was never called.
func (r *Registry) StopJanitor() {
	if r.janitorStop != nil {
		select {
		case <-r.janitorStop:
			// already closed
		default:
			close(r.janitorStop)
		}
	}
}

// DefaultInactivityThreshold returns the §9 default sweep threshold for a
// window-bearing policy: 10x window_ms, capped at 1 hour. Policies without a
// window (token/leaky bucket) get a flat 1 hour default.
func DefaultInactivityThreshold(policy Policy) time.Duration {
	const oneHour = time.Hour
	if policy.WindowMillis <= 0 {
		return oneHour
	}
	candidate := 10 * time.Duration(policy.WindowMillis) * time.Millisecond
	if candidate > oneHour {
		return oneHour
	}
	return candidate
}
