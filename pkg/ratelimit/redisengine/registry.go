package redisengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// Registry adapts a Backend to ratelimit.EngineSource, memoizing one engine
// per ratelimit.Kind rather than per full parameter set: unlike the
// in-memory engines, a shared-store engine carries no policy state of its
// own at construction time (Capacity/Rate/WindowMillis are passed on every
// Admit/Peek call instead), so two policies of the same Kind can safely
// share one engine regardless of their parameters.
type Registry struct {
	backend *Backend

	mu      sync.RWMutex
	engines map[ratelimit.Kind]ratelimit.Engine
}

// NewRegistry constructs a Registry over backend. Every algorithm's Lua
// script is registered eagerly so a later Engine call cannot fail with a
// transport error that construction itself already had a chance to catch.
func NewRegistry(ctx context.Context, backend *Backend) (*Registry, error) {
	r := &Registry{backend: backend, engines: make(map[ratelimit.Kind]ratelimit.Engine)}
	for _, kind := range []ratelimit.Kind{
		ratelimit.KindTokenBucket,
		ratelimit.KindLeakyBucket,
		ratelimit.KindFixedWindow,
		ratelimit.KindSlidingLog,
		ratelimit.KindSlidingCounter,
	} {
		e, err := r.build(ctx, kind)
		if err != nil {
			return nil, err
		}
		r.engines[kind] = e
	}
	return r, nil
}

func (r *Registry) build(ctx context.Context, kind ratelimit.Kind) (ratelimit.Engine, error) {
	switch kind {
	case ratelimit.KindTokenBucket:
		return NewTokenBucket(ctx, r.backend)
	case ratelimit.KindLeakyBucket:
		return NewLeakyBucket(ctx, r.backend)
	case ratelimit.KindFixedWindow:
		return NewFixedWindow(ctx, r.backend)
	case ratelimit.KindSlidingLog:
		return NewSlidingLog(ctx, r.backend)
	case ratelimit.KindSlidingCounter:
		return NewSlidingCounter(ctx, r.backend)
	default:
		return nil, fmt.Errorf("%w: unknown algorithm kind %q", ratelimit.ErrConfiguration, kind)
	}
}

// Engine implements ratelimit.EngineSource, returning the shared engine for
// policy's Kind after validating policy's parameters.
func (r *Registry) Engine(policy ratelimit.Policy) (ratelimit.Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[policy.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown algorithm kind %q", ratelimit.ErrConfiguration, policy.Kind)
	}
	return e, nil
}

// Engines implements ratelimit.EngineSource, returning all five algorithm
// engines: unlike the in-memory Registry, every Kind is constructed and
// memoized eagerly in NewRegistry, so this is a fixed set of five.
func (r *Registry) Engines() []ratelimit.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ratelimit.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}
