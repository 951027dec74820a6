package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// fixedWindowState is the per-key state for the fixed window engine (§3).
// Invariant: windowStartMillis is always aligned to windowMs boundaries.
type fixedWindowState struct {
	count            int64
	windowStartMillis int64
}

// MemoryFixedWindow is the in-memory fixed window engine (§4.4).
type MemoryFixedWindow struct {
	clock  Clock
	states *shardedKeyMap[fixedWindowState]
	log    *zap.Logger
}

// NewMemoryFixedWindow constructs an in-memory fixed window engine.
func NewMemoryFixedWindow(clock Clock, log *zap.Logger) *MemoryFixedWindow {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryFixedWindow{
		clock:  clock,
		states: newShardedKeyMap[fixedWindowState](defaultShardCount),
		log:    log,
	}
}

// AlgorithmTag implements Engine.
func (e *MemoryFixedWindow) AlgorithmTag() string { return "fixed-window" }

func fixedWindowStart(now, windowMs int64) int64 {
	return (now / windowMs) * windowMs
}

// Admit implements Engine.
func (e *MemoryFixedWindow) Admit(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	start := fixedWindowStart(now, policy.WindowMillis)
	var decision Decision
	e.states.WithLocked(key, func(existing *fixedWindowState, set func(*fixedWindowState)) {
		if existing != nil && existing.count < 0 {
			e.log.Warn("resetting corrupted fixed window state",
				zap.String("key", key),
				zap.Error(fmt.Errorf("%w: negative count %d", ErrStateCorruption, existing.count)))
			st := fixedWindowState{count: 0, windowStartMillis: start}
			decision = NewDenyDecision(now+1000, now, e.AlgorithmTag())
			set(&st)
			return
		}
		st := fixedWindowState{count: 0, windowStartMillis: start}
		if existing != nil && existing.windowStartMillis == start {
			st = *existing
		}
		resetAt := st.windowStartMillis + policy.WindowMillis
		if st.count < policy.Capacity {
			st.count++
			decision = allow(policy.Capacity-st.count, resetAt, e.AlgorithmTag())
		} else {
			decision = deny(resetAt, now, e.AlgorithmTag())
		}
		set(&st)
	})
	return decision, nil
}

// Peek implements Engine.
func (e *MemoryFixedWindow) Peek(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	start := fixedWindowStart(now, policy.WindowMillis)
	existing, ok := e.states.Get(key)
	if !ok || existing.windowStartMillis != start {
		resetAt := start + policy.WindowMillis
		return allow(policy.Capacity, resetAt, e.AlgorithmTag()), nil
	}
	resetAt := existing.windowStartMillis + policy.WindowMillis
	if existing.count < policy.Capacity {
		return allow(policy.Capacity-existing.count, resetAt, e.AlgorithmTag()), nil
	}
	return deny(resetAt, now, e.AlgorithmTag()), nil
}

// Reset implements Engine.
func (e *MemoryFixedWindow) Reset(_ context.Context, key string) error {
	e.states.Delete(key)
	return nil
}

// Stats implements Engine.
func (e *MemoryFixedWindow) Stats(_ context.Context, key string) (map[string]any, error) {
	existing, ok := e.states.Get(key)
	if !ok {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no window found"}, nil
	}
	return map[string]any{
		"algorithm":         e.AlgorithmTag(),
		"count":             existing.count,
		"windowStartMillis": existing.windowStartMillis,
	}, nil
}

// CleanupInactive implements Engine.
func (e *MemoryFixedWindow) CleanupInactive(thresholdMillis int64) int {
	now := e.clock.NowMillis()
	n := e.states.CleanupInactive(func(st *fixedWindowState) bool {
		return now-st.windowStartMillis > thresholdMillis
	})
	if n > 0 {
		e.log.Debug("cleaned up inactive fixed windows")
	}
	return n
}
