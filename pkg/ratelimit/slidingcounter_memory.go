package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// slidingCounterState is the per-key state for the sliding window counter
// engine (§3), sub-bucket form. Keys are sub-window start times; the span of
// retained keys is bounded to <= 2*window_ms by eviction in every call.
type slidingCounterState struct {
	buckets map[int64]int64
}

// MemorySlidingCounter is the in-memory sliding window counter engine
// (§4.6), sub-bucket formulation.
type MemorySlidingCounter struct {
	clock  Clock
	states *shardedKeyMap[slidingCounterState]
	log    *zap.Logger
}

// NewMemorySlidingCounter constructs an in-memory sliding window counter
// engine.
func NewMemorySlidingCounter(clock Clock, log *zap.Logger) *MemorySlidingCounter {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemorySlidingCounter{
		clock:  clock,
		states: newShardedKeyMap[slidingCounterState](defaultShardCount),
		log:    log,
	}
}

// AlgorithmTag implements Engine.
func (e *MemorySlidingCounter) AlgorithmTag() string { return "sliding-window-counter" }

func subWindowSize(policy Policy) int64 {
	w := policy.WindowMillis / policy.SubWindows
	if w < 1 {
		w = 1
	}
	return w
}

func subWindowStart(now, subWindow int64) int64 {
	return (now / subWindow) * subWindow
}

// weightedCount computes floor-admissible weighted sum per §4.6's
// sub-bucket form: for each retained key, contribution = count * overlap/w,
// where overlap is the part of [k, k+w) at or after now-window_ms. The
// sub-window containing now therefore counts in full.
func weightedCount(buckets map[int64]int64, now, windowMs, subWindow int64) float64 {
	windowStart := now - windowMs
	total := 0.0
	for k, count := range buckets {
		overlapStart := k
		if windowStart > overlapStart {
			overlapStart = windowStart
		}
		overlapEnd := k + subWindow
		overlap := overlapEnd - overlapStart
		if overlap < 0 {
			overlap = 0
		}
		total += float64(count) * float64(overlap) / float64(subWindow)
	}
	return total
}

// hasNegativeBucket reports whether any retained sub-window count has gone
// negative, the invariant violation this engine can detect (§7 kind 3).
func hasNegativeBucket(buckets map[int64]int64) bool {
	for _, count := range buckets {
		if count < 0 {
			return true
		}
	}
	return false
}

func evictOldBuckets(buckets map[int64]int64, windowStart int64) map[int64]int64 {
	out := make(map[int64]int64, len(buckets))
	for k, v := range buckets {
		if k >= windowStart {
			out[k] = v
		}
	}
	return out
}

func slidingCounterResetAt(buckets map[int64]int64, now, windowMs int64) int64 {
	if len(buckets) == 0 {
		return now + windowMs
	}
	var min int64
	first := true
	for k := range buckets {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min + windowMs
}

// Admit implements Engine.
func (e *MemorySlidingCounter) Admit(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	subWindow := subWindowSize(policy)
	var decision Decision
	e.states.WithLocked(key, func(existing *slidingCounterState, set func(*slidingCounterState)) {
		if existing != nil && hasNegativeBucket(existing.buckets) {
			e.log.Warn("resetting corrupted sliding counter state",
				zap.String("key", key),
				zap.Error(fmt.Errorf("%w: negative sub-window count", ErrStateCorruption)))
			st := slidingCounterState{buckets: make(map[int64]int64)}
			decision = NewDenyDecision(now+1000, now, e.AlgorithmTag())
			set(&st)
			return
		}
		var st slidingCounterState
		if existing != nil {
			st.buckets = evictOldBuckets(existing.buckets, now-policy.WindowMillis)
		} else {
			st.buckets = make(map[int64]int64)
		}
		total := weightedCount(st.buckets, now, policy.WindowMillis, subWindow)
		resetAt := slidingCounterResetAt(st.buckets, now, policy.WindowMillis)
		if int64(total) < policy.Capacity {
			bucketKey := subWindowStart(now, subWindow)
			st.buckets[bucketKey]++
			remaining := policy.Capacity - int64(total) - 1
			if remaining < 0 {
				remaining = 0
			}
			decision = allow(remaining, resetAt, e.AlgorithmTag())
		} else {
			decision = deny(resetAt, now, e.AlgorithmTag())
		}
		set(&st)
	})
	return decision, nil
}

// Peek implements Engine.
func (e *MemorySlidingCounter) Peek(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	subWindow := subWindowSize(policy)
	existing, ok := e.states.Get(key)
	if !ok {
		return allow(policy.Capacity, now+policy.WindowMillis, e.AlgorithmTag()), nil
	}
	buckets := evictOldBuckets(existing.buckets, now-policy.WindowMillis)
	total := weightedCount(buckets, now, policy.WindowMillis, subWindow)
	resetAt := slidingCounterResetAt(buckets, now, policy.WindowMillis)
	if int64(total) < policy.Capacity {
		remaining := policy.Capacity - int64(total)
		return allow(remaining, resetAt, e.AlgorithmTag()), nil
	}
	return deny(resetAt, now, e.AlgorithmTag()), nil
}

// Reset implements Engine.
func (e *MemorySlidingCounter) Reset(_ context.Context, key string) error {
	e.states.Delete(key)
	return nil
}

// Stats implements Engine.
func (e *MemorySlidingCounter) Stats(_ context.Context, key string) (map[string]any, error) {
	existing, ok := e.states.Get(key)
	if !ok {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no counter found"}, nil
	}
	return map[string]any{
		"algorithm":      e.AlgorithmTag(),
		"activeBuckets":  len(existing.buckets),
	}, nil
}

// CleanupInactive implements Engine.
func (e *MemorySlidingCounter) CleanupInactive(thresholdMillis int64) int {
	now := e.clock.NowMillis()
	n := e.states.CleanupInactive(func(st *slidingCounterState) bool {
		if len(st.buckets) == 0 {
			return true
		}
		var newest int64
		first := true
		for k := range st.buckets {
			if first || k > newest {
				newest = k
				first = false
			}
		}
		return now-newest > thresholdMillis
	})
	if n > 0 {
		e.log.Debug("cleaned up inactive sliding counters")
	}
	return n
}
