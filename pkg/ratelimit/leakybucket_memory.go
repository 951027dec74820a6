package ratelimit

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// leakyBucketState is the per-key state for the leaky bucket engine (§3).
// Invariant: level never exceeds capacity; lastLeakMillis is monotone
// non-decreasing. Modeled as a level counter (§4.3's queue/counter
// equivalence note): this is indistinguishable from a bounded FIFO of
// arrival timestamps for the purposes of admit/peek outputs.
type leakyBucketState struct {
	level          float64
	lastLeakMillis int64
}

// MemoryLeakyBucket is the in-memory leaky bucket engine (§4.3).
type MemoryLeakyBucket struct {
	clock  Clock
	states *shardedKeyMap[leakyBucketState]
	log    *zap.Logger
}

// NewMemoryLeakyBucket constructs an in-memory leaky bucket engine.
func NewMemoryLeakyBucket(clock Clock, log *zap.Logger) *MemoryLeakyBucket {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryLeakyBucket{
		clock:  clock,
		states: newShardedKeyMap[leakyBucketState](defaultShardCount),
		log:    log,
	}
}

// AlgorithmTag implements Engine.
func (e *MemoryLeakyBucket) AlgorithmTag() string { return "leaky-bucket" }

func leakyBucketDrain(st leakyBucketState, now int64, policy Policy) leakyBucketState {
	delta := now - st.lastLeakMillis
	if delta < 0 {
		delta = 0
	}
	leaked := math.Floor(float64(delta)/1000) * policy.Rate
	if leaked > 0 {
		st.level = math.Max(0, st.level-leaked)
		st.lastLeakMillis = now
	}
	return st
}

func leakyBucketNextDrainMillis(policy Policy) int64 {
	return int64(math.Ceil(1000 / policy.Rate))
}

// Admit implements Engine.
func (e *MemoryLeakyBucket) Admit(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	var decision Decision
	e.states.WithLocked(key, func(existing *leakyBucketState, set func(*leakyBucketState)) {
		var st leakyBucketState
		switch {
		case existing == nil:
			st = leakyBucketState{level: 0, lastLeakMillis: now}
		case existing.level < 0:
			e.log.Warn("resetting corrupted leaky bucket state",
				zap.String("key", key),
				zap.Error(fmt.Errorf("%w: negative level %v", ErrStateCorruption, existing.level)))
			st = leakyBucketState{level: 0, lastLeakMillis: now}
			decision = NewDenyDecision(now+1000, now, e.AlgorithmTag())
			set(&st)
			return
		default:
			st = leakyBucketDrain(*existing, now, policy)
		}
		resetAt := st.lastLeakMillis + leakyBucketNextDrainMillis(policy)
		if st.level < float64(policy.Capacity) {
			st.level++
			decision = allow(int64(math.Floor(float64(policy.Capacity)-st.level)), resetAt, e.AlgorithmTag())
		} else {
			decision = deny(resetAt, now, e.AlgorithmTag())
		}
		set(&st)
	})
	return decision, nil
}

// Peek implements Engine.
func (e *MemoryLeakyBucket) Peek(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	existing, ok := e.states.Get(key)
	if !ok {
		resetAt := now + leakyBucketNextDrainMillis(policy)
		return allow(policy.Capacity, resetAt, e.AlgorithmTag()), nil
	}
	st := leakyBucketDrain(*existing, now, policy)
	resetAt := st.lastLeakMillis + leakyBucketNextDrainMillis(policy)
	if st.level < float64(policy.Capacity) {
		return allow(int64(math.Floor(float64(policy.Capacity)-st.level)), resetAt, e.AlgorithmTag()), nil
	}
	return deny(resetAt, now, e.AlgorithmTag()), nil
}

// Reset implements Engine.
func (e *MemoryLeakyBucket) Reset(_ context.Context, key string) error {
	e.states.Delete(key)
	return nil
}

// Stats implements Engine.
func (e *MemoryLeakyBucket) Stats(_ context.Context, key string) (map[string]any, error) {
	existing, ok := e.states.Get(key)
	if !ok {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no bucket found"}, nil
	}
	return map[string]any{
		"algorithm":      e.AlgorithmTag(),
		"currentLevel":   existing.level,
		"lastLeakMillis": existing.lastLeakMillis,
	}, nil
}

// CleanupInactive implements Engine.
func (e *MemoryLeakyBucket) CleanupInactive(thresholdMillis int64) int {
	now := e.clock.NowMillis()
	n := e.states.CleanupInactive(func(st *leakyBucketState) bool {
		return now-st.lastLeakMillis > thresholdMillis
	})
	if n > 0 {
		e.log.Debug("cleaned up inactive leaky buckets")
	}
	return n
}
