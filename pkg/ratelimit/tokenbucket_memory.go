package ratelimit

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// tokenBucketState is the per-key state for the token bucket engine (§3).
// Invariant: tokens never exceeds capacity; lastRefillMillis is monotone
// non-decreasing.
type tokenBucketState struct {
	tokens           float64
	lastRefillMillis int64
}

// MemoryTokenBucket is the in-memory token bucket engine (§4.2).
type MemoryTokenBucket struct {
	clock  Clock
	states *shardedKeyMap[tokenBucketState]
	log    *zap.Logger
}

// NewMemoryTokenBucket constructs an in-memory token bucket engine.
func NewMemoryTokenBucket(clock Clock, log *zap.Logger) *MemoryTokenBucket {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryTokenBucket{
		clock:  clock,
		states: newShardedKeyMap[tokenBucketState](defaultShardCount),
		log:    log,
	}
}

// AlgorithmTag implements Engine.
func (e *MemoryTokenBucket) AlgorithmTag() string { return "token-bucket" }

func tokenBucketRefill(st tokenBucketState, now int64, policy Policy) tokenBucketState {
	delta := now - st.lastRefillMillis
	if delta < 0 {
		delta = 0
	}
	refill := math.Floor(float64(delta)/1000) * policy.Rate
	if refill > 0 {
		st.tokens = math.Min(float64(policy.Capacity), st.tokens+refill)
		st.lastRefillMillis = now
	}
	return st
}

// tokenBucketNextTokenMillis returns ceil(1000/rate), the millisecond delay
// until at least one more token is expected (§4.2 output formula).
func tokenBucketNextTokenMillis(policy Policy) int64 {
	return int64(math.Ceil(1000 / policy.Rate))
}

// Admit implements Engine.
func (e *MemoryTokenBucket) Admit(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	var decision Decision
	e.states.WithLocked(key, func(existing *tokenBucketState, set func(*tokenBucketState)) {
		var st tokenBucketState
		switch {
		case existing == nil:
			st = tokenBucketState{tokens: float64(policy.Capacity), lastRefillMillis: now}
		case existing.tokens < 0:
			e.log.Warn("resetting corrupted token bucket state",
				zap.String("key", key),
				zap.Error(fmt.Errorf("%w: negative token count %v", ErrStateCorruption, existing.tokens)))
			st = tokenBucketState{tokens: float64(policy.Capacity), lastRefillMillis: now}
			decision = NewDenyDecision(now+1000, now, e.AlgorithmTag())
			set(&st)
			return
		default:
			st = tokenBucketRefill(*existing, now, policy)
		}
		resetAt := st.lastRefillMillis + tokenBucketNextTokenMillis(policy)
		if st.tokens >= 1 {
			st.tokens--
			decision = allow(int64(math.Floor(st.tokens)), resetAt, e.AlgorithmTag())
		} else {
			decision = deny(resetAt, now, e.AlgorithmTag())
		}
		set(&st)
	})
	return decision, nil
}

// Peek implements Engine.
func (e *MemoryTokenBucket) Peek(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	existing, ok := e.states.Get(key)
	if !ok {
		resetAt := now + tokenBucketNextTokenMillis(policy)
		return allow(policy.Capacity, resetAt, e.AlgorithmTag()), nil
	}
	st := tokenBucketRefill(*existing, now, policy)
	resetAt := st.lastRefillMillis + tokenBucketNextTokenMillis(policy)
	if st.tokens >= 1 {
		return allow(int64(math.Floor(st.tokens)), resetAt, e.AlgorithmTag()), nil
	}
	return deny(resetAt, now, e.AlgorithmTag()), nil
}

// Reset implements Engine.
func (e *MemoryTokenBucket) Reset(_ context.Context, key string) error {
	e.states.Delete(key)
	return nil
}

// Stats implements Engine.
func (e *MemoryTokenBucket) Stats(_ context.Context, key string) (map[string]any, error) {
	existing, ok := e.states.Get(key)
	if !ok {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no bucket found"}, nil
	}
	return map[string]any{
		"algorithm":        e.AlgorithmTag(),
		"currentTokens":    existing.tokens,
		"lastRefillMillis": existing.lastRefillMillis,
	}, nil
}

// CleanupInactive implements Engine.
func (e *MemoryTokenBucket) CleanupInactive(thresholdMillis int64) int {
	now := e.clock.NowMillis()
	n := e.states.CleanupInactive(func(st *tokenBucketState) bool {
		return now-st.lastRefillMillis > thresholdMillis
	})
	if n > 0 {
		e.log.Debug("cleaned up inactive token buckets", zap.Int("removed", n))
	}
	return n
}
