package ratelimit

import (
	"context"

	"go.uber.org/zap"
)

// slidingLogState is the per-key state for the sliding log engine (§3).
// timestamps is kept in insertion order; equal timestamps are permitted and
// multiplicity is preserved, matching §4.5's ordering/tie-break rule.
type slidingLogState struct {
	timestamps []int64
}

// MemorySlidingLog is the in-memory sliding window log engine (§4.5).
type MemorySlidingLog struct {
	clock  Clock
	states *shardedKeyMap[slidingLogState]
	log    *zap.Logger
}

// NewMemorySlidingLog constructs an in-memory sliding window log engine.
func NewMemorySlidingLog(clock Clock, log *zap.Logger) *MemorySlidingLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemorySlidingLog{
		clock:  clock,
		states: newShardedKeyMap[slidingLogState](defaultShardCount),
		log:    log,
	}
}

// AlgorithmTag implements Engine.
func (e *MemorySlidingLog) AlgorithmTag() string { return "sliding-window-log" }

// evictExpired removes timestamps strictly older than windowStart, using
// strict < so a request exactly window_ms old still counts (§4.5).
func evictExpired(timestamps []int64, windowStart int64) []int64 {
	i := 0
	for i < len(timestamps) && timestamps[i] < windowStart {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append([]int64(nil), timestamps[i:]...)
}

func slidingLogResetAt(timestamps []int64, now, windowMs int64) int64 {
	if len(timestamps) == 0 {
		return now + windowMs
	}
	min := timestamps[0]
	for _, t := range timestamps[1:] {
		if t < min {
			min = t
		}
	}
	return min + windowMs
}

// Admit implements Engine.
func (e *MemorySlidingLog) Admit(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	windowStart := now - policy.WindowMillis
	var decision Decision
	e.states.WithLocked(key, func(existing *slidingLogState, set func(*slidingLogState)) {
		var st slidingLogState
		if existing != nil {
			st = slidingLogState{timestamps: evictExpired(existing.timestamps, windowStart)}
		}
		if int64(len(st.timestamps)) < policy.Capacity {
			st.timestamps = append(st.timestamps, now)
			resetAt := slidingLogResetAt(st.timestamps, now, policy.WindowMillis)
			decision = allow(policy.Capacity-int64(len(st.timestamps)), resetAt, e.AlgorithmTag())
		} else {
			resetAt := slidingLogResetAt(st.timestamps, now, policy.WindowMillis)
			decision = deny(resetAt, now, e.AlgorithmTag())
		}
		set(&st)
	})
	return decision, nil
}

// Peek implements Engine.
func (e *MemorySlidingLog) Peek(_ context.Context, key string, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	now := e.clock.NowMillis()
	windowStart := now - policy.WindowMillis
	existing, ok := e.states.Get(key)
	if !ok {
		return allow(policy.Capacity, now+policy.WindowMillis, e.AlgorithmTag()), nil
	}
	timestamps := evictExpired(existing.timestamps, windowStart)
	resetAt := slidingLogResetAt(timestamps, now, policy.WindowMillis)
	if int64(len(timestamps)) < policy.Capacity {
		return allow(policy.Capacity-int64(len(timestamps)), resetAt, e.AlgorithmTag()), nil
	}
	return deny(resetAt, now, e.AlgorithmTag()), nil
}

// Reset implements Engine.
func (e *MemorySlidingLog) Reset(_ context.Context, key string) error {
	e.states.Delete(key)
	return nil
}

// Stats implements Engine.
func (e *MemorySlidingLog) Stats(_ context.Context, key string) (map[string]any, error) {
	existing, ok := e.states.Get(key)
	if !ok {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no log found"}, nil
	}
	return map[string]any{
		"algorithm": e.AlgorithmTag(),
		"count":     len(existing.timestamps),
	}, nil
}

// CleanupInactive implements Engine.
func (e *MemorySlidingLog) CleanupInactive(thresholdMillis int64) int {
	now := e.clock.NowMillis()
	n := e.states.CleanupInactive(func(st *slidingLogState) bool {
		if len(st.timestamps) == 0 {
			return true
		}
		last := st.timestamps[len(st.timestamps)-1]
		return now-last > thresholdMillis
	})
	if n > 0 {
		e.log.Debug("cleaned up inactive sliding logs")
	}
	return n
}
