package redisengine

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// SlidingLog is the shared-store sliding window log engine (§4.7). State
// is a sorted set of (request_id, now), expiring after 2*window_ms+60s.
type SlidingLog struct {
	backend *Backend
}

// NewSlidingLog constructs a shared-store sliding window log engine.
func NewSlidingLog(ctx context.Context, backend *Backend) (*SlidingLog, error) {
	if err := backend.registerScript(ctx, "sliding_log", slidingLogScript); err != nil {
		return nil, err
	}
	return &SlidingLog{backend: backend}, nil
}

// AlgorithmTag implements ratelimit.Engine.
func (e *SlidingLog) AlgorithmTag() string { return "redis-sliding-window-log" }

// Admit implements ratelimit.Engine.
func (e *SlidingLog) Admit(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	if e.backend.breakerOpen() {
		return e.backend.degrade(policy, e.AlgorithmTag(), nil), nil
	}
	now := e.backend.clock.NowMillis()
	zkey := e.backend.key("sliding_window_log", key)

	result, err := e.backend.evalScript(ctx, "sliding_log", []string{zkey}, policy.Capacity, policy.WindowMillis, now, uuid.NewString())
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	e.backend.onTransportSuccess()
	return decodeTripleDecision(result, now, e.AlgorithmTag())
}

// Peek implements ratelimit.Engine as a read-only ZRANGEBYSCORE count.
func (e *SlidingLog) Peek(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	now := e.backend.clock.NowMillis()
	zkey := e.backend.key("sliding_window_log", key)
	windowStart := now - policy.WindowMillis

	count, err := e.backend.client.ZCount(ctx, zkey, strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	oldest, err := e.backend.client.ZRangeWithScores(ctx, zkey, 0, 0).Result()
	e.backend.onTransportSuccess()

	resetEpochMs := now + policy.WindowMillis
	if err == nil && len(oldest) > 0 {
		resetEpochMs = int64(oldest[0].Score) + policy.WindowMillis
	}
	if count < policy.Capacity {
		return ratelimit.NewAllowDecision(policy.Capacity-count, resetEpochMs, e.AlgorithmTag()), nil
	}
	return ratelimit.NewDenyDecision(resetEpochMs, now, e.AlgorithmTag()), nil
}

// Reset implements ratelimit.Engine.
func (e *SlidingLog) Reset(ctx context.Context, key string) error {
	return e.backend.client.Del(ctx, e.backend.key("sliding_window_log", key)).Err()
}

// Stats implements ratelimit.Engine.
func (e *SlidingLog) Stats(ctx context.Context, key string) (map[string]any, error) {
	count, err := e.backend.client.ZCard(ctx, e.backend.key("sliding_window_log", key)).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{"algorithm": e.AlgorithmTag(), "count": count}, nil
}

// CleanupInactive implements ratelimit.Engine as a no-op: Redis TTLs
// already expire inactive logs.
func (e *SlidingLog) CleanupInactive(thresholdMillis int64) int { return 0 }
