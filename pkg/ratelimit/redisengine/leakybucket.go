package redisengine

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// LeakyBucket is the shared-store leaky bucket engine (§4.7). State is a
// Redis sorted set of arrival ids keyed by arrival time, plus a companion
// hash holding last_leak, both expiring after 1 hour of inactivity.
type LeakyBucket struct {
	backend *Backend
}

// NewLeakyBucket constructs a shared-store leaky bucket engine.
func NewLeakyBucket(ctx context.Context, backend *Backend) (*LeakyBucket, error) {
	if err := backend.registerScript(ctx, "leaky_bucket", leakyBucketScript); err != nil {
		return nil, err
	}
	return &LeakyBucket{backend: backend}, nil
}

// AlgorithmTag implements ratelimit.Engine.
func (e *LeakyBucket) AlgorithmTag() string { return "redis-leaky-bucket" }

// Admit implements ratelimit.Engine.
func (e *LeakyBucket) Admit(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	if e.backend.breakerOpen() {
		return e.backend.degrade(policy, e.AlgorithmTag(), nil), nil
	}
	now := e.backend.clock.NowMillis()
	zkey := e.backend.key("leaky_bucket", key)
	meta := e.backend.key("leaky_bucket", key, "meta")

	result, err := e.backend.evalScript(ctx, "leaky_bucket", []string{zkey, meta}, policy.Capacity, policy.Rate, now, uuid.NewString())
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	e.backend.onTransportSuccess()
	return decodeTripleDecision(result, now, e.AlgorithmTag())
}

// Peek implements ratelimit.Engine as a read-only ZCARD/HGET pair.
func (e *LeakyBucket) Peek(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	now := e.backend.clock.NowMillis()
	zkey := e.backend.key("leaky_bucket", key)
	meta := e.backend.key("leaky_bucket", key, "meta")

	level, err := e.backend.client.ZCard(ctx, zkey).Result()
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	lastLeakStr, err := e.backend.client.HGet(ctx, meta, "last_leak").Result()
	lastLeak := now
	if err == nil {
		if parsed, perr := parseInt64(lastLeakStr); perr == nil {
			lastLeak = parsed
		}
	}
	e.backend.onTransportSuccess()

	delta := now - lastLeak
	if delta < 0 {
		delta = 0
	}
	leaked := (delta / 1000) * int64(policy.Rate)
	if leaked > level {
		leaked = level
	}
	effectiveLevel := level - leaked

	nextDrainMs := int64(math.Ceil(1000 / policy.Rate))
	resetEpochMs := lastLeak + nextDrainMs
	if effectiveLevel < policy.Capacity {
		return ratelimit.NewAllowDecision(policy.Capacity-effectiveLevel, resetEpochMs, e.AlgorithmTag()), nil
	}
	return ratelimit.NewDenyDecision(resetEpochMs, now, e.AlgorithmTag()), nil
}

// Reset implements ratelimit.Engine.
func (e *LeakyBucket) Reset(ctx context.Context, key string) error {
	return e.backend.client.Del(ctx, e.backend.key("leaky_bucket", key), e.backend.key("leaky_bucket", key, "meta")).Err()
}

// Stats implements ratelimit.Engine.
func (e *LeakyBucket) Stats(ctx context.Context, key string) (map[string]any, error) {
	level, err := e.backend.client.ZCard(ctx, e.backend.key("leaky_bucket", key)).Result()
	if err != nil {
		return nil, err
	}
	return map[string]any{"algorithm": e.AlgorithmTag(), "level": level}, nil
}

// CleanupInactive implements ratelimit.Engine as a no-op: Redis TTLs
// already expire inactive buckets.
func (e *LeakyBucket) CleanupInactive(thresholdMillis int64) int { return 0 }
