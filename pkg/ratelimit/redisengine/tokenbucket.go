package redisengine

import (
	"context"
	"math"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// TokenBucket is the shared-store token bucket engine (§4.7). State is a
// Redis hash `{tokens, last_refill}` per key, expiring after 1 hour of
// inactivity.
type TokenBucket struct {
	backend *Backend
}

// NewTokenBucket constructs a shared-store token bucket engine, loading
// its Lua script into backend's cache.
func NewTokenBucket(ctx context.Context, backend *Backend) (*TokenBucket, error) {
	if err := backend.registerScript(ctx, "token_bucket", tokenBucketScript); err != nil {
		return nil, err
	}
	return &TokenBucket{backend: backend}, nil
}

// AlgorithmTag implements ratelimit.Engine.
func (e *TokenBucket) AlgorithmTag() string { return "redis-token-bucket" }

// Admit implements ratelimit.Engine.
func (e *TokenBucket) Admit(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	if e.backend.breakerOpen() {
		return e.backend.degrade(policy, e.AlgorithmTag(), nil), nil
	}
	now := e.backend.clock.NowMillis()
	redisKey := e.backend.key("token_bucket", key)

	result, err := e.backend.evalScript(ctx, "token_bucket", []string{redisKey}, policy.Capacity, policy.Rate, now)
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	e.backend.onTransportSuccess()
	return decodeTripleDecision(result, now, e.AlgorithmTag())
}

// Peek implements ratelimit.Engine as a read-only HMGET, computing the
// refill without writing state.
func (e *TokenBucket) Peek(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	now := e.backend.clock.NowMillis()
	redisKey := e.backend.key("token_bucket", key)

	vals, err := e.backend.client.HMGet(ctx, redisKey, "tokens", "last_refill").Result()
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	e.backend.onTransportSuccess()

	tokens, lastRefill := parseHashPair(vals, float64(policy.Capacity), float64(now))
	delta := now - int64(lastRefill)
	if delta < 0 {
		delta = 0
	}
	refill := float64(delta/1000) * policy.Rate
	tokens += refill
	if tokens > float64(policy.Capacity) {
		tokens = float64(policy.Capacity)
	}

	nextTokenMs := int64(math.Ceil(1000 / policy.Rate))
	resetEpochMs := int64(lastRefill) + nextTokenMs
	if tokens >= 1 {
		return ratelimit.NewAllowDecision(int64(tokens), resetEpochMs, e.AlgorithmTag()), nil
	}
	return ratelimit.NewDenyDecision(resetEpochMs, now, e.AlgorithmTag()), nil
}

// Reset implements ratelimit.Engine.
func (e *TokenBucket) Reset(ctx context.Context, key string) error {
	return e.backend.client.Del(ctx, e.backend.key("token_bucket", key)).Err()
}

// Stats implements ratelimit.Engine.
func (e *TokenBucket) Stats(ctx context.Context, key string) (map[string]any, error) {
	vals, err := e.backend.client.HGetAll(ctx, e.backend.key("token_bucket", key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no bucket found"}, nil
	}
	return map[string]any{"algorithm": e.AlgorithmTag(), "tokens": vals["tokens"], "last_refill": vals["last_refill"]}, nil
}

// CleanupInactive implements ratelimit.Engine as a no-op: Redis key TTLs
// already expire inactive buckets, so there is nothing to sweep here.
func (e *TokenBucket) CleanupInactive(thresholdMillis int64) int { return 0 }
