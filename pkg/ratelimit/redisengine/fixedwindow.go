package redisengine

import (
	"context"
	"strconv"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// FixedWindow is the shared-store fixed window engine (§4.7). State is a
// counter keyed by the window id, expiring after window_ms, plus a
// companion meta hash recording the current window_start so Reset/Stats
// (which receive no Policy, per the Engine contract) can locate it.
type FixedWindow struct {
	backend *Backend
}

// NewFixedWindow constructs a shared-store fixed window engine.
func NewFixedWindow(ctx context.Context, backend *Backend) (*FixedWindow, error) {
	if err := backend.registerScript(ctx, "fixed_window", fixedWindowScript); err != nil {
		return nil, err
	}
	return &FixedWindow{backend: backend}, nil
}

// AlgorithmTag implements ratelimit.Engine.
func (e *FixedWindow) AlgorithmTag() string { return "redis-fixed-window" }

// Admit implements ratelimit.Engine.
func (e *FixedWindow) Admit(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	if e.backend.breakerOpen() {
		return e.backend.degrade(policy, e.AlgorithmTag(), nil), nil
	}
	now := e.backend.clock.NowMillis()
	base := e.backend.key("fixed_window", key)
	meta := e.backend.key("fixed_window", key, "meta")

	result, err := e.backend.evalScript(ctx, "fixed_window", []string{base, meta}, policy.Capacity, policy.WindowMillis, now)
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	e.backend.onTransportSuccess()
	return decodeTripleDecision(result, now, e.AlgorithmTag())
}

// Peek implements ratelimit.Engine as a read-only GET of the current
// window's counter; window_ms is known here because Peek does receive a
// Policy.
func (e *FixedWindow) Peek(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	now := e.backend.clock.NowMillis()
	windowStart := (now / policy.WindowMillis) * policy.WindowMillis
	windowKey := e.backend.key("fixed_window", key) + ":" + strconv.FormatInt(windowStart, 10)

	countStr, err := e.backend.client.Get(ctx, windowKey).Result()
	count := int64(0)
	if err == nil {
		count, _ = strconv.ParseInt(countStr, 10, 64)
	}
	e.backend.onTransportSuccess()

	resetEpochMs := windowStart + policy.WindowMillis
	if count < policy.Capacity {
		return ratelimit.NewAllowDecision(policy.Capacity-count, resetEpochMs, e.AlgorithmTag()), nil
	}
	return ratelimit.NewDenyDecision(resetEpochMs, now, e.AlgorithmTag()), nil
}

// Reset implements ratelimit.Engine. Only the current window's key is
// deleted, matching the reference behavior: a past window's counter has
// already expired or is about to, and deleting it has no observable
// effect. window_start is read back from the companion meta hash since
// Reset receives no Policy.
func (e *FixedWindow) Reset(ctx context.Context, key string) error {
	meta := e.backend.key("fixed_window", key, "meta")
	windowStart, err := e.backend.client.HGet(ctx, meta, "window_start").Result()
	if err != nil {
		return nil
	}
	return e.backend.client.Del(ctx, e.backend.key("fixed_window", key)+":"+windowStart, meta).Err()
}

// Stats implements ratelimit.Engine.
func (e *FixedWindow) Stats(ctx context.Context, key string) (map[string]any, error) {
	meta := e.backend.key("fixed_window", key, "meta")
	windowStart, err := e.backend.client.HGet(ctx, meta, "window_start").Result()
	if err != nil {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no window found"}, nil
	}
	countStr, err := e.backend.client.Get(ctx, e.backend.key("fixed_window", key)+":"+windowStart).Result()
	if err != nil {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no window found"}, nil
	}
	return map[string]any{"algorithm": e.AlgorithmTag(), "count": countStr, "window_start": windowStart}, nil
}

// CleanupInactive implements ratelimit.Engine as a no-op: each window key
// carries its own PEXPIRE already.
func (e *FixedWindow) CleanupInactive(thresholdMillis int64) int { return 0 }
