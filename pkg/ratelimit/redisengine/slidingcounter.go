package redisengine

import (
	"context"
	"strconv"
	"time"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// SlidingCounter is the shared-store sliding window counter engine
// (§4.6/§4.7), weighted two-window form: a counter per window id,
// expiring after 2*window_ms. A companion meta hash records the last
// window_ms seen for a key so Reset/Stats (which receive no Policy) can
// locate the current and previous window keys.
type SlidingCounter struct {
	backend *Backend
}

// NewSlidingCounter constructs a shared-store sliding window counter engine.
func NewSlidingCounter(ctx context.Context, backend *Backend) (*SlidingCounter, error) {
	if err := backend.registerScript(ctx, "sliding_counter", slidingCounterScript); err != nil {
		return nil, err
	}
	return &SlidingCounter{backend: backend}, nil
}

// AlgorithmTag implements ratelimit.Engine.
func (e *SlidingCounter) AlgorithmTag() string { return "redis-sliding-window-counter" }

// Admit implements ratelimit.Engine.
func (e *SlidingCounter) Admit(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	if e.backend.breakerOpen() {
		return e.backend.degrade(policy, e.AlgorithmTag(), nil), nil
	}
	now := e.backend.clock.NowMillis()
	base := e.backend.key("sliding_window_counter", key)
	meta := e.backend.key("sliding_window_counter", key, "meta")

	result, err := e.backend.evalScript(ctx, "sliding_counter", []string{base}, policy.Capacity, policy.WindowMillis, now)
	if err != nil {
		e.backend.onTransportFailure(err, e.AlgorithmTag())
		return e.backend.degrade(policy, e.AlgorithmTag(), err), nil
	}
	e.backend.onTransportSuccess()
	e.backend.client.HSet(ctx, meta, "window_ms", policy.WindowMillis)
	e.backend.client.PExpire(ctx, meta, 2*time.Duration(policy.WindowMillis)*time.Millisecond)
	return decodeTripleDecision(result, now, e.AlgorithmTag())
}

// Peek implements ratelimit.Engine, recomputing the weighted estimate
// read-only.
func (e *SlidingCounter) Peek(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Decision, error) {
	if err := policy.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}
	now := e.backend.clock.NowMillis()
	base := e.backend.key("sliding_window_counter", key)

	W := policy.WindowMillis
	curWin := now / W
	prevWin := curWin - 1
	p := float64(now%W) / float64(W)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	curCount, _ := e.getCounter(ctx, base, curWin)
	prevCount, _ := e.getCounter(ctx, base, prevWin)
	e.backend.onTransportSuccess()

	estimate := float64(prevCount)*(1-p) + float64(curCount)
	resetEpochMs := (curWin + 1) * W
	if int64(estimate) < policy.Capacity {
		remaining := policy.Capacity - int64(estimate)
		return ratelimit.NewAllowDecision(remaining, resetEpochMs, e.AlgorithmTag()), nil
	}
	return ratelimit.NewDenyDecision(resetEpochMs, now, e.AlgorithmTag()), nil
}

func (e *SlidingCounter) getCounter(ctx context.Context, base string, win int64) (int64, error) {
	s, err := e.backend.client.Get(ctx, base+":"+strconv.FormatInt(win, 10)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Reset implements ratelimit.Engine. Both the current and previous window
// keys are deleted since either may still weigh into the estimate.
func (e *SlidingCounter) Reset(ctx context.Context, key string) error {
	base := e.backend.key("sliding_window_counter", key)
	meta := e.backend.key("sliding_window_counter", key, "meta")
	windowMsStr, err := e.backend.client.HGet(ctx, meta, "window_ms").Result()
	if err != nil {
		return nil
	}
	windowMs, err := strconv.ParseInt(windowMsStr, 10, 64)
	if err != nil {
		return nil
	}
	now := e.backend.clock.NowMillis()
	curWin := now / windowMs
	return e.backend.client.Del(ctx,
		base+":"+strconv.FormatInt(curWin, 10),
		base+":"+strconv.FormatInt(curWin-1, 10),
		meta,
	).Err()
}

// Stats implements ratelimit.Engine.
func (e *SlidingCounter) Stats(ctx context.Context, key string) (map[string]any, error) {
	base := e.backend.key("sliding_window_counter", key)
	meta := e.backend.key("sliding_window_counter", key, "meta")
	windowMsStr, err := e.backend.client.HGet(ctx, meta, "window_ms").Result()
	if err != nil {
		return map[string]any{"algorithm": e.AlgorithmTag(), "status": "no counter found"}, nil
	}
	windowMs, _ := strconv.ParseInt(windowMsStr, 10, 64)
	now := e.backend.clock.NowMillis()
	curWin := now / windowMs
	curCount, _ := e.getCounter(ctx, base, curWin)
	prevCount, _ := e.getCounter(ctx, base, curWin-1)
	return map[string]any{"algorithm": e.AlgorithmTag(), "cur_count": curCount, "prev_count": prevCount}, nil
}

// CleanupInactive implements ratelimit.Engine as a no-op: Redis TTLs
// already expire inactive window counters.
func (e *SlidingCounter) CleanupInactive(thresholdMillis int64) int { return 0 }
