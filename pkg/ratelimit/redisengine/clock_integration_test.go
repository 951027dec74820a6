package redisengine

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// These mirror the in-memory engines' spec.md §8 scenario tests
// (tokenbucket_memory_test.go, fixedwindow_memory_test.go,
// slidinglog_memory_test.go, leakybucket_memory_test.go,
// slidingcounter_memory_test.go), driven through a ratelimit.FakeClock via
// WithClock instead of wall-clock time, to confirm the shared-store backend
// reproduces the same admission decisions as the in-memory backend when
// driven with identical time sequences.

func TestTokenBucket_Scenario1_ClockControlled(t *testing.T) {
	client := dialTestRedis(t)
	clock := ratelimit.NewFakeClock(0)
	backend, err := NewBackend(client, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewTokenBucket(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_clock_tb_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindTokenBucket, Capacity: 1, Rate: 0.1}

	d, err := engine.Admit(ctx, key, policy)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("t=0: want allowed remaining=0, got %+v", d)
	}

	clock.Set(1)
	d, err = engine.Admit(ctx, key, policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.RetryAfterSeconds != 10 {
		t.Fatalf("t=1: want denied retry_after=10, got %+v", d)
	}
}

func TestFixedWindow_Scenario3_ClockControlled(t *testing.T) {
	client := dialTestRedis(t)
	clock := ratelimit.NewFakeClock(0)
	backend, err := NewBackend(client, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewFixedWindow(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_clock_fw_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindFixedWindow, Capacity: 1, WindowMillis: 5000}

	d, _ := engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("t=0 should allow, got %+v", d)
	}
	clock.Set(1)
	d, _ = engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatalf("t=1 should deny (same window), got %+v", d)
	}
	clock.Set(6000)
	d, _ = engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("t=6000 should allow after rollover, got %+v", d)
	}
}

func TestSlidingLog_Scenario4StrictBoundary_ClockControlled(t *testing.T) {
	client := dialTestRedis(t)
	clock := ratelimit.NewFakeClock(0)
	backend, err := NewBackend(client, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewSlidingLog(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_clock_sl_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindSlidingLog, Capacity: 2, WindowMillis: 1000}

	d, _ := engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("first t=0 admit should allow, got %+v", d)
	}
	d, _ = engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("second t=0 admit should allow (fills capacity), got %+v", d)
	}

	clock.Set(1000)
	d, _ = engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatalf("t=1000 should deny: the t=0 entries are exactly window_ms old and not yet evicted, got %+v", d)
	}

	clock.Set(1001)
	d, _ = engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("t=1001 should allow: the t=0 entries are now older than window_ms and evicted, got %+v", d)
	}
}

func TestLeakyBucket_Scenario2_ClockControlled(t *testing.T) {
	client := dialTestRedis(t)
	clock := ratelimit.NewFakeClock(0)
	backend, err := NewBackend(client, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewLeakyBucket(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_clock_lb_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindLeakyBucket, Capacity: 2, Rate: 0.1}

	d, _ := engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("t=0 should allow, got %+v", d)
	}
	clock.Set(1)
	d, _ = engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("t=1 should allow, got %+v", d)
	}
	clock.Set(2)
	d, _ = engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatalf("t=2 should deny once bucket is saturated, got %+v", d)
	}
	if d.RetryAfterSeconds < 10 {
		t.Fatalf("retry_after should be >= 10, got %d", d.RetryAfterSeconds)
	}
}

// TestSlidingCounter_Scenario5Weighting_ClockControlled seeds the previous
// window directly (Redis's Peek receives no admit history to build one from
// in a single test) and checks the same three points on the weighting curve
// as the in-memory test: p=0 denies, p=0.5 and p≈1.0 allow.
func TestSlidingCounter_Scenario5Weighting_ClockControlled(t *testing.T) {
	client := dialTestRedis(t)
	clock := ratelimit.NewFakeClock(120000)
	backend, err := NewBackend(client, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewSlidingCounter(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_clock_sc_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindSlidingCounter, Capacity: 10, WindowMillis: 60000, SubWindows: 1}

	base := backend.key("sliding_window_counter", key)
	const curWin = 120000 / 60000
	if err := client.Set(ctx, base+":"+strconv.Itoa(curWin-1), 10, 0).Err(); err != nil {
		t.Fatal(err)
	}

	d, _ := engine.Peek(ctx, key, policy)
	if d.Allowed {
		t.Fatalf("p=0 with a full previous window at capacity=10 should deny, got %+v", d)
	}

	clock.Set(150000)
	d, _ = engine.Peek(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("p=0.5 should allow once the previous window's weight has decayed, got %+v", d)
	}

	clock.Set(179999)
	d, _ = engine.Peek(ctx, key, policy)
	if !d.Allowed {
		t.Fatalf("p≈1.0 should allow, got %+v", d)
	}
}
