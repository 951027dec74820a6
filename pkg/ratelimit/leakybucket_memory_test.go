package ratelimit

import (
	"context"
	"testing"
)

func TestMemoryLeakyBucket_Scenario2(t *testing.T) {
	// spec.md §8 scenario 2: LB capacity=2 rate=0.1.
	clock := NewFakeClock(0)
	e := NewMemoryLeakyBucket(clock, nil)
	policy := Policy{Kind: KindLeakyBucket, Capacity: 2, Rate: 0.1}
	ctx := context.Background()

	d, _ := e.Admit(ctx, "k", policy)
	if !d.Allowed {
		t.Fatalf("t=0 should allow, got %+v", d)
	}
	clock.Set(1)
	d, _ = e.Admit(ctx, "k", policy)
	if !d.Allowed {
		t.Fatalf("t=1 should allow, got %+v", d)
	}
	clock.Set(2)
	d, _ = e.Admit(ctx, "k", policy)
	if d.Allowed {
		t.Fatalf("t=2 should deny once bucket is saturated, got %+v", d)
	}
	if d.RetryAfterSeconds < 10 {
		t.Fatalf("retry_after should be >= 10, got %d", d.RetryAfterSeconds)
	}
}

func TestMemoryLeakyBucket_AverageRateUnderContinuousLoad(t *testing.T) {
	clock := NewFakeClock(0)
	e := NewMemoryLeakyBucket(clock, nil)
	policy := Policy{Kind: KindLeakyBucket, Capacity: 2, Rate: 1}
	ctx := context.Background()

	e.Admit(ctx, "k", policy)
	e.Admit(ctx, "k", policy) // fills to capacity

	allowed := 0
	for sec := int64(1); sec <= 5; sec++ {
		clock.Set(sec * 1000)
		d, _ := e.Admit(ctx, "k", policy)
		if d.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("at rate=1 over 5s of continuous offered load, expected 5 admits, got %d", allowed)
	}
}

func TestMemoryLeakyBucket_Isolation(t *testing.T) {
	clock := NewFakeClock(0)
	e := NewMemoryLeakyBucket(clock, nil)
	policy := Policy{Kind: KindLeakyBucket, Capacity: 1, Rate: 1}
	ctx := context.Background()

	e.Admit(ctx, "k1", policy)
	d, _ := e.Admit(ctx, "k2", policy)
	if !d.Allowed {
		t.Fatalf("k2 should be unaffected by k1 saturation, got %+v", d)
	}
}

func TestMemoryLeakyBucket_ResetSemantics(t *testing.T) {
	clock := NewFakeClock(0)
	e := NewMemoryLeakyBucket(clock, nil)
	policy := Policy{Kind: KindLeakyBucket, Capacity: 3, Rate: 1}
	ctx := context.Background()

	e.Admit(ctx, "k", policy)
	e.Admit(ctx, "k", policy)
	e.Reset(ctx, "k")
	d, _ := e.Peek(ctx, "k", policy)
	if d.Remaining != policy.Capacity {
		t.Fatalf("peek after reset should report full capacity, got %+v", d)
	}
}
