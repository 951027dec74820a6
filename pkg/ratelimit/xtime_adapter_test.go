package ratelimit

import (
	"context"
	"testing"
)

// TestXTimeReferenceLimiter_AgreesWithMemoryTokenBucketAtSteadyState
// exercises the cross-check NewXTimeReferenceLimiter's doc comment
// describes: the same initial burst admitted, the same request denied once
// it is exhausted.
func TestXTimeReferenceLimiter_AgreesWithMemoryTokenBucketAtSteadyState(t *testing.T) {
	policy := Policy{Kind: KindTokenBucket, Capacity: 5, Rate: 1}
	clock := NewFakeClock(0)
	e := NewMemoryTokenBucket(clock, nil)
	ref := NewXTimeReferenceLimiter(policy)
	ctx := context.Background()

	for i := int64(0); i < policy.Capacity; i++ {
		d, _ := e.Admit(ctx, "k", policy)
		if !d.Allowed {
			t.Fatalf("memory bucket denied within initial burst at i=%d", i)
		}
		if !ref.Allow() {
			t.Fatalf("reference limiter denied within initial burst at i=%d", i)
		}
	}
	d, _ := e.Admit(ctx, "k", policy)
	if d.Allowed {
		t.Fatal("memory bucket should deny once the initial burst is exhausted")
	}
	if ref.Allow() {
		t.Fatal("reference limiter should deny once the initial burst is exhausted")
	}
}

func BenchmarkMemoryTokenBucket_Admit(b *testing.B) {
	policy := Policy{Kind: KindTokenBucket, Capacity: 1000, Rate: 1000}
	e := NewMemoryTokenBucket(SystemClock{}, nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Admit(ctx, "bench-key", policy)
	}
}

func BenchmarkXTimeReferenceLimiter_Allow(b *testing.B) {
	policy := Policy{Kind: KindTokenBucket, Capacity: 1000, Rate: 1000}
	ref := NewXTimeReferenceLimiter(policy)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ref.Allow()
	}
}
