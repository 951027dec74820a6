package redisengine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

func dialTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test: redis not available (%v)", err)
	}
	return client
}

func TestTokenBucket_Integration(t *testing.T) {
	client := dialTestRedis(t)
	backend, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewTokenBucket(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_tb_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindTokenBucket, Capacity: 2, Rate: 1}

	d, err := engine.Admit(ctx, key, policy)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("first admit should allow")
	}
	engine.Admit(ctx, key, policy)
	d, err = engine.Admit(ctx, key, policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("third admit should deny after exhausting capacity 2")
	}

	if err := engine.Reset(ctx, key); err != nil {
		t.Fatal(err)
	}
	d, err = engine.Peek(ctx, key, policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != policy.Capacity {
		t.Fatalf("peek after reset should report full capacity, got %+v", d)
	}
}

func TestFixedWindow_Integration(t *testing.T) {
	client := dialTestRedis(t)
	backend, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewFixedWindow(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_fw_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindFixedWindow, Capacity: 1, WindowMillis: 60_000}

	d, _ := engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatal("first admit should allow")
	}
	d, _ = engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatal("second admit within the same window should deny")
	}

	if err := engine.Reset(ctx, key); err != nil {
		t.Fatal(err)
	}
	d, _ = engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatal("admit after reset should allow again")
	}
}

func TestSlidingLog_Integration(t *testing.T) {
	client := dialTestRedis(t)
	backend, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewSlidingLog(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_sl_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindSlidingLog, Capacity: 1, WindowMillis: 60_000}

	d, _ := engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatal("first admit should allow")
	}
	d, _ = engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatal("second admit within window should deny")
	}
}

func TestLeakyBucket_Integration(t *testing.T) {
	client := dialTestRedis(t)
	backend, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewLeakyBucket(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_lb_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindLeakyBucket, Capacity: 1, Rate: 1}

	d, _ := engine.Admit(ctx, key, policy)
	if !d.Allowed {
		t.Fatal("first admit should allow")
	}
	d, _ = engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatal("second immediate admit should deny once saturated")
	}
}

func TestSlidingCounter_Integration(t *testing.T) {
	client := dialTestRedis(t)
	backend, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	engine, err := NewSlidingCounter(ctx, backend)
	if err != nil {
		t.Fatal(err)
	}

	key := fmt.Sprintf("it_sc_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindSlidingCounter, Capacity: 2, WindowMillis: 60_000, SubWindows: 2}

	engine.Admit(ctx, key, policy)
	engine.Admit(ctx, key, policy)
	d, _ := engine.Admit(ctx, key, policy)
	if d.Allowed {
		t.Fatal("third admit should deny once capacity is exhausted")
	}
}

func TestBackend_DistributedStateSharedAcrossInstances(t *testing.T) {
	client := dialTestRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("it_dist_%d", time.Now().UnixNano())
	policy := ratelimit.Policy{Kind: ratelimit.KindTokenBucket, Capacity: 1, Rate: 1}

	backendA, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	engineA, err := NewTokenBucket(ctx, backendA)
	if err != nil {
		t.Fatal(err)
	}
	engineA.Admit(ctx, key, policy)

	backendB, err := NewBackend(client)
	if err != nil {
		t.Fatal(err)
	}
	engineB, err := NewTokenBucket(ctx, backendB)
	if err != nil {
		t.Fatal(err)
	}
	d, err := engineB.Admit(ctx, key, policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("a second process sharing the same redis instance should see the token already consumed")
	}
}
