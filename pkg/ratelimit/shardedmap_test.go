package ratelimit

import (
	"strconv"
	"sync"
	"testing"
)

func TestShardedKeyMap_WithLockedSetAndGet(t *testing.T) {
	m := newShardedKeyMap[int](8)
	m.WithLocked("a", func(existing *int, set func(*int)) {
		if existing != nil {
			t.Fatalf("expected no existing value, got %v", *existing)
		}
		v := 42
		set(&v)
	})
	v, ok := m.Get("a")
	if !ok || *v != 42 {
		t.Fatalf("expected 42, got %v ok=%v", v, ok)
	}
}

func TestShardedKeyMap_DeleteRemovesKey(t *testing.T) {
	m := newShardedKeyMap[int](8)
	v := 1
	m.WithLocked("a", func(_ *int, set func(*int)) { set(&v) })
	m.Delete("a")
	_, ok := m.Get("a")
	if ok {
		t.Fatal("expected key to be removed after Delete")
	}
}

func TestShardedKeyMap_KeysAreIsolatedAcrossShards(t *testing.T) {
	m := newShardedKeyMap[int](8)
	for i := 0; i < 100; i++ {
		key := strconv.Itoa(i)
		v := i
		m.WithLocked(key, func(_ *int, set func(*int)) { set(&v) })
	}
	for i := 0; i < 100; i++ {
		key := strconv.Itoa(i)
		v, ok := m.Get(key)
		if !ok || *v != i {
			t.Fatalf("key %s: expected %d, got %v ok=%v", key, i, v, ok)
		}
	}
	if m.Len() != 100 {
		t.Fatalf("expected 100 keys, got %d", m.Len())
	}
}

func TestShardedKeyMap_CleanupInactiveRemovesMatching(t *testing.T) {
	m := newShardedKeyMap[int](8)
	for i := 0; i < 10; i++ {
		key := strconv.Itoa(i)
		v := i
		m.WithLocked(key, func(_ *int, set func(*int)) { set(&v) })
	}
	removed := m.CleanupInactive(func(v *int) bool { return *v%2 == 0 })
	if removed != 5 {
		t.Fatalf("expected 5 removed, got %d", removed)
	}
	if m.Len() != 5 {
		t.Fatalf("expected 5 remaining, got %d", m.Len())
	}
}

func TestShardedKeyMap_ConcurrentAccessDoesNotRace(t *testing.T) {
	m := newShardedKeyMap[int](16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i % 5)
			m.WithLocked(key, func(existing *int, set func(*int)) {
				n := 0
				if existing != nil {
					n = *existing
				}
				n++
				set(&n)
			})
		}(i)
	}
	wg.Wait()
	if m.Len() > 5 {
		t.Fatalf("expected at most 5 distinct keys, got %d", m.Len())
	}
}
