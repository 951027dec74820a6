package ratelimit

import (
	"hash/fnv"
	"sync"
)

// defaultShardCount is the number of stripes a shardedKeyMap splits its
// key space across. Throughput scales with the number of active keys (§9),
// so a single map-wide mutex is disallowed; this is the concrete striping
// primitive every in-memory engine builds its per-key critical section on.
const defaultShardCount = 256

// shardedKeyMap is a concurrent map[string]*V striped across N shards, each
// guarded by its own mutex. It never takes a global lock: two distinct keys
// landing in different shards can be mutated fully in parallel, and even
// same-shard keys never block each other's whole-map iteration because
// CleanupInactive walks one shard's lock at a time.
type shardedKeyMap[V any] struct {
	shards []*mapShard[V]
}

type mapShard[V any] struct {
	mu   sync.Mutex
	data map[string]*V
}

func newShardedKeyMap[V any](shardCount int) *shardedKeyMap[V] {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	m := &shardedKeyMap[V]{shards: make([]*mapShard[V], shardCount)}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{data: make(map[string]*V)}
	}
	return m
}

func (m *shardedKeyMap[V]) shardFor(key string) *mapShard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// WithLocked runs fn with the per-key critical section for key held,
// passing the existing state (nil if absent) and a setter to install or
// replace it. This is the single choke point every engine's admit path
// funnels through so the read-modify-write step is linearizable per key;
// peek paths read through Get.
func (m *shardedKeyMap[V]) WithLocked(key string, fn func(existing *V, set func(*V))) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	existing := shard.data[key]
	fn(existing, func(v *V) { shard.data[key] = v })
}

// Delete removes key's state, if any.
func (m *shardedKeyMap[V]) Delete(key string) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.data, key)
}

// Get returns a copy of the pointer to key's state without taking the
// critical section beyond the lookup itself; callers that need to mutate
// must go through WithLocked.
func (m *shardedKeyMap[V]) Get(key string) (*V, bool) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	v, ok := shard.data[key]
	return v, ok
}

// CleanupInactive removes every entry for which isInactive returns true,
// visiting one shard's lock at a time, and returns the count removed.
func (m *shardedKeyMap[V]) CleanupInactive(isInactive func(*V) bool) int {
	removed := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for k, v := range shard.data {
			if isInactive(v) {
				delete(shard.data, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len reports the total number of keys across all shards. Intended for
// diagnostics; racy with respect to concurrent mutation the way any
// multi-shard count must be.
func (m *shardedKeyMap[V]) Len() int {
	n := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		n += len(shard.data)
		shard.mu.Unlock()
	}
	return n
}
