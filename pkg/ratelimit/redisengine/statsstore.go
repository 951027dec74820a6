package redisengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsEvent records one admission decision for stats aggregation.
type StatsEvent struct {
	Key       string
	Algorithm string
	Allowed   bool
	At        time.Time
}

// RedisStatsStore accumulates per-algorithm and per-key admission counts
// in Redis hashes, independent of the engines' own rate-limit state. It
// never blocks an admission decision: callers record fire-and-forget after
// the decision is made.
type RedisStatsStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// StatsOption configures a RedisStatsStore.
type StatsOption func(*RedisStatsStore)

// WithStatsPrefix overrides the default "ratelimitd:stats" prefix.
func WithStatsPrefix(prefix string) StatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL overrides the default 24h TTL on per-key/per-bucket hashes.
func WithStatsTTL(d time.Duration) StatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// NewRedisStatsStore constructs a stats store over rdb.
func NewRedisStatsStore(rdb *redis.Client, opts ...StatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimitd:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record increments the total and per-algorithm counters for ev. Errors
// are an admin-operation-kind failure (§7); they never affect the
// admission decision that already happened.
func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if ev.Algorithm != "" {
		pipe.HIncrBy(ctx, s.prefix+":algorithm:"+ev.Algorithm, field, 1)
	}

	if ev.Key != "" {
		keyKey := s.prefix + ":key:" + ev.Key
		pipe.HIncrBy(ctx, keyKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, keyKey, s.ttl)
		}
	}

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}
