// Package redisengine implements the shared-store backend (§4.7): the
// same five algorithms as pkg/ratelimit, but with state held in Redis and
// mutated by a single server-evaluated Lua script per algorithm so that
// concurrent callers across processes observe one atomic critical section
// per key, the distributed equivalent of the in-memory sharded map.
package redisengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// FailMode controls how a backend behaves when Redis is unreachable or the
// circuit breaker has tripped (§7/§9).
type FailMode int

const (
	// FailOpen admits the request, synthesizing Limit/Limit headers and a
	// short reset window, and logs a warning. This is the default.
	FailOpen FailMode = iota
	// FailClosed denies the request with retry_after_s=1.
	FailClosed
)

// Backend holds everything the five algorithm engines share: the Redis
// client, a script cache with NOSCRIPT reload handling, a circuit breaker
// that trips on repeated transport failures, and the configured FailMode.
type Backend struct {
	client   *redis.Client
	breaker  *CircuitBreaker
	failMode FailMode
	prefix   string
	clock    ratelimit.Clock
	log      *zap.Logger

	scripts map[string]*loadedScript
}

type loadedScript struct {
	source string
	sha    string
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix sets an additional namespace prefix every engine's Redis
// keys are nested under. Defaults to empty, which reproduces the literal
// key layout ("token_bucket:<K>", etc.) from §6 exactly.
func WithPrefix(prefix string) Option {
	return func(b *Backend) { b.prefix = prefix }
}

// WithFailMode overrides the default FailOpen behavior.
func WithFailMode(mode FailMode) Option {
	return func(b *Backend) { b.failMode = mode }
}

// WithCircuitOptions overrides the breaker's trip thresholds.
func WithCircuitOptions(opts CircuitOptions) Option {
	return func(b *Backend) { b.breaker = NewCircuitBreaker(opts) }
}

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// WithClock overrides the default SystemClock. Every engine takes "now"
// from this clock instead of calling time.Now directly (§9), so the shared
// store can be driven by a ratelimit.FakeClock in tests exactly like the
// in-memory engines.
func WithClock(clock ratelimit.Clock) Option {
	return func(b *Backend) { b.clock = clock }
}

// NewBackend pings client and returns a ready Backend. A failed ping is a
// configuration error (§7): the caller asked for a shared-store backend it
// cannot reach at construction time.
func NewBackend(client *redis.Client, opts ...Option) (*Backend, error) {
	b := &Backend{
		client:  client,
		breaker: NewCircuitBreaker(CircuitOptions{}),
		prefix:  "",
		clock:   ratelimit.SystemClock{},
		log:     zap.NewNop(),
		scripts: make(map[string]*loadedScript),
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errWrapConfiguration(err)
	}
	return b, nil
}

// errWrapConfiguration wraps a failed connectivity check as a §7
// configuration error, matching errors.go's own convention of wrapping the
// shared sentinel with fmt.Errorf("%w: ...") rather than a bespoke type.
func errWrapConfiguration(err error) error {
	return fmt.Errorf("%w: redis configuration error: %v", ratelimit.ErrConfiguration, err)
}

// registerScript loads source under name, caching its SHA. Safe to call
// redundantly; re-registration just reloads the SHA.
func (b *Backend) registerScript(ctx context.Context, name, source string) error {
	sha, err := b.client.ScriptLoad(ctx, source).Result()
	if err != nil {
		return err
	}
	b.scripts[name] = &loadedScript{source: source, sha: sha}
	return nil
}

// evalScript runs the named script via EvalSha, transparently falling back
// to Eval and reloading the SHA on a NOSCRIPT error (e.g. after a Redis
// restart flushed the script cache).
func (b *Backend) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	script, ok := b.scripts[name]
	if !ok {
		return nil, errors.New("ratelimit: script " + name + " not registered")
	}

	result, err := b.client.EvalSha(ctx, script.sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		result, err = b.client.Eval(ctx, script.source, keys, args...).Result()
		if err == nil {
			if sha, reloadErr := b.client.ScriptLoad(ctx, script.source).Result(); reloadErr == nil {
				script.sha = sha
			}
		}
	}
	return result, err
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// key builds the Redis key for a principal key from an algorithm-specific
// segment plus the caller's key parts. With no prefix configured (the
// default) this produces exactly the literal layout from §6, e.g.
// "token_bucket:<K>"; WithPrefix prepends a deployment-chosen namespace
// on top of that layout.
func (b *Backend) key(parts ...string) string {
	if b.prefix == "" {
		return strings.Join(parts, ":")
	}
	return b.prefix + ":" + strings.Join(parts, ":")
}

// breakerOpen reports whether the circuit is currently tripped, in which
// case callers must degrade without attempting the round trip at all.
func (b *Backend) breakerOpen() bool {
	return !b.breaker.Allow()
}

// onTransportFailure records a Redis failure against the breaker and logs
// it. Callers then return degrade(...) instead of propagating err.
func (b *Backend) onTransportFailure(err error, algorithmTag string) {
	b.breaker.OnFailure()
	wrapped := fmt.Errorf("%w: %v", ratelimit.ErrTransport, err)
	b.log.Warn("ratelimit: redis transport failure, degrading", zap.Error(wrapped), zap.String("algorithm", algorithmTag))
}

// onTransportSuccess records a successful round trip against the breaker.
func (b *Backend) onTransportSuccess() {
	b.breaker.OnSuccess()
}

// degrade implements the §7 transport-failure contract: fail-open admits
// with synthetic Limit/Limit headers and a short reset window; fail-closed
// denies with retry_after_s=1. A nil cause means the breaker was already
// open and the round trip was never attempted.
func (b *Backend) degrade(policy ratelimit.Policy, algorithmTag string, cause error) ratelimit.Decision {
	if cause == nil {
		b.log.Warn("ratelimit: redis circuit open, degrading", zap.String("algorithm", algorithmTag))
	}
	now := b.clock.NowMillis()
	if b.failMode == FailClosed {
		return ratelimit.Decision{
			Allowed:           false,
			Remaining:         0,
			ResetEpochMillis:  now + 1000,
			RetryAfterSeconds: 1,
			Algorithm:         algorithmTag,
		}
	}
	return ratelimit.Decision{
		Allowed:           true,
		Remaining:         policy.Capacity,
		ResetEpochMillis:  now + 1000,
		RetryAfterSeconds: 0,
		Algorithm:         algorithmTag,
	}
}
