package pipeline

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
	"github.com/ratelimitd/ratelimitd/pkg/ratelimit/redisengine"
)

// StatsRecorder receives a fire-and-forget record of each admission
// decision, independent of the decision that has already been made and
// written to the response. redisengine.RedisStatsStore satisfies this.
type StatsRecorder interface {
	Record(ctx context.Context, ev redisengine.StatsEvent) error
}

// Pipeline is the admission pipeline from §4.8/§6: it selects a policy for
// the request path, derives a principal key, calls admit, and writes the
// response headers and (on deny) the 429 body. It is exposed as a plain
// http.Handler wrapper so callers can mount it in net/http, gin, chi, or
// anything else speaking the standard handler contract.
type Pipeline struct {
	registry ratelimit.EngineSource
	config   *Config
	log      *zap.Logger
	metrics  ratelimit.MetricsRecorder
	stats    StatsRecorder
}

// New constructs a Pipeline backed by registry and config. registry may be
// an in-memory *ratelimit.Registry or a *redisengine.Registry; the pipeline
// only relies on the ratelimit.EngineSource contract either way.
func New(registry ratelimit.EngineSource, config *Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{registry: registry, config: config, log: log, metrics: ratelimit.NoOpMetricsRecorder{}}
}

// WithMetrics swaps in a non-default MetricsRecorder.
func (p *Pipeline) WithMetrics(m ratelimit.MetricsRecorder) *Pipeline {
	p.metrics = m
	return p
}

// WithStatsRecorder attaches a StatsRecorder; every admission decision is
// then recorded asynchronously, on its own goroutine, once it is made.
func (p *Pipeline) WithStatsRecorder(s StatsRecorder) *Pipeline {
	p.stats = s
	return p
}

// Wrap returns next wrapped by the admission pipeline: excluded paths pass
// straight through, admitted requests proceed to next with rate-limit
// headers already set, and denied requests short-circuit with a 429.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.config.Enabled || p.config.isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tag, override := p.selectAlgorithm(r.URL.Path)
		policy, err := p.config.policyFor(tag, override)
		if err != nil {
			p.log.Warn("admission pipeline: policy construction failed, passing request through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		engine, err := p.registry.Engine(policy)
		if err != nil {
			p.log.Warn("admission pipeline: engine construction failed, passing request through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		key := derivePrincipalKey(r, policy)
		decision, err := engine.Admit(r.Context(), key, policy)
		if err != nil {
			p.log.Warn("admission pipeline: admit failed, passing request through", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		writeHeaders(w, decision, policy.Capacity)
		p.metrics.Add("admission_total", 1, map[string]string{"algorithm": decision.Algorithm, "allowed": strconv.FormatBool(decision.Allowed)})
		p.recordStats(key, decision)

		if !decision.Allowed {
			p.log.Debug("admission denied", zap.String("key", key), zap.String("path", r.URL.Path), zap.String("algorithm", decision.Algorithm))
			writeDenyBody(w, decision)
			return
		}
		p.log.Debug("admission allowed", zap.String("key", key), zap.String("path", r.URL.Path), zap.String("algorithm", decision.Algorithm))
		next.ServeHTTP(w, r)
	})
}

// recordStats fires ev off to the configured StatsRecorder, if any, on its
// own goroutine: stats aggregation never blocks or affects an admission
// decision that has already been made.
func (p *Pipeline) recordStats(key string, d ratelimit.Decision) {
	if p.stats == nil {
		return
	}
	ev := redisengine.StatsEvent{Key: key, Algorithm: d.Algorithm, Allowed: d.Allowed, At: time.Now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.stats.Record(ctx, ev); err != nil {
			p.log.Warn("admission pipeline: stats recording failed", zap.Error(err))
		}
	}()
}

// selectAlgorithm implements step 1 of §4.8: longest pattern match against
// the configured urlPatterns, falling back to the configured default
// algorithm when nothing matches.
func (p *Pipeline) selectAlgorithm(path string) (string, *UrlPatternConfig) {
	if _, cfg, ok := selectPattern(p.config.URLPatterns, path); ok {
		tag := cfg.Algorithm
		if tag == "" {
			tag = p.config.DefaultAlgorithm
		}
		return tag, &cfg
	}
	return p.config.DefaultAlgorithm, nil
}

// derivePrincipalKey implements step 2 of §4.8 per the policy's
// KeyStrategy. KeyByUserID reproduces the original filter's
// extractUserId: a Bearer token parsed as a decimal integer, falling back
// to policy.FallbackPrincipal on absence or parse failure.
func derivePrincipalKey(r *http.Request, policy ratelimit.Policy) string {
	switch policy.KeyStrategy {
	case ratelimit.KeyByClientAddr:
		return clientAddr(r)
	case ratelimit.KeyByEndpoint:
		return r.URL.Path
	case ratelimit.KeyLiteral:
		return policy.FallbackPrincipal
	case ratelimit.KeyByUserID:
		fallthrough
	default:
		return extractUserID(r, policy.FallbackPrincipal)
	}
}

func extractUserID(r *http.Request, fallback string) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		token := strings.TrimPrefix(auth, prefix)
		if _, err := strconv.ParseInt(token, 10, 64); err == nil {
			return token
		}
	}
	return fallback
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if addr := strings.TrimSpace(xff); addr != "" {
			return addr
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// writeHeaders implements step 4 of §4.8.
func writeHeaders(w http.ResponseWriter, d ratelimit.Decision, capacity int64) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(capacity, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetEpochMillis/1000, 10))
	h.Set("X-RateLimit-Algorithm", d.Algorithm)
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds, 10))
	}
}

// denyBody is the §6 JSON body written on a 429.
type denyBody struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Status  int          `json:"status"`
	Ts      int64        `json:"timestamp"`
	Rate    denyBodyRate `json:"rateLimit"`
}

type denyBodyRate struct {
	Algorithm          string `json:"algorithm"`
	ResetTime          int64  `json:"resetTime"`
	RetryAfter         int64  `json:"retryAfter"`
	ResetTimeFormatted string `json:"resetTimeFormatted"`
}

// writeDenyBody implements step 5 of §4.8: short-circuit with 429 and the
// structured deny body.
func writeDenyBody(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	body := denyBody{
		Error:   "Too Many Requests",
		Message: "Rate limit exceeded. Please try again later.",
		Status:  http.StatusTooManyRequests,
		Ts:      time.Now().UnixMilli(),
		Rate: denyBodyRate{
			Algorithm:          d.Algorithm,
			ResetTime:          d.ResetEpochMillis,
			RetryAfter:         d.RetryAfterSeconds,
			ResetTimeFormatted: time.UnixMilli(d.ResetEpochMillis).Format("2006-01-02 15:04:05"),
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
