package pipeline

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

func testConfig() *Config {
	cfg := NewConfig()
	cfg.DefaultAlgorithm = "fixed-window"
	cfg.FixedWindow = AlgorithmConfig{Capacity: 2, WindowMs: 60_000}
	return cfg
}

func newTestPipeline() *Pipeline {
	registry := ratelimit.NewRegistry(ratelimit.NewFakeClock(0), nil)
	return New(registry, testConfig(), nil)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestPipeline_AdmitsWithinCapacityAndSetsHeaders(t *testing.T) {
	p := newTestPipeline()
	handler := p.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer 42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("expected X-RateLimit-Limit=2, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Algorithm") != "fixed-window" {
		t.Errorf("expected algorithm header fixed-window, got %q", rec.Header().Get("X-RateLimit-Algorithm"))
	}
}

func TestPipeline_DeniesOverCapacityWith429AndBody(t *testing.T) {
	p := newTestPipeline()
	handler := p.Wrap(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		r.Header.Set("Authorization", "Bearer 7")
		return r
	}

	handler.ServeHTTP(httptest.NewRecorder(), req())
	handler.ServeHTTP(httptest.NewRecorder(), req())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req())

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the third request, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on deny")
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Error("expected a Content-Type header on the deny body")
	}
	body := rec.Body.String()
	for _, want := range []string{`"error":"Too Many Requests"`, `"status":429`, `"rateLimit"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected deny body to contain %q, got %s", want, body)
		}
	}
}

func TestPipeline_DistinctPrincipalsAreIsolated(t *testing.T) {
	p := newTestPipeline()
	handler := p.Wrap(okHandler())

	reqFor := func(id string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/users", nil)
		r.Header.Set("Authorization", "Bearer "+id)
		return r
	}

	handler.ServeHTTP(httptest.NewRecorder(), reqFor("1"))
	handler.ServeHTTP(httptest.NewRecorder(), reqFor("1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, reqFor("2"))

	if rec.Code != http.StatusOK {
		t.Fatal("a distinct principal should have its own untouched quota")
	}
}

func TestPipeline_ExcludedPathsBypassTheRegistryEntirely(t *testing.T) {
	p := newTestPipeline()
	handler := p.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatal("excluded paths should always reach the wrapped handler")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("excluded paths should not carry rate limit headers")
	}
}

func TestPipeline_MissingBearerFallsBackToAnonymousPrincipal(t *testing.T) {
	p := newTestPipeline()
	handler := p.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	if rec3.Code != http.StatusTooManyRequests {
		t.Fatal("requests with no Bearer token should share the anonymous fallback principal's quota")
	}
}

func TestPipeline_URLPatternOverridesDefaultAlgorithm(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBucket = AlgorithmConfig{Capacity: 9, Rate: 1}
	cfg.URLPatterns = map[string]UrlPatternConfig{
		"/special/**": {Algorithm: "token-bucket"},
	}
	registry := ratelimit.NewRegistry(ratelimit.NewFakeClock(0), nil)
	p := New(registry, cfg, nil)
	handler := p.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/special/thing", nil)
	req.Header.Set("Authorization", "Bearer 1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-RateLimit-Algorithm") != "token-bucket" {
		t.Errorf("expected the matched pattern's algorithm to apply, got %q", rec.Header().Get("X-RateLimit-Algorithm"))
	}
}
