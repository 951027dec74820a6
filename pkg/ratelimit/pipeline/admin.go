package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// algorithmTags enumerates the five known algorithm tags in a fixed order,
// used both by the algorithms admin operation and to fan reset/stats out
// deterministically.
var algorithmTags = []string{
	"token-bucket",
	"leaky-bucket",
	"fixed-window",
	"sliding-window-log",
	"sliding-window-counter",
}

var algorithmDescriptions = map[string]string{
	"token-bucket":           "Fixed-capacity bucket refilled at a constant rate; bursts up to capacity, then throttles to the refill rate.",
	"leaky-bucket":           "Fixed-capacity queue drained at a constant rate; admits while queue level is below capacity.",
	"fixed-window":           "Counts requests in a fixed-length window; counter resets at each window boundary.",
	"sliding-window-log":     "Tracks individual request timestamps; admits while fewer than capacity fall within the trailing window.",
	"sliding-window-counter": "Approximates a sliding window by weighting the previous window's count against elapsed time into the current one.",
}

// Admin exposes the §6 admin surface (stats, reset, algorithms) as plain
// http.Handlers over the same Registry the Pipeline admits through.
type Admin struct {
	registry ratelimit.EngineSource
	config   *Config
}

// NewAdmin constructs an Admin surface backed by registry and config.
// registry may be an in-memory *ratelimit.Registry or a
// *redisengine.Registry.
func NewAdmin(registry ratelimit.EngineSource, config *Config) *Admin {
	return &Admin{registry: registry, config: config}
}

type statsResponse struct {
	Algorithm string         `json:"algorithm"`
	UserID    string         `json:"userId"`
	Stats     map[string]any `json:"stats"`
	Timestamp int64          `json:"timestamp"`
}

// Stats implements `stats(user_id, algorithm)`: it resolves the engine for
// the requested algorithm under its configured default parameters and
// returns that engine's diagnostic snapshot for the user's principal key.
func (a *Admin) Stats(ctx context.Context, userID, algorithm string) (statsResponse, error) {
	policy, err := a.config.policyFor(algorithm, nil)
	if err != nil {
		return statsResponse{}, err
	}
	engine, err := a.registry.Engine(policy)
	if err != nil {
		return statsResponse{}, err
	}
	stats, err := engine.Stats(ctx, userID)
	if err != nil {
		return statsResponse{}, err
	}
	return statsResponse{
		Algorithm: algorithm,
		UserID:    userID,
		Stats:     stats,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

type resetResponse struct {
	Message      string            `json:"message"`
	UserID       string            `json:"userId"`
	ResetResults map[string]string `json:"resetResults"`
	Timestamp    int64             `json:"timestamp"`
}

// Reset implements `reset(user_id)`: it resets userID's state across every
// currently memoized engine (§7 kind 4, admin operation failure). A single
// engine's failure is recorded in ResetResults and never aborts the batch.
func (a *Admin) Reset(ctx context.Context, userID string) resetResponse {
	results := make(map[string]string, len(algorithmTags))
	for _, engine := range a.registry.Engines() {
		tag := engine.AlgorithmTag()
		if err := engine.Reset(ctx, userID); err != nil {
			wrapped := fmt.Errorf("%w: %v", ratelimit.ErrAdminOperation, err)
			results[tag] = "failed: " + wrapped.Error()
			continue
		}
		results[tag] = "success"
	}
	return resetResponse{
		Message:      "rate limit state reset",
		UserID:       userID,
		ResetResults: results,
		Timestamp:    time.Now().UnixMilli(),
	}
}

type algorithmsResponse struct {
	Algorithms map[string]string `json:"algorithms"`
}

// Algorithms implements `algorithms`: an enumeration of known algorithm
// tags with human descriptions.
func (a *Admin) Algorithms() algorithmsResponse {
	out := make(map[string]string, len(algorithmTags))
	for _, tag := range algorithmTags {
		out[tag] = algorithmDescriptions[tag]
	}
	return algorithmsResponse{Algorithms: out}
}

// StatsHandler adapts Stats to an http.Handler reading `user_id` and
// `algorithm` query parameters.
func (a *Admin) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		algorithm := r.URL.Query().Get("algorithm")
		resp, err := a.Stats(r.Context(), userID, algorithm)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, resp)
	})
}

// ResetHandler adapts Reset to an http.Handler reading the `user_id` query
// parameter.
func (a *Admin) ResetHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		writeJSON(w, a.Reset(r.Context(), userID))
	})
}

// AlgorithmsHandler adapts Algorithms to an http.Handler.
func (a *Admin) AlgorithmsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.Algorithms())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
