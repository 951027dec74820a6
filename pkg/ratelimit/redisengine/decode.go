package redisengine

import (
	"strconv"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
)

// decodeTripleDecision converts the {allowed, remaining, reset_epoch_ms}
// triple every admission script returns into a ratelimit.Decision,
// preserving the package's invariant that a DENY always carries
// remaining=0 and a derived retry_after_s.
func decodeTripleDecision(result interface{}, nowMillis int64, algorithmTag string) (ratelimit.Decision, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return ratelimit.Decision{}, &scriptResponseError{algorithm: algorithmTag}
	}
	allowed := toInt64(values[0])
	remaining := toInt64(values[1])
	resetEpochMs := toInt64(values[2])

	if allowed == 1 {
		return ratelimit.NewAllowDecision(remaining, resetEpochMs, algorithmTag), nil
	}
	return ratelimit.NewDenyDecision(resetEpochMs, nowMillis, algorithmTag), nil
}

type scriptResponseError struct{ algorithm string }

func (e *scriptResponseError) Error() string {
	return "ratelimit: unexpected script response shape for " + e.algorithm
}

func parseInt64(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// parseHashPair decodes an HMGET([a, b]) result for token/leaky bucket
// state, falling back to (fullCapacity, now) when the hash does not yet
// exist.
func parseHashPair(vals []interface{}, fallbackA, fallbackB float64) (a, b float64) {
	a, b = fallbackA, fallbackB
	if len(vals) != 2 {
		return
	}
	if vals[0] != nil {
		if s, ok := vals[0].(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				a = f
			}
		}
	}
	if vals[1] != nil {
		if s, ok := vals[1].(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				b = f
			}
		}
	}
	return
}
