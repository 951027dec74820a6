package ratelimit

// Decision is the immutable result of an admission check.
//
// Invariants: Allowed implies RetryAfterSeconds == 0; !Allowed implies
// Remaining == 0 and ResetEpochMillis > the time the decision was made.
type Decision struct {
	Allowed          bool
	Remaining        int64
	ResetEpochMillis int64
	RetryAfterSeconds int64
	Algorithm        string
}

func deny(resetEpochMillis, nowMillis int64, algorithm string) Decision {
	return NewDenyDecision(resetEpochMillis, nowMillis, algorithm)
}

func allow(remaining, resetEpochMillis int64, algorithm string) Decision {
	return NewAllowDecision(remaining, resetEpochMillis, algorithm)
}

// NewDenyDecision builds a DENY decision with the invariant-respecting
// retry_after_s derived from (resetEpochMillis - nowMillis). Exported so
// other backends (e.g. redisengine) that decode their own wire format can
// still produce a Decision with the same invariants as the in-memory
// engines.
func NewDenyDecision(resetEpochMillis, nowMillis int64, algorithm string) Decision {
	retryAfter := CeilDiv(resetEpochMillis-nowMillis, 1000)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:           false,
		Remaining:         0,
		ResetEpochMillis:  resetEpochMillis,
		RetryAfterSeconds: retryAfter,
		Algorithm:         algorithm,
	}
}

// NewAllowDecision builds an ALLOW decision. See NewDenyDecision.
func NewAllowDecision(remaining, resetEpochMillis int64, algorithm string) Decision {
	return Decision{
		Allowed:          true,
		Remaining:        remaining,
		ResetEpochMillis: resetEpochMillis,
		Algorithm:        algorithm,
	}
}

// CeilDiv computes ceil(a/b) for positive b, treating negative a as 0
// before dividing (retry-after is never negative).
func CeilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
