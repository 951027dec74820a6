package ratelimit

import "golang.org/x/time/rate"

// NewXTimeReferenceLimiter builds a golang.org/x/time/rate.Limiter configured
// to the same (capacity, rate) as a TOKEN_BUCKET policy. It exists purely as
// a cross-check: tests and benchmarks compare MemoryTokenBucket's
// integer-granular refill (§9) against the standard library's continuous
// refill to document where the two formulations diverge under sub-second
// bursts, not as a production code path.
func NewXTimeReferenceLimiter(policy Policy) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(policy.Rate), int(policy.Capacity))
}
