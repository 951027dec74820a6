package ratelimit

import "fmt"

// Kind identifies one of the five admission algorithms.
type Kind string

const (
	KindTokenBucket     Kind = "TOKEN_BUCKET"
	KindLeakyBucket     Kind = "LEAKY_BUCKET"
	KindFixedWindow     Kind = "FIXED_WINDOW"
	KindSlidingLog      Kind = "SLIDING_LOG"
	KindSlidingCounter  Kind = "SLIDING_COUNTER"
)

// algorithmTag returns the lowercase kebab tag reported in Decision.Algorithm.
func (k Kind) algorithmTag() (string, error) {
	switch k {
	case KindTokenBucket:
		return "token-bucket", nil
	case KindLeakyBucket:
		return "leaky-bucket", nil
	case KindFixedWindow:
		return "fixed-window", nil
	case KindSlidingLog:
		return "sliding-window-log", nil
	case KindSlidingCounter:
		return "sliding-window-counter", nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm kind %q", ErrConfiguration, k)
	}
}

// KeyStrategy selects how the admission pipeline derives a principal key
// from an inbound request.
type KeyStrategy string

const (
	// KeyByClientAddr uses the caller's network address.
	KeyByClientAddr KeyStrategy = "client_addr"
	// KeyByUserID uses the authenticated user id extracted from the
	// Authorization bearer header.
	KeyByUserID KeyStrategy = "user_id"
	// KeyByEndpoint uses the request path as the key, effectively sharing
	// one bucket across all callers of that path.
	KeyByEndpoint KeyStrategy = "endpoint"
	// KeyLiteral uses a caller-supplied constant string.
	KeyLiteral KeyStrategy = "literal"
)

// Policy is an immutable admission configuration. Fields not relevant to
// the chosen Kind are ignored by that Kind's engine.
type Policy struct {
	Kind Kind

	// Capacity is the bucket size or window request limit. Must be >= 1.
	Capacity int64

	// Rate is tokens/leaks per second for TOKEN_BUCKET and LEAKY_BUCKET.
	// Must be >= 0 (constructors reject <= 0; 0 is reserved for the zero
	// value of unrelated Kinds).
	Rate float64

	// WindowMillis is the window length for window algorithms.
	WindowMillis int64

	// SubWindows is the number of sub-buckets per window, counter only.
	SubWindows int64

	// KeyStrategy governs how the admission pipeline derives K for this
	// policy. Informational for the engines themselves, which never
	// inspect K.
	KeyStrategy KeyStrategy

	// FallbackPrincipal is used by the admission pipeline when principal
	// extraction fails (e.g. missing/unparseable Bearer token).
	FallbackPrincipal string
}

// Validate checks the configuration-error conditions from §7: invalid
// capacity, rate, window, or unknown algorithm tag.
func (p Policy) Validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1, got %d", ErrConfiguration, p.Capacity)
	}
	switch p.Kind {
	case KindTokenBucket, KindLeakyBucket:
		if p.Rate <= 0 {
			return fmt.Errorf("%w: rate must be > 0, got %v", ErrConfiguration, p.Rate)
		}
	case KindFixedWindow, KindSlidingLog:
		if p.WindowMillis < 1 {
			return fmt.Errorf("%w: window_ms must be >= 1, got %d", ErrConfiguration, p.WindowMillis)
		}
	case KindSlidingCounter:
		if p.WindowMillis < 1 {
			return fmt.Errorf("%w: window_ms must be >= 1, got %d", ErrConfiguration, p.WindowMillis)
		}
		if p.SubWindows < 1 {
			return fmt.Errorf("%w: sub_windows must be >= 1, got %d", ErrConfiguration, p.SubWindows)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm kind %q", ErrConfiguration, p.Kind)
	}
	if _, err := p.Kind.algorithmTag(); err != nil {
		return err
	}
	return nil
}

// registryKey identifies the memoization bucket in the engine registry: two
// policies with identical parameters share one engine instance.
type registryKey struct {
	kind       Kind
	capacity   int64
	rate       float64
	windowMs   int64
	subWindows int64
}

func (p Policy) registryKey() registryKey {
	return registryKey{
		kind:       p.Kind,
		capacity:   p.Capacity,
		rate:       p.Rate,
		windowMs:   p.WindowMillis,
		subWindows: p.SubWindows,
	}
}
