package ratelimit

import "errors"

// The four error kinds from §7. Call sites use errors.Is against these
// sentinels; engine constructors and the pipeline wrap them with context via
// fmt.Errorf("%w: ...").
var (
	// ErrConfiguration signals invalid capacity/rate/window or an unknown
	// algorithm tag, surfaced at engine construction.
	ErrConfiguration = errors.New("ratelimit: configuration error")

	// ErrTransport signals the shared-store backend could not reach its
	// backing store (connectivity or script error). Never returned from
	// admit/peek: the shared-store backend wraps it in the warning it logs
	// and returns a fail-open (or fail-closed) Decision instead. A failed
	// ping at backend construction is reported as ErrConfiguration.
	ErrTransport = errors.New("ratelimit: transport failure")

	// ErrStateCorruption signals an internal invariant violation (e.g. a
	// negative counter) detected mid-update. The engine resets the
	// affected key and denies the triggering request; this sentinel is
	// exposed for logging/metrics, not returned from admit.
	ErrStateCorruption = errors.New("ratelimit: state corruption")

	// ErrAdminOperation signals a single engine's reset/stats call failed
	// during a multi-engine admin operation. The batch records this error
	// per engine and continues.
	ErrAdminOperation = errors.New("ratelimit: admin operation failure")
)
