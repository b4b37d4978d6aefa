// Package ratelimit provides a per-key throttle gate with four
// interchangeable strategies: fixed window, sliding window, token bucket,
// and leaky bucket. All strategies share one Acquire contract; only the
// leaky bucket rejects immediately at capacity, the rest block the
// caller until a slot frees.
//
// An optional [Adaptive] controller adjusts a strategy's rate on a fixed
// evaluation interval based on success/error outcomes reported by the
// caller.
//
// Each key (e.g., a domain) owns independent state, mutated only by the
// limiter itself under Acquire; callers never touch bucket internals.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is the per-key throttle gate.
type Limiter interface {
	// Acquire blocks until the key may proceed, or fails with
	// keel.ErrRateLimited (leaky bucket only) or the context's error.
	Acquire(ctx context.Context, key string) error

	// Stats returns a snapshot for the key. Pull-based; zero value for
	// keys never seen.
	Stats(key string) Stats
}

// Adjustable is implemented by strategies whose sustained rate can be
// retuned at runtime. The adaptive controller feeds its adjusted rate
// back through SetRate.
type Adjustable interface {
	Limiter

	// SetRate changes the sustained rate (requests per second).
	SetRate(perSecond float64)

	// Rate returns the current sustained rate (requests per second).
	Rate() float64
}

// Stats is a point-in-time snapshot of one key's limiter state.
type Stats struct {
	// Key is the caller-supplied key.
	Key string
	// Rate is the sustained requests-per-second currently enforced.
	Rate float64
	// InWindow is the number of requests counted in the current window
	// (window strategies) or queued waiters (leaky bucket). Zero for
	// the token bucket, which has no discrete window.
	InWindow int
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
