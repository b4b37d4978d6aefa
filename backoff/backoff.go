// Package backoff provides pluggable retry delay strategies for task
// execution. All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay by a fixed increment each attempt.
// Delay = min(Initial + Increment*(attempt-1), Max).
type Linear struct {
	Initial   time.Duration
	Increment time.Duration
	Max       time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, increment, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Increment: increment, Max: maxDelay}
}

// Delay returns Initial + Increment*(attempt-1), capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial + l.Increment*time.Duration(attempt-1)
	return clamp(d, l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential multiplies the delay each attempt.
// Delay = min(Initial * Multiplier^(attempt-1), Max).
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponential creates an exponential backoff strategy with the
// conventional multiplier of 2.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Multiplier: 2, Max: maxDelay}
}

// Delay returns Initial * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(e.Initial) * math.Pow(mult, float64(attempt-1)))
	return clamp(d, e.Max)
}

// ──────────────────────────────────────────────────
// Fibonacci
// ──────────────────────────────────────────────────

// Fibonacci scales the delay by the Fibonacci sequence.
// Delay = min(Initial * fib(attempt), Max), where fib(1) = fib(2) = 1.
type Fibonacci struct {
	Initial time.Duration
	Max     time.Duration
}

// NewFibonacci creates a fibonacci backoff strategy.
func NewFibonacci(initial, maxDelay time.Duration) *Fibonacci {
	return &Fibonacci{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * fib(attempt), capped at Max.
func (f *Fibonacci) Delay(attempt int) time.Duration {
	a, b := 1, 1
	for i := 2; i < attempt; i++ {
		a, b = b, a+b
		// Max caps the result; bail out early before fib overflows on
		// large attempt counts.
		if f.Max > 0 && time.Duration(b)*f.Initial >= f.Max {
			return f.Max
		}
	}
	return clamp(f.Initial*time.Duration(b), f.Max)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Decorrelated jitter
// ──────────────────────────────────────────────────

// Decorrelated implements decorrelated jitter: each delay is drawn from
// [Initial, prev*3], where prev is the previously returned delay. Unlike
// the other strategies it keeps the previous delay as internal state, so
// one instance should serve one retry sequence (or call Reset between
// sequences).
type Decorrelated struct {
	Initial time.Duration
	Max     time.Duration

	mu   sync.Mutex
	prev time.Duration
}

// NewDecorrelated creates a decorrelated jitter strategy.
func NewDecorrelated(initial, maxDelay time.Duration) *Decorrelated {
	return &Decorrelated{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [Initial, prev*3], capped at Max.
func (d *Decorrelated) Delay(_ int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.prev
	if prev < d.Initial {
		prev = d.Initial
	}
	span := float64(prev*3 - d.Initial)
	next := d.Initial + time.Duration(rand.Float64()*span) //nolint:gosec // jitter intentionally uses non-crypto rand
	next = clamp(next, d.Max)
	d.prev = next
	return next
}

// Reset clears the previous-delay state for a new retry sequence.
func (d *Decorrelated) Reset() {
	d.mu.Lock()
	d.prev = 0
	d.mu.Unlock()
}

// ──────────────────────────────────────────────────
// Symmetric jitter wrapper
// ──────────────────────────────────────────────────

// Jittered wraps another strategy and applies symmetric jitter of
// ±Factor to its computed delay. The result is still capped at Max.
type Jittered struct {
	Base   Strategy
	Factor float64
	Max    time.Duration
}

// WithJitter wraps base with symmetric ±factor jitter. Factor is clamped
// to [0, 1].
func WithJitter(base Strategy, factor float64, maxDelay time.Duration) *Jittered {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	return &Jittered{Base: base, Factor: factor, Max: maxDelay}
}

// Delay returns the base delay perturbed by a random value in
// [-Factor, +Factor] of itself, capped at Max.
func (j *Jittered) Delay(attempt int) time.Duration {
	base := float64(j.Base.Delay(attempt))
	offset := (rand.Float64()*2 - 1) * j.Factor * base //nolint:gosec // jitter intentionally uses non-crypto rand
	d := time.Duration(base + offset)
	if d < 0 {
		d = 0
	}
	return clamp(d, j.Max)
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the queue:
// ExponentialWithJitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

func clamp(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
