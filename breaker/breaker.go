// Package breaker provides a three-state circuit breaker that guards
// calls to an unreliable external operation. Created closed, it opens
// after a run of consecutive failures, probes with a limited number of
// half-open calls after a cooldown, and closes again once enough probes
// succeed.
//
// State transitions are driven exclusively by call outcomes and elapsed
// time; no external mutation is permitted except ForceState, a test-only
// override.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keelhq/keel"
)

// State is one of the three breaker states.
type State string

const (
	// StateClosed means calls flow through normally.
	StateClosed State = "closed"
	// StateOpen means calls fail immediately with ErrBreakerOpen.
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probing calls are allowed.
	StateHalfOpen State = "half_open"
)

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit from closed.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before allowing
	// half-open probes.
	Timeout time.Duration

	// HalfOpenMaxAttempts caps in-flight probing calls while half-open.
	HalfOpenMaxAttempts int

	// ResetTimeout clears stale failure counters after the circuit has
	// stayed closed and healthy for this long. Zero disables the sweep.
	ResetTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxAttempts: 1,
		ResetTimeout:        time.Minute,
	}
}

// Validate checks the configuration and reports the first violation.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be >= 1, got %d", keel.ErrInvalidConfig, c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("%w: success threshold must be >= 1, got %d", keel.ErrInvalidConfig, c.SuccessThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0, got %v", keel.ErrInvalidConfig, c.Timeout)
	}
	if c.HalfOpenMaxAttempts < 1 {
		return fmt.Errorf("%w: half-open max attempts must be >= 1, got %d", keel.ErrInvalidConfig, c.HalfOpenMaxAttempts)
	}
	return nil
}

// Counts is a snapshot of the breaker's counters.
type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalCalls           int64
	TotalFailures        int64
	TotalSuccesses       int64
	TotalRejections      int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker guards calls to an unreliable operation. Safe for concurrent
// use. Open/half-open transitions are evaluated lazily on each call
// against the configured timeouts; no background goroutine runs.
type Breaker struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            State
	counts           Counts
	openedAt         time.Time
	lastFailureAt    time.Time
	lastTransition   time.Time
	halfOpenInFlight int
}

// New creates a Breaker in the closed state. Configuration errors
// surface here and are never retried.
func New(config Config, opts ...Option) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		config: config,
		logger: slog.Default(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b, nil
}

// Execute runs fn under the breaker's protection. While open it fails
// immediately with keel.ErrBreakerOpen without invoking fn; while
// half-open at most HalfOpenMaxAttempts probes run concurrently.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	b.afterCall(err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// beforeCall admits or rejects the call and accounts for half-open
// probe slots.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.config.Timeout {
			b.counts.TotalRejections++
			return keel.ErrBreakerOpen
		}
		// Cooldown elapsed: the next call becomes the first probe.
		b.transition(StateHalfOpen, now)
		b.halfOpenInFlight = 1
		b.counts.TotalCalls++
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxAttempts {
			b.counts.TotalRejections++
			return keel.ErrBreakerOpen
		}
		b.halfOpenInFlight++
		b.counts.TotalCalls++
		return nil

	default: // StateClosed
		// Clear stale failure counters after a healthy quiet period.
		if b.config.ResetTimeout > 0 &&
			b.counts.ConsecutiveFailures > 0 &&
			now.Sub(b.lastFailureAt) >= b.config.ResetTimeout {
			b.counts.ConsecutiveFailures = 0
		}
		b.counts.TotalCalls++
		return nil
	}
}

// afterCall records the outcome and drives state transitions.
func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0

		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		// Any half-open failure immediately reopens.
		b.transition(StateOpen, now)
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen, now)
		}
	}
}

// transition moves to the target state. Caller holds b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = now
	b.halfOpenInFlight = 0

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccesses = 0
	}

	b.logger.Info("circuit breaker state change",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// State returns the current state, applying any due open→half-open
// transition first so callers see the effective state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns a snapshot of the breaker's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// LastTransition returns when the breaker last changed state.
func (b *Breaker) LastTransition() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTransition
}

// ForceState overrides the breaker state. Test-only escape hatch; no
// production code path may call it.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.state = s
	b.lastTransition = now
	b.halfOpenInFlight = 0
	if s == StateOpen {
		b.openedAt = now
	}
	b.counts.ConsecutiveFailures = 0
	b.counts.ConsecutiveSuccesses = 0
}
