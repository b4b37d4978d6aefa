package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keelhq/keel"
)

// AdaptiveConfig tunes the adaptive rate controller.
type AdaptiveConfig struct {
	// TargetErrorRate is the acceptable error fraction (0..1). Above it
	// the rate is lowered; below half of it the rate is raised.
	TargetErrorRate float64

	// IncreaseStep is added to the rate on a healthy evaluation.
	IncreaseStep float64

	// DecreaseStep is subtracted from the rate on an unhealthy one.
	DecreaseStep float64

	// MinRate and MaxRate clamp the adjusted rate.
	MinRate float64
	MaxRate float64

	// Interval is the evaluation period.
	Interval time.Duration
}

// DefaultAdaptiveConfig returns an AdaptiveConfig with sensible defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		TargetErrorRate: 0.1,
		IncreaseStep:    1,
		DecreaseStep:    2,
		MinRate:         1,
		MaxRate:         100,
		Interval:        10 * time.Second,
	}
}

// Validate checks the configuration and reports the first violation.
func (c AdaptiveConfig) Validate() error {
	if c.TargetErrorRate <= 0 || c.TargetErrorRate >= 1 {
		return fmt.Errorf("%w: target error rate must be in (0, 1), got %v", keel.ErrInvalidConfig, c.TargetErrorRate)
	}
	if c.IncreaseStep <= 0 || c.DecreaseStep <= 0 {
		return fmt.Errorf("%w: adjustment steps must be > 0", keel.ErrInvalidConfig)
	}
	if c.MinRate <= 0 || c.MaxRate < c.MinRate {
		return fmt.Errorf("%w: rate bounds must satisfy 0 < min <= max, got [%v, %v]", keel.ErrInvalidConfig, c.MinRate, c.MaxRate)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: evaluation interval must be > 0, got %v", keel.ErrInvalidConfig, c.Interval)
	}
	return nil
}

// Adaptive wraps an Adjustable strategy and retunes its rate on a fixed
// evaluation interval from caller-reported outcomes. Orthogonal to the
// strategy choice: any Adjustable works.
type Adaptive struct {
	limiter Adjustable
	config  AdaptiveConfig
	logger  *slog.Logger

	mu        sync.Mutex
	successes int
	errors    int
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// AdaptiveOption configures an Adaptive controller.
type AdaptiveOption func(*Adaptive)

// WithAdaptiveLogger sets the structured logger.
func WithAdaptiveLogger(l *slog.Logger) AdaptiveOption {
	return func(a *Adaptive) { a.logger = l }
}

// NewAdaptive creates an adaptive controller over the given strategy.
// Call Start to begin evaluations.
func NewAdaptive(limiter Adjustable, config AdaptiveConfig, opts ...AdaptiveOption) (*Adaptive, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &Adaptive{
		limiter: limiter,
		config:  config,
		logger:  slog.Default(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Acquire delegates to the wrapped strategy.
func (a *Adaptive) Acquire(ctx context.Context, key string) error {
	return a.limiter.Acquire(ctx, key)
}

// Stats delegates to the wrapped strategy.
func (a *Adaptive) Stats(key string) Stats {
	return a.limiter.Stats(key)
}

// RecordSuccess reports a successful call outcome.
func (a *Adaptive) RecordSuccess() {
	a.mu.Lock()
	a.successes++
	a.mu.Unlock()
}

// RecordError reports a failed call outcome.
func (a *Adaptive) RecordError() {
	a.mu.Lock()
	a.errors++
	a.mu.Unlock()
}

// Start launches the evaluation loop. It returns immediately.
func (a *Adaptive) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true

	a.wg.Add(1)
	go a.evaluateLoop()
}

// Stop halts the evaluation loop and waits for it to finish.
func (a *Adaptive) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
}

func (a *Adaptive) evaluateLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.evaluate()
		}
	}
}

// evaluate retunes the wrapped strategy from the outcomes observed since
// the previous evaluation. The window resets each time.
func (a *Adaptive) evaluate() {
	a.mu.Lock()
	successes, errors := a.successes, a.errors
	a.successes, a.errors = 0, 0
	a.mu.Unlock()

	total := successes + errors
	if total == 0 {
		return
	}
	errRate := float64(errors) / float64(total)
	current := a.limiter.Rate()
	next := current

	switch {
	case errRate > a.config.TargetErrorRate:
		next = current - a.config.DecreaseStep
	case errRate < a.config.TargetErrorRate/2:
		next = current + a.config.IncreaseStep
	}

	if next < a.config.MinRate {
		next = a.config.MinRate
	}
	if next > a.config.MaxRate {
		next = a.config.MaxRate
	}
	if next == current {
		return
	}

	a.limiter.SetRate(next)
	a.logger.Debug("adaptive rate adjusted",
		slog.Float64("error_rate", errRate),
		slog.Float64("old_rate", current),
		slog.Float64("new_rate", next),
		slog.Int("samples", total),
	)
}
