// Package concurrency provides a generic bounded-parallelism executor
// with adaptive scaling. It is decoupled from the task queue's retry and
// dead-letter logic: use it where only bounded fan-out with adaptive
// limits is needed.
//
// The target concurrency is adjusted by a hysteresis controller, not
// proportional control: ±1 step per evaluation, deliberately conservative
// to avoid oscillation. The hard ceiling MaxConcurrent is never exceeded
// regardless of the controller's target.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keelhq/keel"
)

// Config holds executor tuning parameters.
type Config struct {
	// MinConcurrent and MaxConcurrent bound the adaptive target.
	// MaxConcurrent is the hard ceiling.
	MinConcurrent int
	MaxConcurrent int

	// InitialConcurrent is the starting target. Zero means MaxConcurrent.
	InitialConcurrent int

	// ScaleUpThreshold raises the target by 1 when the rolling success
	// rate is at or above it. ScaleDownThreshold lowers it by 1 when
	// the rate is at or below it. Between the two the target holds.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// EvalInterval is the adaptive evaluation period.
	EvalInterval time.Duration

	// SampleWindow is how far back performance samples count.
	SampleWindow time.Duration

	// Timeout is the per-execution budget. Zero disables the race.
	Timeout time.Duration

	// PollInterval is how long a waiting execution sleeps between
	// capacity checks.
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinConcurrent:      1,
		MaxConcurrent:      10,
		InitialConcurrent:  5,
		ScaleUpThreshold:   0.95,
		ScaleDownThreshold: 0.7,
		EvalInterval:       5 * time.Second,
		SampleWindow:       30 * time.Second,
		Timeout:            time.Minute,
		PollInterval:       10 * time.Millisecond,
	}
}

// Validate checks the configuration and reports the first violation.
func (c Config) Validate() error {
	if c.MinConcurrent < 1 {
		return fmt.Errorf("%w: min concurrent must be >= 1, got %d", keel.ErrInvalidConfig, c.MinConcurrent)
	}
	if c.MaxConcurrent < c.MinConcurrent {
		return fmt.Errorf("%w: max concurrent %d below min %d", keel.ErrInvalidConfig, c.MaxConcurrent, c.MinConcurrent)
	}
	if c.InitialConcurrent != 0 && (c.InitialConcurrent < c.MinConcurrent || c.InitialConcurrent > c.MaxConcurrent) {
		return fmt.Errorf("%w: initial concurrent %d outside [%d, %d]", keel.ErrInvalidConfig, c.InitialConcurrent, c.MinConcurrent, c.MaxConcurrent)
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		return fmt.Errorf("%w: scale-up threshold must be in (0, 1], got %v", keel.ErrInvalidConfig, c.ScaleUpThreshold)
	}
	if c.ScaleDownThreshold < 0 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("%w: scale-down threshold must be in [0, scale-up), got %v", keel.ErrInvalidConfig, c.ScaleDownThreshold)
	}
	if c.EvalInterval <= 0 {
		return fmt.Errorf("%w: eval interval must be > 0, got %v", keel.ErrInvalidConfig, c.EvalInterval)
	}
	if c.SampleWindow <= 0 {
		return fmt.Errorf("%w: sample window must be > 0, got %v", keel.ErrInvalidConfig, c.SampleWindow)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0, got %v", keel.ErrInvalidConfig, c.PollInterval)
	}
	return nil
}

// sample is one immutable performance record in the rolling history.
type sample struct {
	at       time.Time
	success  bool
	duration time.Duration
}

// Stats is a point-in-time snapshot of the executor.
type Stats struct {
	Active             int
	CurrentConcurrency int
	MaxConcurrent      int
	SuccessRate        float64
	Samples            int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager executes functions under an adaptive concurrency budget.
// Safe for concurrent use. Manager does not retry: a caller awaiting
// Execute sees the function's own final error.
type Manager struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	active  int
	current int // adaptive target, distinct from the hard ceiling
	samples []sample
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Manager. Configuration errors surface here and are
// never retried.
func New(config Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	initial := config.InitialConcurrent
	if initial == 0 {
		initial = config.MaxConcurrent
	}
	m := &Manager{
		config:  config,
		logger:  slog.Default(),
		current: initial,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the adaptive evaluation loop. Execute works without it,
// but the target concurrency stays fixed until Start is called.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	m.wg.Add(1)
	go m.evaluateLoop()
}

// Stop halts the evaluation loop and waits for it to finish. In-flight
// executions are unaffected.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// Execute runs fn under the concurrency budget, returning its result or
// propagating its error. Waiting for a slot polls at PollInterval; it
// never busy-spins.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	start := time.Now()
	result, err := m.runWithTimeout(ctx, fn)
	m.record(err == nil, time.Since(start))
	return result, err
}

// ExecuteMany runs all fns concurrently under the budget and returns
// their results in order. The first error cancels the remaining waits
// and is returned.
func (m *Manager) ExecuteMany(ctx context.Context, fns []func(ctx context.Context) (any, error)) ([]any, error) {
	results := make([]any, len(fns))

	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range fns {
		g.Go(func() error {
			r, err := m.Execute(gctx, fn)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ExecuteBatch runs fns in chunks of batchSize, sleeping interBatchDelay
// between chunks, a throughput-shaping primitive. With stopOnFirstError
// set, a failure cancels its in-flight batch peers and aborts the
// remaining batches; without it every fn runs to completion and the
// first error is returned alongside the results gathered so far.
func (m *Manager) ExecuteBatch(
	ctx context.Context,
	fns []func(ctx context.Context) (any, error),
	batchSize int,
	interBatchDelay time.Duration,
	stopOnFirstError bool,
) ([]any, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1, got %d", keel.ErrInvalidConfig, batchSize)
	}

	results := make([]any, 0, len(fns))
	var firstErr error

	for start := 0; start < len(fns); start += batchSize {
		end := min(start+batchSize, len(fns))

		var batchResults []any
		var err error
		if stopOnFirstError {
			batchResults, err = m.ExecuteMany(ctx, fns[start:end])
		} else {
			batchResults, err = m.executeAll(ctx, fns[start:end])
		}
		results = append(results, batchResults...)
		if err != nil && firstErr == nil {
			firstErr = err
			if stopOnFirstError {
				break
			}
		}

		if end < len(fns) && interBatchDelay > 0 {
			timer := time.NewTimer(interBatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return results, ctx.Err()
			}
		}
	}
	return results, firstErr
}

// executeAll runs all fns concurrently under the budget with no shared
// cancellation: each fn sees the caller's context, and a failing fn
// never stops its peers. Results are ordered; the error is the first
// failure by slice position.
func (m *Manager) executeAll(ctx context.Context, fns []func(ctx context.Context) (any, error)) ([]any, error) {
	results := make([]any, len(fns))
	errs := make([]error, len(fns))

	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Execute(ctx, fn)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Stats returns a snapshot of the executor.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune(time.Now())
	return Stats{
		Active:             m.active,
		CurrentConcurrency: m.current,
		MaxConcurrent:      m.config.MaxConcurrent,
		SuccessRate:        m.successRate(),
		Samples:            len(m.samples),
	}
}

// acquire waits for a free slot under the current target.
func (m *Manager) acquire(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.active < m.current {
			m.active++
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		timer := time.NewTimer(m.config.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()
}

// runWithTimeout races fn against the configured budget. On timeout the
// slot is freed and the failure recorded, but the underlying work is not
// forcibly aborted — fn receives a cancelled context as a best-effort
// signal and may keep running in the background.
func (m *Manager) runWithTimeout(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if m.config.Timeout <= 0 {
		return fn(ctx)
	}

	fnCtx, cancel := context.WithCancel(ctx)

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := fn(fnCtx)
		done <- outcome{result: r, err: err}
	}()

	timer := time.NewTimer(m.config.Timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		cancel()
		return o.result, o.err
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("%w after %v", keel.ErrTaskTimeout, m.config.Timeout)
	}
}

// record appends a performance sample to the rolling history.
func (m *Manager) record(success bool, duration time.Duration) {
	now := time.Now()
	m.mu.Lock()
	m.samples = append(m.samples, sample{at: now, success: success, duration: duration})
	m.prune(now)
	m.mu.Unlock()
}

// prune drops samples outside the window. Caller holds m.mu.
func (m *Manager) prune(now time.Time) {
	cutoff := now.Add(-m.config.SampleWindow)
	i := 0
	for i < len(m.samples) && !m.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0:0], m.samples[i:]...)
	}
}

// successRate over the rolling window. Caller holds m.mu.
func (m *Manager) successRate() float64 {
	if len(m.samples) == 0 {
		return 1
	}
	ok := 0
	for _, s := range m.samples {
		if s.success {
			ok++
		}
	}
	return float64(ok) / float64(len(m.samples))
}

func (m *Manager) evaluateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

// evaluate applies one hysteresis step to the concurrency target.
func (m *Manager) evaluate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune(time.Now())
	if len(m.samples) == 0 {
		return
	}
	rate := m.successRate()
	old := m.current

	switch {
	case rate >= m.config.ScaleUpThreshold && m.current < m.config.MaxConcurrent:
		m.current++
	case rate <= m.config.ScaleDownThreshold && m.current > m.config.MinConcurrent:
		m.current--
	}

	if m.current != old {
		m.logger.Debug("concurrency target adjusted",
			slog.Float64("success_rate", rate),
			slog.Int("old", old),
			slog.Int("new", m.current),
		)
	}
}
