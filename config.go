package keel

import (
	"fmt"
	"time"
)

// Config holds configuration for a task queue.
type Config struct {
	// Concurrency is the maximum number of tasks processed concurrently.
	// Must be at least 1.
	Concurrency int

	// MaxQueueSize is the maximum number of pending tasks. Add rejects
	// with ErrQueueFull once this many tasks are waiting.
	MaxQueueSize int

	// MaxRetries is the number of retry attempts before a task is moved
	// to the dead letter queue. Zero disables retries.
	MaxRetries int

	// RetryDelay is the base delay fed to the backoff strategy.
	RetryDelay time.Duration

	// Timeout is the per-task execution budget. A task that does not
	// settle within this duration is treated as failed; its underlying
	// work is not forcibly aborted.
	Timeout time.Duration

	// EnableDeadLetter controls whether exhausted tasks are copied into
	// the dead letter queue.
	EnableDeadLetter bool

	// DeadLetterCapacity bounds the dead letter queue. The oldest entry
	// is evicted when full.
	DeadLetterCapacity int

	// PollInterval is how long the scheduler loop sleeps when the queue
	// is empty or the concurrency budget is exhausted.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time Stop waits for in-flight tasks
	// during graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		MaxQueueSize:       10000,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		Timeout:            5 * time.Minute,
		EnableDeadLetter:   true,
		DeadLetterCapacity: 10000,
		PollInterval:       50 * time.Millisecond,
		ShutdownTimeout:    30 * time.Second,
	}
}

// Validate checks the configuration and reports the first violation.
// Invalid values fail fast here rather than surfacing mid-run.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("%w: max queue size must be >= 1, got %d", ErrInvalidConfig, c.MaxQueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must be >= 0, got %v", ErrInvalidConfig, c.RetryDelay)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0, got %v", ErrInvalidConfig, c.Timeout)
	}
	if c.EnableDeadLetter && c.DeadLetterCapacity < 1 {
		return fmt.Errorf("%w: dead letter capacity must be >= 1, got %d", ErrInvalidConfig, c.DeadLetterCapacity)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0, got %v", ErrInvalidConfig, c.PollInterval)
	}
	return nil
}
