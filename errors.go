package keel

import "errors"

var (
	// Capacity errors.
	ErrQueueFull    = errors.New("keel: queue full")
	ErrQueueStopped = errors.New("keel: queue stopped")

	// Execution errors.
	ErrTaskTimeout = errors.New("keel: task execution timed out")
	ErrBreakerOpen = errors.New("keel: circuit breaker is open")
	ErrRateLimited = errors.New("keel: rate limit exceeded")

	// Not found errors.
	ErrTaskNotFound    = errors.New("keel: task not found")
	ErrHandlerNotFound = errors.New("keel: no handler registered for task")

	// Configuration errors. Never retried; surfaced at construction time.
	ErrInvalidConfig = errors.New("keel: invalid configuration")

	// Store errors.
	ErrNoStore     = errors.New("keel: no store configured")
	ErrStoreClosed = errors.New("keel: store closed")
)
