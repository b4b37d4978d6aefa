// Package keel provides a resilient, priority-aware task scheduling and
// adaptive concurrency-control core for Go. It executes units of work under
// a bounded concurrency budget, retries failures with pluggable backoff,
// quarantines permanently-failing tasks in a dead letter queue, and throttles
// execution with multi-strategy rate limiting and circuit breaking.
//
// Keel is designed as a library, not a service. Import it, construct a
// queue, and submit tasks as ordinary Go functions.
//
// # Quick Start
//
//	q, err := queue.New(keel.DefaultConfig())
//	if err != nil { ... }
//	q.Start()
//	err = q.Add(task.New(func(ctx context.Context) (any, error) {
//	    return fetch(ctx, url)
//	}, task.WithPriority(task.PriorityHigh)))
//
// # Architecture
//
// Each concern lives in its own package: ordering (pqueue), terminal
// failures (dlq), retry delays (backoff), throttling (ratelimit), call
// guarding (breaker), generic bounded fan-out (concurrency), and the
// orchestrating lifecycle engine (queue). RateLimiter and CircuitBreaker
// are composable primitives invoked by task bodies themselves, not fixed
// pipeline stages.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package keel
