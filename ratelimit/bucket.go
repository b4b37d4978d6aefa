package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keelhq/keel"
)

// ──────────────────────────────────────────────────
// Token bucket
// ──────────────────────────────────────────────────

// TokenBucket maintains a continuously refilled token balance per key
// (golang.org/x/time/rate). Acquire waits proportionally to the token
// deficit, then consumes one token. Bursts up to capacity are allowed.
type TokenBucket struct {
	capacity int

	mu     sync.Mutex
	refill float64 // tokens per second
	keys   map[string]*rate.Limiter
}

// NewTokenBucket creates a token-bucket limiter with the given capacity
// and refill rate (tokens per second) per key.
func NewTokenBucket(capacity int, refillPerSecond float64) (*TokenBucket, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: bucket capacity must be >= 1, got %d", keel.ErrInvalidConfig, capacity)
	}
	if refillPerSecond <= 0 {
		return nil, fmt.Errorf("%w: refill rate must be > 0, got %v", keel.ErrInvalidConfig, refillPerSecond)
	}
	return &TokenBucket{
		capacity: capacity,
		refill:   refillPerSecond,
		keys:     make(map[string]*rate.Limiter),
	}, nil
}

// Acquire waits for one token for the key.
func (t *TokenBucket) Acquire(ctx context.Context, key string) error {
	return t.limiter(key).Wait(ctx)
}

func (t *TokenBucket) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim := t.keys[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(t.refill), t.capacity)
		t.keys[key] = lim
	}
	return lim
}

// SetRate changes the refill rate for all keys, current and future.
func (t *TokenBucket) SetRate(perSecond float64) {
	if perSecond <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refill = perSecond
	for _, lim := range t.keys {
		lim.SetLimit(rate.Limit(perSecond))
	}
}

// Rate returns the current refill rate (tokens per second).
func (t *TokenBucket) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refill
}

// Stats returns the key's enforced rate. Token balances are continuous,
// so InWindow is always zero here.
func (t *TokenBucket) Stats(key string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Key: key, Rate: t.refill}
}

// ──────────────────────────────────────────────────
// Leaky bucket
// ──────────────────────────────────────────────────

// LeakyBucket admits callers into a fixed-capacity queue per key and
// releases them at a fixed leak rate, strictly FIFO. Unlike the other
// strategies, Acquire rejects immediately with keel.ErrRateLimited when
// the queue is full — this is the one strategy whose failure mode is
// rejection rather than blocking.
//
// Close stops the per-key leak goroutines; a closed bucket rejects all
// acquires.
type LeakyBucket struct {
	capacity int

	mu     sync.Mutex
	leak   float64 // releases per second
	keys   map[string]*leakState
	closed bool
	wg     sync.WaitGroup
	stopCh chan struct{}
}

type leakState struct {
	queue chan chan struct{}
	depth int
}

// NewLeakyBucket creates a leaky-bucket limiter with the given admission
// queue capacity and leak rate (releases per second) per key.
func NewLeakyBucket(capacity int, leakPerSecond float64) (*LeakyBucket, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: bucket capacity must be >= 1, got %d", keel.ErrInvalidConfig, capacity)
	}
	if leakPerSecond <= 0 {
		return nil, fmt.Errorf("%w: leak rate must be > 0, got %v", keel.ErrInvalidConfig, leakPerSecond)
	}
	return &LeakyBucket{
		capacity: capacity,
		leak:     leakPerSecond,
		keys:     make(map[string]*leakState),
		stopCh:   make(chan struct{}),
	}, nil
}

// Acquire joins the key's admission queue, or rejects immediately if the
// queue is at capacity.
func (l *LeakyBucket) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return keel.ErrRateLimited
	}
	st := l.keys[key]
	if st == nil {
		st = &leakState{queue: make(chan chan struct{}, l.capacity)}
		l.keys[key] = st
		l.wg.Add(1)
		go l.leakLoop(st)
	}

	release := make(chan struct{}, 1)
	select {
	case st.queue <- release:
		st.depth++
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		return keel.ErrRateLimited
	}

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		// The queue slot has already been claimed; the leak loop will
		// drain the abandoned waiter at its normal rate.
		return ctx.Err()
	case <-l.stopCh:
		return keel.ErrRateLimited
	}
}

// leakLoop releases queued callers for one key at the configured rate.
func (l *LeakyBucket) leakLoop(st *leakState) {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		interval := time.Duration(float64(time.Second) / l.leak)
		l.mu.Unlock()

		select {
		case <-l.stopCh:
			return
		case <-time.After(interval):
		}

		select {
		case release := <-st.queue:
			l.mu.Lock()
			st.depth--
			l.mu.Unlock()
			release <- struct{}{}
		default:
		}
	}
}

// SetRate changes the leak rate for all keys.
func (l *LeakyBucket) SetRate(perSecond float64) {
	if perSecond <= 0 {
		return
	}
	l.mu.Lock()
	l.leak = perSecond
	l.mu.Unlock()
}

// Rate returns the current leak rate (releases per second).
func (l *LeakyBucket) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leak
}

// Stats returns the key's queued waiter count.
func (l *LeakyBucket) Stats(key string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Key: key, Rate: l.leak}
	if st := l.keys[key]; st != nil {
		s.InWindow = st.depth
	}
	return s
}

// Close stops all leak goroutines and rejects subsequent acquires.
func (l *LeakyBucket) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}
