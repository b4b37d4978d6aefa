package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keelhq/keel"
)

// ──────────────────────────────────────────────────
// Fixed window
// ──────────────────────────────────────────────────

// FixedWindow counts requests in time buckets of fixed size. Once a
// bucket's count reaches the limit, callers block until the next bucket
// boundary and then retry. Bursty at boundaries by design; use
// SlidingWindow to smooth that out.
type FixedWindow struct {
	window time.Duration

	mu    sync.Mutex
	limit float64 // requests per window; float so SetRate is lossless
	keys  map[string]*fixedState
}

type fixedState struct {
	windowStart time.Time
	count       int
}

// NewFixedWindow creates a fixed-window limiter allowing limit requests
// per window per key.
func NewFixedWindow(limit int, window time.Duration) (*FixedWindow, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: window limit must be >= 1, got %d", keel.ErrInvalidConfig, limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be > 0, got %v", keel.ErrInvalidConfig, window)
	}
	return &FixedWindow{
		window: window,
		limit:  float64(limit),
		keys:   make(map[string]*fixedState),
	}, nil
}

// Acquire blocks until the key's current bucket has room.
func (f *FixedWindow) Acquire(ctx context.Context, key string) error {
	for {
		f.mu.Lock()
		now := time.Now()
		start := now.Truncate(f.window)

		st := f.keys[key]
		if st == nil {
			st = &fixedState{}
			f.keys[key] = st
		}
		if !st.windowStart.Equal(start) {
			st.windowStart = start
			st.count = 0
		}

		if st.count < int(f.limit) {
			st.count++
			f.mu.Unlock()
			return nil
		}

		wait := start.Add(f.window).Sub(now)
		f.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// SetRate retunes the limit to perSecond * window.
func (f *FixedWindow) SetRate(perSecond float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = perSecond * f.window.Seconds()
	if f.limit < 1 {
		f.limit = 1
	}
}

// Rate returns the sustained requests-per-second.
func (f *FixedWindow) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit / f.window.Seconds()
}

// Stats returns the key's current bucket usage.
func (f *FixedWindow) Stats(key string) Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Stats{Key: key, Rate: f.limit / f.window.Seconds()}
	if st := f.keys[key]; st != nil && time.Now().Truncate(f.window).Equal(st.windowStart) {
		s.InWindow = st.count
	}
	return s
}

// ──────────────────────────────────────────────────
// Sliding window
// ──────────────────────────────────────────────────

// SlidingWindow retains raw request timestamps and prunes those older
// than the window. When full, the wait time derives from the oldest
// retained timestamp's expiry instead of a fixed boundary, which avoids
// the fixed window's boundary burst.
type SlidingWindow struct {
	window time.Duration

	mu    sync.Mutex
	limit float64
	keys  map[string][]time.Time
}

// NewSlidingWindow creates a sliding-window limiter allowing limit
// requests per rolling window per key.
func NewSlidingWindow(limit int, window time.Duration) (*SlidingWindow, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: window limit must be >= 1, got %d", keel.ErrInvalidConfig, limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be > 0, got %v", keel.ErrInvalidConfig, window)
	}
	return &SlidingWindow{
		window: window,
		limit:  float64(limit),
		keys:   make(map[string][]time.Time),
	}, nil
}

// Acquire blocks until the key's rolling window has room.
func (s *SlidingWindow) Acquire(ctx context.Context, key string) error {
	for {
		s.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-s.window)

		stamps := s.keys[key]
		// Prune expired timestamps in place.
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}

		if len(kept) < int(s.limit) {
			s.keys[key] = append(kept, now)
			s.mu.Unlock()
			return nil
		}

		// Wait for the oldest retained timestamp to expire.
		wait := kept[0].Add(s.window).Sub(now)
		s.keys[key] = kept
		s.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// SetRate retunes the limit to perSecond * window.
func (s *SlidingWindow) SetRate(perSecond float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = perSecond * s.window.Seconds()
	if s.limit < 1 {
		s.limit = 1
	}
}

// Rate returns the sustained requests-per-second.
func (s *SlidingWindow) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit / s.window.Seconds()
}

// Stats returns the key's in-window request count.
func (s *SlidingWindow) Stats(key string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Key: key, Rate: s.limit / s.window.Seconds()}
	cutoff := time.Now().Add(-s.window)
	for _, ts := range s.keys[key] {
		if ts.After(cutoff) {
			st.InWindow++
		}
	}
	return st
}
