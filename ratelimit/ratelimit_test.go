package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/ratelimit"
)

func TestFixedWindow_AllowsUpToLimit(t *testing.T) {
	fw, err := ratelimit.NewFixedWindow(5, time.Second)
	if err != nil {
		t.Fatalf("NewFixedWindow error: %v", err)
	}

	ctx := context.Background()
	start := time.Now()
	for i := range 5 {
		if err := fw.Acquire(ctx, "example.com"); err != nil {
			t.Fatalf("acquire %d error: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first 5 acquires took %v, should not block", elapsed)
	}

	if got := fw.Stats("example.com").InWindow; got != 5 {
		t.Errorf("InWindow = %d, want 5", got)
	}
}

func TestFixedWindow_BlocksUntilBoundary(t *testing.T) {
	fw, err := ratelimit.NewFixedWindow(1, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("NewFixedWindow error: %v", err)
	}

	ctx := context.Background()
	if err := fw.Acquire(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := fw.Acquire(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("second acquire waited %v, want <= one window", elapsed)
	}
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	fw, _ := ratelimit.NewFixedWindow(1, time.Minute)

	ctx := context.Background()
	if err := fw.Acquire(ctx, "a.com"); err != nil {
		t.Fatal(err)
	}
	// A different key is not affected by a.com's exhausted window.
	done := make(chan error, 1)
	go func() { done <- fw.Acquire(ctx, "b.com") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("b.com acquire blocked on a.com's window")
	}
}

func TestFixedWindow_ContextCancellation(t *testing.T) {
	fw, _ := ratelimit.NewFixedWindow(1, time.Minute)

	ctx := context.Background()
	fw.Acquire(ctx, "k")

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := fw.Acquire(cancelled, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSlidingWindow_SmoothsBoundary(t *testing.T) {
	sw, err := ratelimit.NewSlidingWindow(3, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSlidingWindow error: %v", err)
	}

	ctx := context.Background()
	for i := range 3 {
		if err := sw.Acquire(ctx, "k"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if got := sw.Stats("k").InWindow; got != 3 {
		t.Errorf("InWindow = %d, want 3", got)
	}

	// The 4th waits roughly until the oldest timestamp expires, not a
	// full window boundary.
	start := time.Now()
	if err := sw.Acquire(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond || elapsed > 400*time.Millisecond {
		t.Errorf("4th acquire waited %v, want ≈200ms (oldest expiry)", elapsed)
	}
}

func TestTokenBucket_BurstThenProportionalWait(t *testing.T) {
	tb, err := ratelimit.NewTokenBucket(20, 10)
	if err != nil {
		t.Fatalf("NewTokenBucket error: %v", err)
	}

	ctx := context.Background()

	// 20 immediate acquires succeed without delay (burst capacity).
	start := time.Now()
	for i := range 20 {
		if err := tb.Acquire(ctx, "k"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("burst of 20 took %v, should not block", elapsed)
	}

	// The 21st waits ≈100ms (one token at 10/s).
	start = time.Now()
	if err := tb.Acquire(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("21st acquire waited %v, want ≈100ms", elapsed)
	}
}

func TestTokenBucket_SetRateAppliesToExistingKeys(t *testing.T) {
	tb, _ := ratelimit.NewTokenBucket(1, 1)

	ctx := context.Background()
	tb.Acquire(ctx, "k") // drains the single token

	tb.SetRate(100)
	if tb.Rate() != 100 {
		t.Fatalf("Rate = %v, want 100", tb.Rate())
	}

	// Refill at 100/s: the next acquire completes quickly.
	start := time.Now()
	if err := tb.Acquire(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("acquire after SetRate waited %v, want ≈10ms", elapsed)
	}
}

func TestLeakyBucket_RejectsAtCapacity(t *testing.T) {
	lb, err := ratelimit.NewLeakyBucket(2, 1)
	if err != nil {
		t.Fatalf("NewLeakyBucket error: %v", err)
	}
	defer lb.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	// Fill the admission queue with two blocked waiters.
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lb.Acquire(ctx, "k")
		}()
	}

	// Queue observably full before testing rejection.
	deadline := time.Now().Add(time.Second)
	for lb.Stats("k").InWindow < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := lb.Acquire(ctx, "k"); !errors.Is(err, keel.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited (immediate rejection)", err)
	}
	wg.Wait()
}

func TestLeakyBucket_ReleasesAtLeakRate(t *testing.T) {
	lb, err := ratelimit.NewLeakyBucket(5, 20) // one release every 50ms
	if err != nil {
		t.Fatal(err)
	}
	defer lb.Close()

	ctx := context.Background()
	start := time.Now()
	for i := range 3 {
		if err := lb.Acquire(ctx, "k"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	// 3 releases at 20/s ≈ 150ms.
	if elapsed < 100*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Errorf("3 acquires took %v, want ≈150ms", elapsed)
	}
}

func TestConstructors_RejectInvalidConfig(t *testing.T) {
	if _, err := ratelimit.NewFixedWindow(0, time.Second); !errors.Is(err, keel.ErrInvalidConfig) {
		t.Errorf("NewFixedWindow(0): err = %v, want ErrInvalidConfig", err)
	}
	if _, err := ratelimit.NewSlidingWindow(1, 0); !errors.Is(err, keel.ErrInvalidConfig) {
		t.Errorf("NewSlidingWindow(window=0): err = %v, want ErrInvalidConfig", err)
	}
	if _, err := ratelimit.NewTokenBucket(0, 1); !errors.Is(err, keel.ErrInvalidConfig) {
		t.Errorf("NewTokenBucket(0): err = %v, want ErrInvalidConfig", err)
	}
	if _, err := ratelimit.NewLeakyBucket(1, 0); !errors.Is(err, keel.ErrInvalidConfig) {
		t.Errorf("NewLeakyBucket(rate=0): err = %v, want ErrInvalidConfig", err)
	}
}
