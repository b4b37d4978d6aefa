package backoff_test

import (
	"testing"
	"time"

	"github.com/keelhq/keel/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsByIncrement(t *testing.T) {
	l := backoff.NewLinear(time.Second, 500*time.Millisecond, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 1500 * time.Millisecond},
		{3, 2 * time.Second},
		{5, 3 * time.Second},
		{11, 6 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := backoff.NewLinear(time.Second, time.Second, 5*time.Second)

	if got := l.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
	if got := l.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
}

func TestExponential_Monotonic(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomMultiplier(t *testing.T) {
	e := &backoff.Exponential{Initial: time.Second, Multiplier: 3, Max: time.Hour}

	if got := e.Delay(3); got != 9*time.Second {
		t.Errorf("Delay(3) = %v, want 9s", got)
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	// Attempt 5 = 16s > 10s max → should return 10s.
	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestFibonacci_FollowsSequence(t *testing.T) {
	f := backoff.NewFibonacci(100*time.Millisecond, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond}, // fib 1
		{2, 100 * time.Millisecond}, // fib 1
		{3, 200 * time.Millisecond}, // fib 2
		{4, 300 * time.Millisecond}, // fib 3
		{5, 500 * time.Millisecond}, // fib 5
		{6, 800 * time.Millisecond}, // fib 8
	}
	for _, tt := range tests {
		if got := f.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestFibonacci_CapsAtMax(t *testing.T) {
	f := backoff.NewFibonacci(time.Second, 5*time.Second)

	if got := f.Delay(30); got != 5*time.Second {
		t.Errorf("Delay(30) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
	// Absurd attempt counts must not overflow.
	if got := f.Delay(500); got != 5*time.Second {
		t.Errorf("Delay(500) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 5; attempt++ {
		maxDelay := 10 * time.Second // capped at Max

		for range 100 {
			got := e.Delay(attempt)
			if got < 0 {
				t.Errorf("Delay(%d) = %v, should be >= 0", attempt, got)
			}
			if got > maxDelay {
				t.Errorf("Delay(%d) = %v, should be <= %v", attempt, got, maxDelay)
			}
		}
	}
}

func TestDecorrelated_WithinBounds(t *testing.T) {
	d := backoff.NewDecorrelated(time.Second, 30*time.Second)

	prev := time.Second
	for attempt := 1; attempt <= 20; attempt++ {
		got := d.Delay(attempt)
		if got < time.Second {
			t.Errorf("Delay(%d) = %v, should be >= Initial", attempt, got)
		}
		if got > 30*time.Second {
			t.Errorf("Delay(%d) = %v, should be <= Max", attempt, got)
		}
		upper := prev * 3
		if upper > 30*time.Second {
			upper = 30 * time.Second
		}
		if got > upper {
			t.Errorf("Delay(%d) = %v, should be <= prev*3 (%v)", attempt, got, upper)
		}
		prev = got
	}
}

func TestDecorrelated_ResetRestartsSequence(t *testing.T) {
	d := backoff.NewDecorrelated(time.Second, time.Hour)

	for range 10 {
		d.Delay(1)
	}
	d.Reset()

	// First draw after Reset is bounded by Initial*3 again.
	if got := d.Delay(1); got > 3*time.Second {
		t.Errorf("Delay after Reset = %v, want <= 3s", got)
	}
}

func TestWithJitter_SymmetricBounds(t *testing.T) {
	base := backoff.NewConstant(10 * time.Second)
	j := backoff.WithJitter(base, 0.2, time.Minute)

	for range 200 {
		got := j.Delay(1)
		if got < 8*time.Second || got > 12*time.Second {
			t.Errorf("Delay = %v, want within ±20%% of 10s", got)
		}
	}
}

func TestWithJitter_ClampsFactor(t *testing.T) {
	j := backoff.WithJitter(backoff.NewConstant(time.Second), 5.0, 0)
	if j.Factor != 1 {
		t.Errorf("Factor = %v, want clamped to 1", j.Factor)
	}
	j = backoff.WithJitter(backoff.NewConstant(time.Second), -1, 0)
	if j.Factor != 0 {
		t.Errorf("Factor = %v, want clamped to 0", j.Factor)
	}
}

func TestWithJitter_ProducesVariance(t *testing.T) {
	j := backoff.WithJitter(backoff.NewExponential(time.Second, time.Minute), 0.5, time.Minute)

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[j.Delay(3)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestDefaultStrategy_ReturnsExponentialWithJitter(t *testing.T) {
	s := backoff.DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy() returned nil")
	}

	d := s.Delay(1)
	if d < 0 {
		t.Errorf("DefaultStrategy().Delay(1) = %v, should be >= 0", d)
	}
	if d > time.Second {
		t.Errorf("DefaultStrategy().Delay(1) = %v, should be <= 1s (initial)", d)
	}
}
