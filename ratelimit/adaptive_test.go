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

// stubAdjustable records SetRate calls without enforcing anything.
type stubAdjustable struct {
	mu   sync.Mutex
	rate float64
}

func (s *stubAdjustable) Acquire(_ context.Context, _ string) error { return nil }
func (s *stubAdjustable) Stats(key string) ratelimit.Stats {
	return ratelimit.Stats{Key: key, Rate: s.Rate()}
}

func (s *stubAdjustable) SetRate(r float64) {
	s.mu.Lock()
	s.rate = r
	s.mu.Unlock()
}

func (s *stubAdjustable) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func adaptiveConfig() ratelimit.AdaptiveConfig {
	return ratelimit.AdaptiveConfig{
		TargetErrorRate: 0.2,
		IncreaseStep:    1,
		DecreaseStep:    2,
		MinRate:         1,
		MaxRate:         10,
		Interval:        20 * time.Millisecond,
	}
}

func waitForRate(t *testing.T, s *stubAdjustable, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Rate() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("rate = %v, want %v", s.Rate(), want)
}

func TestAdaptive_RaisesRateWhenHealthy(t *testing.T) {
	stub := &stubAdjustable{rate: 5}
	a, err := ratelimit.NewAdaptive(stub, adaptiveConfig())
	if err != nil {
		t.Fatalf("NewAdaptive error: %v", err)
	}
	a.Start()
	defer a.Stop()

	// All successes: error rate 0 < target/2 → rate climbs by one step.
	for range 20 {
		a.RecordSuccess()
	}
	waitForRate(t, stub, 6)
}

func TestAdaptive_LowersRateWhenErrorRateHigh(t *testing.T) {
	stub := &stubAdjustable{rate: 5}
	a, err := ratelimit.NewAdaptive(stub, adaptiveConfig())
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	defer a.Stop()

	// 50% errors > 20% target → rate drops by one decrease step.
	for range 10 {
		a.RecordSuccess()
		a.RecordError()
	}
	waitForRate(t, stub, 3)
}

func TestAdaptive_ClampsToBounds(t *testing.T) {
	stub := &stubAdjustable{rate: 2}
	cfg := adaptiveConfig()
	cfg.DecreaseStep = 100
	a, err := ratelimit.NewAdaptive(stub, cfg)
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	defer a.Stop()

	for range 10 {
		a.RecordError()
	}
	waitForRate(t, stub, cfg.MinRate)
}

func TestAdaptive_HoldsSteadyInDeadBand(t *testing.T) {
	stub := &stubAdjustable{rate: 5}
	a, err := ratelimit.NewAdaptive(stub, adaptiveConfig())
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	defer a.Stop()

	// 15% errors: above target/2, below target → hold.
	for range 100 {
		a.RecordSuccess()
	}
	for range 15 {
		a.RecordError()
	}
	time.Sleep(100 * time.Millisecond)
	if stub.Rate() != 5 {
		t.Errorf("rate = %v, want unchanged 5", stub.Rate())
	}
}

func TestAdaptive_NoSamplesNoAdjustment(t *testing.T) {
	stub := &stubAdjustable{rate: 5}
	a, err := ratelimit.NewAdaptive(stub, adaptiveConfig())
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	defer a.Stop()

	time.Sleep(100 * time.Millisecond)
	if stub.Rate() != 5 {
		t.Errorf("rate = %v, want unchanged 5 with no samples", stub.Rate())
	}
}

func TestNewAdaptive_RejectsInvalidConfig(t *testing.T) {
	bad := adaptiveConfig()
	bad.TargetErrorRate = 1.5
	if _, err := ratelimit.NewAdaptive(&stubAdjustable{}, bad); !errors.Is(err, keel.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}

	bad = adaptiveConfig()
	bad.MinRate = 10
	bad.MaxRate = 1
	if _, err := ratelimit.NewAdaptive(&stubAdjustable{}, bad); !errors.Is(err, keel.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}
