package kvdoc

import (
	"errors"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source shared by the lifecycle tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(3, 100*time.Millisecond).WithClock(clock.Now)

	if cb.State() != BreakerClosed {
		t.Errorf("Expected initial state closed, got %s", cb.State())
	}

	// Record 3 failures to open circuit
	testErr := errors.New("dial refused")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != BreakerOpen {
		t.Errorf("Expected state open after 3 failures, got %s", cb.State())
	}

	// Dials fail fast when open
	err := cb.Execute(func() error {
		t.Error("Should not execute when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}

	clock.Advance(150 * time.Millisecond)

	// Half-open probe succeeds and closes the circuit
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("Expected state closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	var transitions []BreakerState
	cb := NewCircuitBreaker(1, time.Second).
		WithClock(clock.Now).
		WithStateChangeCallback(func(from, to BreakerState) {
			transitions = append(transitions, to)
		})

	_ = cb.Execute(func() error { return errors.New("boom") })
	clock.Advance(2 * time.Second)
	_ = cb.Execute(func() error { return errors.New("still down") })

	if cb.State() != BreakerOpen {
		t.Fatalf("Expected open after failed probe, got %s", cb.State())
	}
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Second)

	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.Failures() != 3 {
		t.Errorf("Expected 3 failures, got %d", cb.Failures())
	}

	// Success should reset counter in closed state
	_ = cb.Execute(func() error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("Expected failures reset to 0 after success, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != BreakerOpen {
		t.Fatalf("Expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != BreakerClosed || cb.Failures() != 0 {
		t.Errorf("Expected closed with 0 failures, got %s/%d", cb.State(), cb.Failures())
	}
}
