package kvdoc

import (
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops a Connection from redialing a backend that keeps
// refusing sessions.
//
// States:
//   - Closed: dials pass through
//   - Open: too many consecutive dial failures, dials fail fast with ErrBackendUnavailable
//   - Half-Open: reset timeout elapsed, the next dial decides
type CircuitBreaker struct {
	mu            sync.Mutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	now           func() time.Time
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and half-opens once resetTimeout has passed.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		now:          time.Now,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// WithClock replaces the time source used for the reset timeout.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"reason":   "circuit breaker is open",
			"failures": cb.Failures(),
		})
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
		cb.setState(BreakerHalfOpen)
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()

		// A failed probe reopens immediately.
		if cb.state == BreakerHalfOpen || (cb.failures >= cb.maxFailures && cb.state != BreakerOpen) {
			cb.setState(BreakerOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state != BreakerClosed {
		cb.setState(BreakerClosed)
	}
}

// setState transitions to a new state and triggers callback. Caller holds mu.
func (cb *CircuitBreaker) setState(newState BreakerState) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns current circuit breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(BreakerClosed)
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
