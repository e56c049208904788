// Package circuitbreaker guards upstream providers against repeated
// failure. Each live provider instance gets its own breaker; the
// dispatcher treats an open breaker as an unavailable provider and
// falls through to the next one by priority.
//
// State transitions:
//
//	Closed → Open      when consecutive failures ≥ failureThreshold
//	Open → HalfOpen    after the open timeout elapses
//	HalfOpen → Closed  when consecutive successes ≥ successThreshold
//	HalfOpen → Open    on any failure
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/ferro-labs/llm-bridge/internal/metrics"
)

// State represents the breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards a single provider. The provider id labels the
// exported state gauge.
type CircuitBreaker struct {
	mu               sync.Mutex
	provider         string
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time
}

// New creates a breaker for the named provider. Defaults are applied
// for zero or negative values: failureThreshold=5, successThreshold=1,
// timeout=30s.
func New(provider string, failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		provider:         provider,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
	cb.exportState()
	return cb
}

// State returns the current state, transitioning Open→HalfOpen when the
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState()
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	if cb.state == StateOpen && time.Now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.exportState()
	}
	return cb.state
}

// Allow reports whether a call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.exportState()
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.successCount = 0
		cb.trip()
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openUntil = time.Now().Add(cb.timeout)
	cb.exportState()
}

// exportState must be called with cb.mu held.
func (cb *CircuitBreaker) exportState() {
	metrics.CircuitBreakerState.WithLabelValues(cb.provider).Set(float64(cb.state))
}
