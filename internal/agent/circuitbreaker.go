package agent

import (
	"sync"
	"time"
)

// CircuitState is one of the three circuit breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

const (
	openAfterFailures = 5
	cooldown          = 60 * time.Second
)

// CircuitBreaker is a per-lane breaker: OPEN after 5 consecutive failures,
// HALF_OPEN after a 60s cooldown, CLOSED on the next success.
type CircuitBreaker struct {
	mu              sync.Mutex
	consecutiveFail int
	openedAt        time.Time
	now             func() time.Time
}

// NewCircuitBreaker returns a CLOSED breaker.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{now: time.Now}
}

// State returns the breaker's current state, resolving OPEN -> HALF_OPEN
// as the cooldown elapses.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() CircuitState {
	if b.consecutiveFail < openAfterFailures {
		return CircuitClosed
	}
	if b.now().Sub(b.openedAt) >= cooldown {
		return CircuitHalfOpen
	}
	return CircuitOpen
}

// CanCall reports whether a new attempt may proceed.
func (b *CircuitBreaker) CanCall() bool {
	return b.State() != CircuitOpen
}

// CooldownRemaining returns how long is left before OPEN transitions to
// HALF_OPEN, used to build the immediate WAIT_AND_RETRY analysis.
func (b *CircuitBreaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() != CircuitOpen {
		return 0
	}
	remaining := cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordFailure increments the consecutive-failure count, opening the
// breaker once the threshold is hit.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail++
	if b.consecutiveFail >= openAfterFailures {
		// A failure at/above the threshold (re-)opens the breaker, including
		// a failed HALF_OPEN probe, which restarts the cooldown.
		b.openedAt = b.now()
	}
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
}
