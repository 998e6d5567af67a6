package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitOpenError is returned by Allow when the breaker fails fast.
type CircuitOpenError struct {
	RetryAfterMs int64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: retry after %dms", e.RetryAfterMs)
}

// Breaker is a fail-fast gate independent per backend path: read-like
// "pull" and write-like "submit" paths each get their own instance. It
// is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	openFor          time.Duration

	state               State
	consecutiveFailures int
	openUntil           time.Time
}

// NewBreaker constructs a breaker starting closed.
func NewBreaker(failureThreshold int, openFor time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		openFor:          openFor,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed. A call in the open state
// before openUntil is rejected with CircuitOpenError; once openUntil has
// passed the breaker transitions to half_open and the call is allowed
// through as the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		now := time.Now()
		if now.Before(b.openUntil) {
			return &CircuitOpenError{RetryAfterMs: b.openUntil.Sub(now).Milliseconds()}
		}
		b.state = StateHalfOpen
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful call. From half_open it closes the
// breaker and clears the failure count; from closed it simply clears the
// count. A success recorded while open (a caller that bypassed Allow)
// closes the breaker directly.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
}

// RecordFailure reports a failed call. Fail-fast rejections (Allow
// returning CircuitOpenError) must never reach here — only calls that were
// actually allowed through count against the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip()
		}
	case StateOpen:
		// Shouldn't happen if callers respect Allow, but keep it inert.
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = time.Now().Add(b.openFor)
}

// State returns the breaker's current state for observability.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure count for observability.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
