// Package resilience provides the backoff schedule, bounded retry loop, and
// circuit breaker state machine shared by the Gateway client and the
// backend callback client.
package resilience

import (
	"math/rand"
	"time"
)

// maxTimerMs is the platform timer cap (~2.1e9 ms, the 32-bit signed
// millisecond limit some runtimes impose on timer values).
const maxTimerMs = int64(2_147_483_647)

// Schedule is a fixed, table-driven sequence of base delays. It is
// deliberately not exponential: operators tune the exact recovery curve by
// editing the table rather than a growth factor.
type Schedule struct {
	BaseDelayMs []int64
	JitterMs    int64
}

// DefaultGatewaySchedule mirrors the chat runner's retry backoff: a short
// burst-recovery curve that flattens out rather than growing unbounded.
func DefaultGatewaySchedule() Schedule {
	return Schedule{
		BaseDelayMs: []int64{250, 500, 1000, 2000, 4000},
		JitterMs:    250,
	}
}

// DefaultBackendSchedule mirrors the backend callback retry policy: 5
// attempts against the submit circuit breaker.
func DefaultBackendSchedule() Schedule {
	return Schedule{
		BaseDelayMs: []int64{500, 1000, 2000, 4000, 8000},
		JitterMs:    500,
	}
}

// Delay returns the delay for attempt index i (0-based): the table entry
// clamped to the last row, plus a uniform jitter in [0, JitterMs).
func (s Schedule) Delay(i int) time.Duration {
	if len(s.BaseDelayMs) == 0 {
		return 0
	}
	idx := i
	if idx >= len(s.BaseDelayMs) {
		idx = len(s.BaseDelayMs) - 1
	}
	base := s.BaseDelayMs[idx]
	jitter := int64(0)
	if s.JitterMs > 0 {
		jitter = rand.Int63n(s.JitterMs)
	}
	ms := base + jitter
	ms = ClampTimerMs(ms)
	return time.Duration(ms) * time.Millisecond
}

// ClampTimerMs caps a millisecond duration to the platform timer maximum.
// Callers that clamp should log a warning; this helper only enforces the
// cap, since it has no logger of its own.
func ClampTimerMs(ms int64) int64 {
	if ms > maxTimerMs {
		return maxTimerMs
	}
	if ms < 0 {
		return 0
	}
	return ms
}

// ReconnectBackoff implements the Gateway client's multiplicative
// reconnect schedule: 1s up to 30s, factor 1.5, reset to 1s on success.
type ReconnectBackoff struct {
	current time.Duration
	min     time.Duration
	max     time.Duration
	factor  float64
}

// NewReconnectBackoff builds the backoff with its fixed parameters.
func NewReconnectBackoff() *ReconnectBackoff {
	return &ReconnectBackoff{
		current: time.Second,
		min:     time.Second,
		max:     30 * time.Second,
		factor:  1.5,
	}
}

// Next returns the current delay and advances the schedule.
func (b *ReconnectBackoff) Next() time.Duration {
	d := b.current
	next := time.Duration(float64(b.current) * b.factor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return d
}

// Reset returns the schedule to its minimum delay, called after a
// successful HelloOk.
func (b *ReconnectBackoff) Reset() {
	b.current = b.min
}
