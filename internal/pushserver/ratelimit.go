package pushserver

import (
	"sync"
	"time"
)

// secondWindowLimiter rate-limits by wall-clock second: each caller gets
// up to limit requests in the current second; the counter resets the
// instant the wall-clock second changes. This is a per-second windowed
// limit rather than a smoothly-refilling bucket, so the boundary behavior
// (N allowed per second, the (N+1)th in the same second rejected) is exact.
type secondWindowLimiter struct {
	limit int

	mu          sync.Mutex
	windowStart int64
	count       int
}

func newSecondWindowLimiter(limit int) *secondWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &secondWindowLimiter{limit: limit}
}

func (l *secondWindowLimiter) Allow() bool {
	return l.allowAt(time.Now())
}

func (l *secondWindowLimiter) allowAt(now time.Time) bool {
	sec := now.Unix()

	l.mu.Lock()
	defer l.mu.Unlock()
	if sec != l.windowStart {
		l.windowStart = sec
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
