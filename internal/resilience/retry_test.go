package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		Attempts: 5,
		Schedule: Schedule{BaseDelayMs: []int64{1}, JitterMs: 0},
		ShouldRetry: func(err error, attempt int) bool {
			return errors.Is(err, errTransient)
		},
	}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		Attempts: 5,
		Schedule: Schedule{BaseDelayMs: []int64{1}},
		ShouldRetry: func(err error, attempt int) bool {
			return errors.Is(err, errTransient)
		},
	}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		Attempts: 3,
		Schedule: Schedule{BaseDelayMs: []int64{1}},
		ShouldRetry: func(err error, attempt int) bool {
			return true
		},
	}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last error returned, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		Attempts: 5,
		Schedule: Schedule{BaseDelayMs: []int64{50}},
		ShouldRetry: func(err error, attempt int) bool {
			return true
		},
	}
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls > 2 {
		t.Fatalf("expected cancellation to cut retries short, got %d calls", calls)
	}
}
