package queue_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/openclaw-relay/internal/queue"
)

func TestEnqueueFailsWhenClosed(t *testing.T) {
	q := queue.New(1, 4, func(item int) {})
	defer q.Close()

	q.StopAccepting()
	if err := q.Enqueue(1); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := queue.New(1, 1, func(item int) {
		<-block
	})
	defer func() {
		close(block)
		q.Close()
	}()

	if err := q.Enqueue(1); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	waitUntil(t, func() bool { return q.GetState().InFlight == 1 }, time.Second)

	if err := q.Enqueue(2); err != nil {
		t.Fatalf("second enqueue should fill the queue, not fail: %v", err)
	}

	var full *queue.ErrFull
	err := q.Enqueue(3)
	if !errors.As(err, &full) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if full.MaxQueue != 1 {
		t.Fatalf("expected maxQueue=1 in error, got %d", full.MaxQueue)
	}
}

func TestWorkersProcessUpToConcurrency(t *testing.T) {
	var active, maxActive atomic.Int32
	done := make(chan struct{})
	q := queue.New(3, 10, func(item int) {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		<-done
		active.Add(-1)
	})
	defer func() {
		close(done)
		q.Close()
	}()

	for i := 0; i < 6; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitUntil(t, func() bool { return maxActive.Load() == 3 }, time.Second)
}

func TestDrainWaitsForEmptyAndIdle(t *testing.T) {
	release := make(chan struct{})
	q := queue.New(1, 4, func(item int) {
		<-release
	})
	defer q.Close()

	if err := q.Enqueue(1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	if !q.Drain(time.Second) {
		t.Fatalf("expected drain to succeed once processing finished")
	}
	state := q.GetState()
	if state.QueueLength != 0 || state.InFlight != 0 {
		t.Fatalf("expected empty/idle state after drain, got %#v", state)
	}
}

func TestDrainTimesOutWhileStuck(t *testing.T) {
	block := make(chan struct{})
	q := queue.New(1, 4, func(item int) {
		<-block
	})
	defer func() {
		close(block)
		q.Close()
	}()

	if err := q.Enqueue(1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, func() bool { return q.GetState().InFlight == 1 }, time.Second)

	if q.Drain(10 * time.Millisecond) {
		t.Fatalf("expected drain to report false while a worker is stuck")
	}
}

func waitUntil(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
