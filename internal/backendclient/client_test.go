package backendclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/openclaw-relay/internal/backendclient"
	"github.com/basket/openclaw-relay/internal/relaytypes"
	"github.com/basket/openclaw-relay/internal/resilience"
)

func TestSubmitSucceedsOnFirstAttempt(t *testing.T) {
	var received relaytypes.BackendCallback
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token header, got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := backendclient.New(backendclient.Config{BaseURL: srv.URL, Token: "tok", Attempts: 3, Schedule: resilience.Schedule{}})
	c.Submit(context.Background(), relaytypes.BackendCallback{RelayMessageID: "m1", Outcome: relaytypes.OutcomeReply})

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if received.RelayMessageID != "m1" {
		t.Fatalf("unexpected callback body: %+v", received)
	}
}

func TestSubmitRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := backendclient.New(backendclient.Config{BaseURL: srv.URL, Token: "tok", Attempts: 5, Schedule: resilience.Schedule{}})
	c.Submit(context.Background(), relaytypes.BackendCallback{RelayMessageID: "m2"})

	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSubmitDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := backendclient.New(backendclient.Config{BaseURL: srv.URL, Token: "tok", Attempts: 5, Schedule: resilience.Schedule{}})
	c.Submit(context.Background(), relaytypes.BackendCallback{RelayMessageID: "m3"})

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", calls)
	}
}

func TestSubmitTripsBreakerAndFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(2, time.Minute)
	c := backendclient.New(backendclient.Config{
		BaseURL: srv.URL, Token: "tok", Attempts: 1, Schedule: resilience.Schedule{}, Breaker: breaker,
	})

	c.Submit(context.Background(), relaytypes.BackendCallback{RelayMessageID: "m4"})
	c.Submit(context.Background(), relaytypes.BackendCallback{RelayMessageID: "m5"})
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("expected breaker to be open after threshold failures, got %s", breaker.State())
	}

	before := atomic.LoadInt32(&calls)
	c.Submit(context.Background(), relaytypes.BackendCallback{RelayMessageID: "m6"})
	if atomic.LoadInt32(&calls) != before {
		t.Fatalf("expected no server call while breaker is open")
	}
}
