package pushserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/openclaw-relay/internal/pushserver"
	"github.com/basket/openclaw-relay/internal/relaytypes"
)

type fakeQueue struct {
	enqueueErr error
	received   []relaytypes.InboundMessage
}

func (q *fakeQueue) Enqueue(msg relaytypes.InboundMessage) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.received = append(q.received, msg)
	return nil
}

func validChatBody() []byte {
	body := map[string]interface{}{
		"messageId": "m-1",
		"input": map[string]interface{}{
			"kind":        "chat",
			"sessionKey":  "s-1",
			"messageText": "hello",
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func newTestServer(q pushserver.Enqueuer) *pushserver.Server {
	return pushserver.New(pushserver.Config{
		PushPath:              "/relay/messages",
		Token:                 "secret",
		RateLimitPerSecond:    1,
		MaxConcurrentRequests: 8,
		Queue:                 q,
	})
}

func postPush(t *testing.T, h http.Handler, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/relay/messages", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPushAcceptsValidMessage(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(q)
	rec := postPush(t, s.Handler(), "secret", validChatBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.received) != 1 {
		t.Fatalf("expected message to reach the queue, got %d", len(q.received))
	}
}

func TestPushRejectsMissingAuth(t *testing.T) {
	s := newTestServer(&fakeQueue{})
	rec := postPush(t, s.Handler(), "", validChatBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPushRejectsBadSchema(t *testing.T) {
	s := newTestServer(&fakeQueue{})
	body, _ := json.Marshal(map[string]interface{}{"messageId": "m-1"})
	rec := postPush(t, s.Handler(), "secret", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing input, got %d", rec.Code)
	}
}

func TestPushEnforcesPerSecondRateLimit(t *testing.T) {
	s := newTestServer(&fakeQueue{})
	first := postPush(t, s.Handler(), "secret", validChatBody())
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}
	second := postPush(t, s.Handler(), "secret", validChatBody())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request in the same second to be rate limited, got %d", second.Code)
	}
}

func TestPushRejectsOversizedBody(t *testing.T) {
	s := newTestServer(&fakeQueue{})
	oversized := make([]byte, 16<<20)
	for i := range oversized {
		oversized[i] = ' '
	}
	rec := postPush(t, s.Handler(), "secret", oversized)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d: %s", rec.Code, rec.Body.String())
	}
	var got struct{ Code string }
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if got.Code != "BODY_TOO_LARGE" {
		t.Fatalf("expected BODY_TOO_LARGE code, got %q", got.Code)
	}
}

func TestHealthReflectsGetHealth(t *testing.T) {
	s := pushserver.New(pushserver.Config{
		Queue: &fakeQueue{},
		GetHealth: func() pushserver.Health {
			return pushserver.Health{OK: true, Ready: false}
		},
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected /health to ignore readiness and report 200, got %d", rec2.Code)
	}
}
