// Package pushserver implements the relay's single HTTP ingress surface:
// a bearer-authenticated POST endpoint that validates, rate limits, and
// hands inbound messages to the bounded work queue, plus /health and
// /ready probes.
package pushserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/openclaw-relay/internal/queue"
	"github.com/basket/openclaw-relay/internal/relaytypes"
)

const maxBodyBytes = 15 << 20 // ~15 MiB, generous headroom for base64-encoded media

// Health is the shape returned by a caller-supplied health probe.
type Health struct {
	OK      bool                   `json:"ok"`
	Ready   bool                   `json:"ready"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Enqueuer is the bounded work queue's push-server-facing contract.
type Enqueuer interface {
	Enqueue(msg relaytypes.InboundMessage) error
}

// Config configures a Server.
type Config struct {
	PushPath              string
	Token                 string
	RateLimitPerSecond    int
	MaxConcurrentRequests int
	Queue                 Enqueuer
	GetHealth             func() Health
	Logger                *slog.Logger
}

// Server is the push server (component E).
type Server struct {
	cfg    Config
	logger *slog.Logger
	schema *jsonschema.Schema

	limiter     *secondWindowLimiter
	inFlight    atomic.Int32
	maxInFlight int32
}

// New builds a Server. It panics if the embedded schema fails to
// compile, which would indicate a programming error, not a runtime one.
func New(cfg Config) *Server {
	if cfg.PushPath == "" {
		cfg.PushPath = "/relay/messages"
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 10
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileInboundMessageSchema()
	if err != nil {
		panic(err)
	}
	return &Server{
		cfg:         cfg,
		logger:      logger.With("component", "pushserver"),
		schema:      schema,
		limiter:     newSecondWindowLimiter(cfg.RateLimitPerSecond),
		maxInFlight: int32(cfg.MaxConcurrentRequests),
	}
}

// Handler returns the complete mux: the push path, /health, and /ready.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.PushPath, s.handlePush)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	return mux
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message, Details: details})
}

// handlePush applies the ingress protections in a fixed order: method
// and path are already matched by the mux (anything else 404s through
// Go's default mux behavior); everything past that is ours.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "method not allowed on this path", nil)
		return
	}

	if !s.checkAuth(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", nil)
		return
	}

	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
		return
	}

	if s.inFlight.Add(1) > s.maxInFlight {
		s.inFlight.Add(-1)
		writeError(w, http.StatusServiceUnavailable, "BUSY", "too many concurrent requests", nil)
		return
	}
	defer s.inFlight.Add(-1)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw interface{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds the size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body", err.Error())
		return
	}
	if err := s.schema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "body failed schema validation", err.Error())
		return
	}

	var msg relaytypes.InboundMessage
	body, _ := json.Marshal(raw)
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "body did not decode into InboundMessage", err.Error())
		return
	}

	err := s.cfg.Queue.Enqueue(msg)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "relay is shutting down", nil)
	default:
		var full *queue.ErrFull
		if errors.As(err, &full) {
			writeError(w, http.StatusTooManyRequests, "QUEUE_FULL", "queue is full", map[string]int{"maxQueue": full.MaxQueue})
			return
		}
		s.logger.Error("unexpected enqueue error", "error", err)
		writeError(w, http.StatusInternalServerError, "PUSH_SERVER_ERROR", "internal error", nil)
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeHealth(w, false)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.writeHealth(w, true)
}

func (s *Server) writeHealth(w http.ResponseWriter, readinessProbe bool) {
	h := Health{OK: true, Ready: true}
	if s.cfg.GetHealth != nil {
		h = s.cfg.GetHealth()
	}
	status := http.StatusOK
	if !h.OK || (readinessProbe && !h.Ready) {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  map[bool]string{true: "ok", false: "unavailable"}[status == http.StatusOK],
		"ok":      h.OK,
		"ready":   h.Ready,
		"details": h.Details,
	})
}
