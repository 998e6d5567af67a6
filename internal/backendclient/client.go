// Package backendclient posts processed message outcomes back to the
// backend's relay callback endpoint, guarded by the shared retry and
// circuit breaker primitives of internal/resilience.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/openclaw-relay/internal/relaytypes"
	"github.com/basket/openclaw-relay/internal/resilience"
)

const callbackPath = "/api/v1/relays/messages"

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Breaker    *resilience.Breaker
	Schedule   resilience.Schedule
	Attempts   int
	Logger     *slog.Logger
}

// Client posts BackendCallback bodies to the backend.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a Client with sane defaults for any zero-valued field.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewBreaker(5, 30*time.Second)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Schedule.BaseDelayMs == nil {
		cfg.Schedule = resilience.DefaultBackendSchedule()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger.With("component", "backendclient")}
}

// Submit posts one backend callback. A failing callback is logged and
// dropped: no retry storm beyond the configured attempt budget, no local
// durability.
func (c *Client) Submit(ctx context.Context, callback relaytypes.BackendCallback) {
	body, err := json.Marshal(callback)
	if err != nil {
		c.logger.Error("marshal backend callback failed", "error", err, "messageId", callback.RelayMessageID)
		return
	}

	err = resilience.Do(ctx, resilience.RetryConfig{
		Attempts:    c.cfg.Attempts,
		Schedule:    c.cfg.Schedule,
		ShouldRetry: isRetryable,
		OnRetry: func(attempt int, err error, delayMs int64) {
			c.logger.Warn("retrying backend callback", "attempt", attempt, "delayMs", delayMs, "error", err)
		},
	}, func(ctx context.Context, attempt int) error {
		return c.post(ctx, body)
	})
	if err != nil {
		c.logger.Error("backend callback failed, dropping", "error", err, "messageId", callback.RelayMessageID)
	}
}

func (c *Client) post(ctx context.Context, body []byte) error {
	if allowErr := c.cfg.Breaker.Allow(); allowErr != nil {
		return allowErr
	}

	url := c.cfg.BaseURL + callbackPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.cfg.Breaker.RecordFailure()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.cfg.Breaker.RecordFailure()
		return &statusError{status: 0, err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.cfg.Breaker.RecordSuccess()
		return nil
	}
	c.cfg.Breaker.RecordFailure()
	return &statusError{status: resp.StatusCode}
}

// statusError carries the HTTP status (0 for a transport-level failure
// where no status line was ever read) so isRetryable can classify it.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("backend callback transport error: %v", e.err)
	}
	return fmt.Sprintf("backend callback returned status %d", e.status)
}

func (e *statusError) Unwrap() error { return e.err }

// isRetryable matches the backend callback classification: status
// undefined (transport failure), 5xx, or 429.
func isRetryable(err error, _ int) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	if se.status == 0 {
		return true
	}
	if se.status == http.StatusTooManyRequests {
		return true
	}
	return se.status >= 500 && se.status <= 599
}
