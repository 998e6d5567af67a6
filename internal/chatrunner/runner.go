package chatrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/openclaw-relay/internal/gateway"
	"github.com/basket/openclaw-relay/internal/relaytypes"
	"github.com/basket/openclaw-relay/internal/resilience"
)

const (
	minRemainingSlack = 500 * time.Millisecond
	usageTimeout       = 5 * time.Second
	abortTimeout       = 3 * time.Second
)

// Config configures a Runner.
type Config struct {
	Gateway        GatewayClient
	Transcriber    Transcriber // optional
	MediaCollector MediaCollector
	Uploader       Uploader // optional
	Sessions       SessionEnumerator
	Attempts       int
	Schedule       resilience.Schedule
	Logger         *slog.Logger
}

// Runner is the chat runner (component C).
type Runner struct {
	cfg    Config
	logger *slog.Logger
	wait   *waiterRegistry

	sessionLock chan struct{} // single-slot lock for startNewSessionForAll
}

// New constructs a Runner. The returned Runner's HandleEvent method must
// be wired as the Gateway client's event sink.
func New(cfg Config) *Runner {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:         cfg,
		logger:      logger.With("component", "chatrunner"),
		wait:        newWaiterRegistry(),
		sessionLock: make(chan struct{}, 1),
	}
}

// HandleEvent is the Gateway client's onEvent sink.
func (r *Runner) HandleEvent(frame gateway.Frame) {
	r.wait.HandleEvent(frame)
}

// Request is the exact shape of the chat runner's public contract.
type Request struct {
	TaskID      string
	SessionKey  string
	MessageText string
	Media       []relaytypes.Media
	Timeout     time.Duration
}

// Result is the outcome of one runChatTask invocation.
type Result struct {
	Outcome relaytypes.Outcome
	Reply   *relaytypes.ReplyPayload
	NoReply *relaytypes.NoReplyPayload
	Error   *relaytypes.ErrorPayload
	Meta    relaytypes.OpenClawMeta
}

func errorResult(code, message, runID string) Result {
	return Result{Outcome: relaytypes.OutcomeError, Error: &relaytypes.ErrorPayload{Code: code, Message: message, RunID: runID}}
}

// RunChatTask drives one chat task end to end: transcription, media
// staging, the retrying send, and waiting for the terminal event.
func (r *Runner) RunChatTask(ctx context.Context, req Request) Result {
	deadline := time.Now().Add(req.Timeout)
	message := req.MessageText

	message = r.applyTranscription(ctx, message, req.Media)
	message = r.applyFileStaging(ctx, message, req.Media)

	incoming, err := r.usageSnapshot(ctx)
	if err != nil {
		return errorResult("USAGE_REQUIRED", "could not obtain usage snapshot before send: "+err.Error(), "")
	}

	result, runID := r.mainLoop(ctx, req.TaskID, req.SessionKey, message, deadline)
	if result.Outcome == relaytypes.OutcomeError {
		return result
	}

	outgoing, err := r.usageSnapshot(ctx)
	if err != nil {
		return errorResult("USAGE_REQUIRED", "could not obtain usage snapshot after send: "+err.Error(), runID)
	}
	usage := relaytypes.DiffUsage(incoming, outgoing)
	result.Meta = relaytypes.OpenClawMeta{"usage": usage}
	return result
}

func (r *Runner) applyTranscription(ctx context.Context, message string, media []relaytypes.Media) string {
	if r.cfg.Transcriber == nil {
		return message
	}
	for _, m := range media {
		if m.Kind != relaytypes.MediaAudio {
			continue
		}
		tCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		transcript, err := r.cfg.Transcriber.Transcribe(tCtx, m)
		cancel()
		if err != nil {
			r.logger.Warn("transcription failed, continuing without it", "error", err)
			continue
		}
		message = transcript + "\n\n" + message
	}
	return message
}

func (r *Runner) applyFileStaging(ctx context.Context, message string, media []relaytypes.Media) string {
	if r.cfg.Uploader == nil {
		return message
	}
	var lines []string
	for _, m := range media {
		if m.Kind != relaytypes.MediaFile {
			continue
		}
		path, err := r.cfg.Uploader.Stage(ctx, m)
		if err != nil {
			r.logger.Warn("file staging failed, continuing without it", "error", err)
			continue
		}
		lines = append(lines, fmt.Sprintf("File uploaded to: %s", path))
	}
	if len(lines) == 0 {
		return message
	}
	return message + "\n" + strings.Join(lines, "\n")
}

func (r *Runner) usageSnapshot(ctx context.Context) (relaytypes.UsageSnapshot, error) {
	sCtx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()
	payload, err := r.cfg.Gateway.Request(sCtx, "sessions.usage", map[string]interface{}{}, usageTimeout)
	if err != nil {
		return relaytypes.UsageSnapshot{}, err
	}
	var snap relaytypes.UsageSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return relaytypes.UsageSnapshot{}, fmt.Errorf("invalid usage snapshot payload: %w", err)
	}
	return snap, nil
}

// mainLoop runs the retrying chat.send loop and returns a result with
// Outcome != error on success, or an error result otherwise. The runId
// of the last attempt (if any) is returned for usage/meta purposes.
func (r *Runner) mainLoop(ctx context.Context, taskID, sessionKey, message string, deadline time.Time) (Result, string) {
	var lastRunID string

	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining < minRemainingSlack {
			return errorResult("GATEWAY_TIMEOUT", "insufficient time remaining for another attempt", lastRunID), lastRunID
		}

		payload, err := r.cfg.Gateway.Request(ctx, "chat.send", map[string]interface{}{
			"sessionKey":     sessionKey,
			"message":        message,
			"idempotencyKey": taskID,
			"timeoutMs":      remaining.Milliseconds(),
		}, remaining)
		if err != nil {
			return errorResult("GATEWAY_ERROR", err.Error(), lastRunID), lastRunID
		}

		var sendResp struct {
			RunID string `json:"runId"`
		}
		if uerr := json.Unmarshal(payload, &sendResp); uerr != nil || sendResp.RunID == "" {
			return errorResult("NO_RUN_ID", "gateway accepted chat.send but omitted runId", ""), lastRunID
		}
		lastRunID = sendResp.RunID

		ch := r.wait.register(sendResp.RunID, sessionKey)
		remaining = time.Until(deadline)
		timer := time.NewTimer(remaining)
		var ev ChatEventPayload
		var waited bool
		select {
		case ev = <-ch:
			waited = true
		case <-timer.C:
			r.wait.forget(sendResp.RunID)
			r.bestEffortAbort(sessionKey, sendResp.RunID)
		case <-ctx.Done():
			timer.Stop()
			r.wait.forget(sendResp.RunID)
			return errorResult("GATEWAY_TIMEOUT", ctx.Err().Error(), lastRunID), lastRunID
		}
		timer.Stop()

		if !waited {
			// Waiter timeout: retryable if time and attempts remain.
			if attempt+1 < r.cfg.Attempts && time.Until(deadline) > minRemainingSlack {
				r.sleepBackoff(ctx, attempt)
				continue
			}
			return errorResult("GATEWAY_TIMEOUT", "terminal chat event not received in time", lastRunID), lastRunID
		}

		switch ev.State {
		case "final":
			if len(ev.Message) > 0 && string(ev.Message) != "null" {
				media, _ := r.collectMedia(sessionKey)
				return Result{Outcome: relaytypes.OutcomeReply, Reply: &relaytypes.ReplyPayload{
					Message: ev.Message, RunID: ev.RunID, Media: media,
				}}, lastRunID
			}
			return Result{Outcome: relaytypes.OutcomeNoReply, NoReply: &relaytypes.NoReplyPayload{RunID: ev.RunID}}, lastRunID
		case "aborted":
			return errorResult("ABORTED", "run was aborted", ev.RunID), lastRunID
		case "error":
			if isRetryableGatewayError(ev.ErrorMessage) && attempt+1 < r.cfg.Attempts && time.Until(deadline) > minRemainingSlack {
				r.sleepBackoff(ctx, attempt)
				continue
			}
			return errorResult("GATEWAY_ERROR", ev.ErrorMessage, ev.RunID), lastRunID
		default:
			return errorResult("GATEWAY_ERROR", "unexpected terminal state: "+ev.State, ev.RunID), lastRunID
		}
	}
	return errorResult("GATEWAY_ERROR", "retry attempts exhausted", lastRunID), lastRunID
}

func (r *Runner) sleepBackoff(ctx context.Context, attempt int) {
	_ = resilience.SleepCtx(ctx, r.cfg.Schedule.Delay(attempt))
}

func (r *Runner) bestEffortAbort(sessionKey, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	_, _ = r.cfg.Gateway.Request(ctx, "chat.abort", map[string]interface{}{
		"sessionKey": sessionKey,
		"runId":      runID,
	}, abortTimeout)
}

func (r *Runner) collectMedia(sessionKey string) ([]relaytypes.OutboundMedia, error) {
	if r.cfg.MediaCollector == nil {
		return nil, nil
	}
	return r.cfg.MediaCollector.CollectTranscriptMedia(sessionKey)
}

// StartNewSessionForAll aborts in-flight runs, then issues /new to every
// known session, mutually exclusive with itself via a single-slot lock.
// New chat tasks do not block on this lock; only concurrent calls to
// StartNewSessionForAll do.
func (r *Runner) StartNewSessionForAll(ctx context.Context) (rotated, failed int, err error) {
	select {
	case r.sessionLock <- struct{}{}:
		defer func() { <-r.sessionLock }()
	default:
		return 0, 0, fmt.Errorf("chatrunner: session maintenance already in progress")
	}

	for _, runID := range r.wait.knownRunIDs() {
		sessionKey, ok := r.wait.sessionFor(runID)
		if !ok {
			continue
		}
		r.bestEffortAbort(sessionKey, runID)
	}

	if r.cfg.Sessions == nil {
		return 0, 0, nil
	}
	keys, err := r.cfg.Sessions.ListSessionKeys()
	if err != nil {
		return 0, 0, fmt.Errorf("chatrunner: list session keys: %w", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, sk := range keys {
		wg.Add(1)
		go func(sessionKey string) {
			defer wg.Done()
			idem := fmt.Sprintf("session-new-%s-%d", sessionKey, time.Now().UnixNano())
			_, err := r.cfg.Gateway.Request(ctx, "chat.send", map[string]interface{}{
				"sessionKey":     sessionKey,
				"message":        "/new",
				"idempotencyKey": idem,
				"timeoutMs":      abortTimeout.Milliseconds(),
			}, abortTimeout)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				rotated++
			}
			mu.Unlock()
		}(sk)
	}
	wg.Wait()
	return rotated, failed, nil
}
