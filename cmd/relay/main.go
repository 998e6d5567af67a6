// Command relay runs the relay daemon: HTTP ingress, the bounded work
// queue, the Gateway duplex client, and the backend callback path, wired
// together per the startup sequence of cmd/goclaw/main.go, scoped to
// this daemon's own components.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/openclaw-relay/internal/backendclient"
	"github.com/basket/openclaw-relay/internal/chatrunner"
	"github.com/basket/openclaw-relay/internal/config"
	"github.com/basket/openclaw-relay/internal/gateway"
	"github.com/basket/openclaw-relay/internal/identity"
	"github.com/basket/openclaw-relay/internal/maintenance"
	"github.com/basket/openclaw-relay/internal/otelx"
	"github.com/basket/openclaw-relay/internal/pushserver"
	"github.com/basket/openclaw-relay/internal/queue"
	"github.com/basket/openclaw-relay/internal/relaytypes"
	"github.com/basket/openclaw-relay/internal/resilience"
	"github.com/basket/openclaw-relay/internal/session"
	"github.com/basket/openclaw-relay/internal/shared"
	"github.com/basket/openclaw-relay/internal/telemetry"
	"github.com/basket/openclaw-relay/internal/transcribe"
	"github.com/basket/openclaw-relay/internal/upload"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1-dev"

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	if interactive {
		fmt.Fprintf(os.Stderr, "openclaw-relay %s starting (interactive terminal detected, logs also go to stdout)\n", Version)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.StateDir, "info", false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:        os.Getenv("OTEL_ENABLED") == "1",
		Exporter:       os.Getenv("OTEL_EXPORTER"),
		Endpoint:       os.Getenv("OTEL_ENDPOINT"),
		ServiceName:    "openclaw-relay",
		SampleRate:     1.0,
		MetricsEnabled: true,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	signer, err := identity.LoadOrCreate(cfg.StateDir)
	if err != nil {
		fatalStartup(logger, "E_IDENTITY_INIT", err)
	}
	logger.Info("startup phase", "phase", "identity_ready", "deviceId", signer.DeviceID())

	cfgWatcher := config.NewWatcher(cfg.GatewayConfigPath, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range cfgWatcher.Events() {
			logger.Info("gateway config changed", "path", ev.Path, "op", ev.Op.String())
		}
	}()

	sessions := session.New(cfg.StateDir)
	uploader := upload.New(cfg.StateDir)

	transcriber, err := transcribe.New(transcribe.Config{
		Provider: cfg.STTProvider,
		APIKey:   cfg.STTAPIKey,
		Model:    cfg.STTModel,
		Language: cfg.STTLanguage,
	})
	if err != nil {
		fatalStartup(logger, "E_TRANSCRIBE_INIT", err)
	}

	sweeper, err := maintenance.New(maintenance.Config{Store: uploader, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	sweeper.Start()
	defer sweeper.Stop(context.Background())

	flowLog := telemetry.FlowLogger(logger, cfg.MessageFlowLog)

	var runner *chatrunner.Runner
	gw := gateway.New(gateway.Config{
		URL:           cfg.GatewayWSURL,
		Token:         cfg.GatewayToken,
		Password:      cfg.GatewayPassword,
		ClientID:      "relay-" + cfg.InstanceID,
		ClientVersion: Version,
		Platform:      "relay",
		Mode:          "relay",
		InstanceID:    cfg.InstanceID,
		Role:          "operator",
		Scopes:        cfg.Scopes,
		Signer:        signer,
		Logger:        logger,
		OnEvent: func(frame gateway.Frame) {
			runner.HandleEvent(frame)
		},
	})

	runner = chatrunner.New(chatrunner.Config{
		Gateway:        gw,
		Transcriber:    transcriber,
		MediaCollector: sessions,
		Uploader:       uploader,
		Sessions:       sessions,
		Attempts:       3,
		Schedule:       resilience.DefaultGatewaySchedule(),
		Logger:         logger,
	})

	if err := gw.Start(ctx); err != nil {
		fatalStartup(logger, "E_GATEWAY_CONNECT", err)
	}
	defer gw.Stop()
	logger.Info("startup phase", "phase", "gateway_connected")

	backend := backendclient.New(backendclient.Config{
		BaseURL:  cfg.BackendBaseURL,
		Token:    cfg.Token,
		Breaker:  resilience.NewBreaker(5, 30*time.Second),
		Schedule: resilience.DefaultBackendSchedule(),
		Attempts: 5,
		Logger:   logger,
	})

	taskTimeout := time.Duration(cfg.TaskTimeoutMs) * time.Millisecond

	var shuttingDown bool
	q := queue.New(cfg.Concurrency, cfg.PushMaxQueue, func(msg relaytypes.InboundMessage) {
		processMessage(ctx, processDeps{
			runner:      runner,
			gateway:     gw,
			backend:     backend,
			cfg:         cfg,
			flowLog:     flowLog,
			metrics:     metrics,
			taskTimeout: taskTimeout,
		}, msg)
	})

	srv := pushserver.New(pushserver.Config{
		PushPath:              cfg.PushPath,
		Token:                 cfg.Token,
		RateLimitPerSecond:    cfg.PushRateLimitPerSecond,
		MaxConcurrentRequests: cfg.PushMaxConcurrentRequests,
		Queue:                 q,
		GetHealth: func() pushserver.Health {
			state := q.GetState()
			ready := !shuttingDown && gw.IsReady() && state.QueueLength < state.MaxQueue
			return pushserver.Health{
				OK:    true,
				Ready: ready,
				Details: map[string]interface{}{
					"fingerprint":  cfg.Fingerprint(),
					"queueLength":  state.QueueLength,
					"inFlight":     state.InFlight,
					"gatewayReady": gw.IsReady(),
				},
			}
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PushPort),
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		fatalStartup(logger, "E_PUSH_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("push server listening", "addr", httpServer.Addr, "path", cfg.PushPath)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("push server error", "error", err)
	}

	// Shutdown order matters: mark shuttingDown so readiness flips false,
	// close the HTTP listener, stop accepting new queue items, drain
	// in-flight work, then stop the Gateway client last.
	shuttingDown = true
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	q.StopAccepting()
	drainTimeout := 15 * time.Second
	if d := 2 * taskTimeout; d > drainTimeout {
		drainTimeout = d
	}
	q.Drain(drainTimeout)
	q.Close()

	gw.Stop()
	logger.Info("shutdown complete")
}

type processDeps struct {
	runner      *chatrunner.Runner
	gateway     *gateway.Client
	backend     *backendclient.Client
	cfg         config.Config
	flowLog     *slog.Logger
	metrics     *otelx.Metrics
	taskTimeout time.Duration
}

// processMessage is the bounded queue's processor: it dispatches on
// TaskInput.Kind, builds the backend callback, and submits it. A
// panicking or erroring dispatch still yields a best-effort error
// callback where one can be constructed.
func processMessage(ctx context.Context, deps processDeps, msg relaytypes.InboundMessage) {
	relayMessageID := uuid.NewString()
	ctx = shared.WithMessageID(ctx, relayMessageID)
	deps.flowLog.Debug("dequeued", "messageId", msg.MessageID, "relayMessageId", relayMessageID, "kind", msg.Input.Kind)

	callback := relaytypes.BackendCallback{
		RelayInstanceID: deps.cfg.InstanceID,
		RelayMessageID:  relayMessageID,
		FinishedAtMs:    0,
	}

	switch msg.Input.Kind {
	case relaytypes.TaskInputChat:
		deps.metrics.ChatRunAttempts.Add(ctx, 1)
		result := deps.runner.RunChatTask(ctx, chatrunner.Request{
			TaskID:      msg.MessageID,
			SessionKey:  msg.Input.SessionKey,
			MessageText: msg.Input.MessageText,
			Media:       msg.Input.Media,
			Timeout:     deps.taskTimeout,
		})
		applyChatResult(&callback, result)
		deps.metrics.ChatRunOutcome.Add(ctx, 1, metric.WithAttributes(otelx.AttrOutcome.String(string(result.Outcome))))

	case relaytypes.TaskInputHandshake:
		applyHandshakeResult(&callback, deps.gateway, msg.Input.Nonce)

	case relaytypes.TaskInputSessionNew:
		rotated, failed, err := deps.runner.StartNewSessionForAll(ctx)
		if err != nil {
			callback.Outcome = relaytypes.OutcomeError
			callback.Error = &relaytypes.ErrorPayload{Code: "RELAY_INTERNAL_ERROR", Message: err.Error()}
		} else {
			callback.Outcome = relaytypes.OutcomeNoReply
			callback.OpenClawMeta = relaytypes.OpenClawMeta{"rotated": rotated, "failed": failed}
		}

	default:
		callback.Outcome = relaytypes.OutcomeError
		callback.Error = &relaytypes.ErrorPayload{Code: "VALIDATION_ERROR", Message: fmt.Sprintf("unknown task input kind %q", msg.Input.Kind)}
	}

	callback.FinishedAtMs = time.Now().UnixMilli()
	trace := relaytypes.Trace{
		BackendMessageID: msg.MessageID,
		RelayMessageID:   relayMessageID,
		RelayInstanceID:  deps.cfg.InstanceID,
	}
	if callback.Reply != nil && callback.Reply.RunID != "" {
		trace.OpenClawRunID = callback.Reply.RunID
	}
	if callback.OpenClawMeta == nil {
		callback.OpenClawMeta = relaytypes.OpenClawMeta{}
	}
	callback.OpenClawMeta["trace"] = trace

	deps.flowLog.Debug("callback", "messageId", msg.MessageID, "relayMessageId", relayMessageID, "outcome", callback.Outcome)
	deps.backend.Submit(ctx, callback)
}

func applyChatResult(callback *relaytypes.BackendCallback, result chatrunner.Result) {
	callback.Outcome = result.Outcome
	callback.Reply = result.Reply
	callback.NoReply = result.NoReply
	callback.Error = result.Error
	callback.OpenClawMeta = result.Meta
}

// applyHandshakeResult answers a handshake probe from the Gateway's own
// HelloOk, echoing back the caller's nonce.
func applyHandshakeResult(callback *relaytypes.BackendCallback, gw *gateway.Client, nonce string) {
	hello := gw.GetHello()
	if hello == nil {
		callback.Outcome = relaytypes.OutcomeError
		callback.Error = &relaytypes.ErrorPayload{Code: "GATEWAY_ERROR", Message: "gateway has not completed its handshake"}
		return
	}
	payload := map[string]interface{}{
		"nonce":     nonce,
		"helloType": "HelloOk",
		"protocol":  hello.Protocol,
		"policy":    hello.Policy,
		"features": map[string]int{
			"methodsCount": len(hello.Features.Methods),
			"eventsCount":  len(hello.Features.Events),
		},
		"auth": map[string]interface{}{
			"role":   hello.Auth.Role,
			"scopes": hello.Auth.Scopes,
		},
	}
	message, err := json.Marshal(payload)
	if err != nil {
		callback.Outcome = relaytypes.OutcomeError
		callback.Error = &relaytypes.ErrorPayload{Code: "RELAY_INTERNAL_ERROR", Message: err.Error()}
		return
	}
	callback.Outcome = relaytypes.OutcomeReply
	callback.Reply = &relaytypes.ReplyPayload{Message: message}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"relay","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
