// Package config loads the relay's configuration from the environment.
// There is no YAML file for the relay itself: OPENCLAW_CONFIG_PATH names
// the Gateway's own config file, which the relay only watches for change
// notifications (see Watcher), it never parses it.
package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the relay reads from the environment.
type Config struct {
	// Required.
	Token          string
	BackendBaseURL string

	// Identity / addressing.
	InstanceID string

	// Chat runner.
	TaskTimeoutMs int64
	Concurrency   int

	// Push server.
	PushPort                  int
	PushPath                  string
	PushRateLimitPerSecond    int
	PushMaxConcurrentRequests int
	PushMaxQueue              int

	// Diagnostics.
	MessageFlowLog bool

	// Gateway client.
	GatewayWSURL      string
	GatewayConfigPath string
	StateDir          string
	GatewayToken      string
	GatewayPassword   string
	Scopes            []string

	// Transcription provider.
	STTProvider    string
	STTAPIKey      string
	STTModel       string
	STTLanguage    string
	STTTimeoutMs   int64
}

func defaultConfig() Config {
	return Config{
		InstanceID:                defaultInstanceID(),
		TaskTimeoutMs:             int64((2 * time.Minute).Milliseconds()),
		Concurrency:               4,
		PushPort:                  8089,
		PushPath:                  "/relay/messages",
		PushRateLimitPerSecond:    10,
		PushMaxConcurrentRequests: 16,
		PushMaxQueue:              100,
		StateDir:                  defaultStateDir(),
		Scopes:                    []string{"operator.admin"},
		STTProvider:               "deepgram",
		STTTimeoutMs:              int64((20 * time.Second).Milliseconds()),
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home + "/.openclaw-relay"
	}
	return "./.openclaw-relay"
}

// defaultInstanceID picks something stable but unique per process:
// host-pid-rand.
func defaultInstanceID() string {
	host := "unknown-host"
	if h, err := os.Hostname(); err == nil && h != "" {
		host = h
	}
	u := "unknown-user"
	if cu, err := user.Current(); err == nil && cu.Username != "" {
		u = cu.Username
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d", host, u, os.Getpid())
	return fmt.Sprintf("%s-%d-%x", host, os.Getpid(), h.Sum32())
}

// Load builds Config from the environment. Missing required fields
// (RELAY_TOKEN, BACKEND_BASE_URL) return an error that cmd/relay/main.go
// treats as fatal.
func Load() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("BACKEND_BASE_URL"); v != "" {
		cfg.BackendBaseURL = v
	}
	if v := os.Getenv("RELAY_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := envInt64("RELAY_TASK_TIMEOUT_MS"); v != 0 {
		cfg.TaskTimeoutMs = v
	}
	if v := envInt("RELAY_CONCURRENCY"); v != 0 {
		cfg.Concurrency = v
	}
	if v := envInt("RELAY_PUSH_PORT"); v != 0 {
		cfg.PushPort = v
	}
	if v := os.Getenv("RELAY_PUSH_PATH"); v != "" {
		cfg.PushPath = v
	}
	if v := envInt("RELAY_PUSH_RATE_LIMIT_PER_SEC"); v != 0 {
		cfg.PushRateLimitPerSecond = v
	}
	if v := envInt("RELAY_PUSH_MAX_CONCURRENT_REQUESTS"); v != 0 {
		cfg.PushMaxConcurrentRequests = v
	}
	if v := envInt("RELAY_PUSH_MAX_QUEUE"); v != 0 {
		cfg.PushMaxQueue = v
	}
	if v := os.Getenv("MESSAGE_FLOW_LOG"); v == "1" || strings.EqualFold(v, "true") {
		cfg.MessageFlowLog = true
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_WS_URL"); v != "" {
		cfg.GatewayWSURL = v
	}
	if v := os.Getenv("OPENCLAW_CONFIG_PATH"); v != "" {
		cfg.GatewayConfigPath = v
	}
	if v := os.Getenv("OPENCLAW_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); v != "" {
		cfg.GatewayToken = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_PASSWORD"); v != "" {
		cfg.GatewayPassword = v
	}
	if v := os.Getenv("OPENCLAW_SCOPES"); v != "" {
		cfg.Scopes = splitCSV(v)
	}
	if v := os.Getenv("STT_PROVIDER"); v != "" {
		cfg.STTProvider = v
	}
	if v := os.Getenv("STT_API_KEY"); v != "" {
		cfg.STTAPIKey = v
	}
	if v := os.Getenv("STT_MODEL"); v != "" {
		cfg.STTModel = v
	}
	if v := os.Getenv("STT_LANGUAGE"); v != "" {
		cfg.STTLanguage = v
	}
	if v := envInt64("STT_TIMEOUT_MS"); v != 0 {
		cfg.STTTimeoutMs = v
	}
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func envInt64(key string) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.TaskTimeoutMs <= 0 {
		cfg.TaskTimeoutMs = int64((2 * time.Minute).Milliseconds())
	}
	if cfg.PushPath == "" {
		cfg.PushPath = "/relay/messages"
	}
	if cfg.PushRateLimitPerSecond <= 0 {
		cfg.PushRateLimitPerSecond = 10
	}
	if cfg.PushMaxConcurrentRequests <= 0 {
		cfg.PushMaxConcurrentRequests = 16
	}
	if cfg.PushMaxQueue <= 0 {
		cfg.PushMaxQueue = 100
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"operator.admin"}
	}
}

func validate(cfg *Config) error {
	if cfg.Token == "" {
		return fmt.Errorf("config: RELAY_TOKEN is required")
	}
	if cfg.BackendBaseURL == "" {
		return fmt.Errorf("config: BACKEND_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BackendBaseURL); err != nil {
		return fmt.Errorf("config: BACKEND_BASE_URL is not a valid URL: %w", err)
	}
	switch cfg.STTProvider {
	case "deepgram", "openai", "":
	default:
		return fmt.Errorf("config: unsupported STT_PROVIDER %q (want deepgram or openai)", cfg.STTProvider)
	}
	return nil
}

// Fingerprint returns a stable hash of the tunable config fields, used in
// startup logging and the /health details payload, without exposing
// secrets.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "instance=%s|timeout=%d|concurrency=%d|pushPort=%d|pushPath=%s|rate=%d|maxConc=%d|maxQueue=%d|sttProvider=%s|scopes=%v",
		c.InstanceID, c.TaskTimeoutMs, c.Concurrency, c.PushPort, c.PushPath,
		c.PushRateLimitPerSecond, c.PushMaxConcurrentRequests, c.PushMaxQueue, c.STTProvider, c.Scopes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
