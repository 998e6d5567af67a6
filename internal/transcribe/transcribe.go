// Package transcribe turns inbound audio media into text, selected at
// startup by the configured STT provider.
package transcribe

import (
	"context"
	"fmt"

	"github.com/basket/openclaw-relay/internal/relaytypes"
)

// Config configures provider selection: STT_PROVIDER, STT_API_KEY,
// STT_MODEL, and STT_LANGUAGE.
type Config struct {
	Provider string
	APIKey   string
	Model    string
	Language string
}

// New selects and constructs the configured provider. Provider must be
// one of "deepgram" or "openai"; both satisfy chatrunner.Transcriber.
func New(cfg Config) (interface {
	Transcribe(ctx context.Context, media relaytypes.Media) (string, error)
}, error) {
	switch cfg.Provider {
	case "deepgram":
		return newDeepgramClient(cfg), nil
	case "openai":
		return newOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("transcribe: unsupported provider %q", cfg.Provider)
	}
}
