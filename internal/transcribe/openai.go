package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/basket/openclaw-relay/internal/relaytypes"
)

// openAIClient transcribes audio via the Whisper-compatible endpoint,
// the same client construction idiom as the pack's own openai provider
// (rikurb8-miniclaw's pkg/provider/openai), narrowed to the
// Audio.Transcriptions call.
type openAIClient struct {
	client openai.Client
	model  string
	lang   string
}

func newOpenAIClient(cfg Config) *openAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &openAIClient{
		client: openai.NewClient(opts...),
		model:  model,
		lang:   cfg.Language,
	}
}

func (c *openAIClient) Transcribe(ctx context.Context, media relaytypes.Media) (string, error) {
	data, err := base64.StdEncoding.DecodeString(media.DataBase64)
	if err != nil {
		return "", fmt.Errorf("openai transcribe: decode media payload: %w", err)
	}

	name := media.Name
	if name == "" {
		name = "audio.wav"
	}

	contentType := media.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.model),
		File:  openai.File(bytes.NewReader(data), name, contentType),
	}
	if c.lang != "" {
		params.Language = openai.String(c.lang)
	}

	transcription, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcribe: request failed: %w", err)
	}
	return transcription.Text, nil
}
