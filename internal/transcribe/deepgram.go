package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/basket/openclaw-relay/internal/relaytypes"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// deepgramClient transcribes audio via Deepgram's prerecorded /listen
// endpoint. Deepgram publishes no first-party Go SDK, so this is a
// direct net/http call rather than a wrapped client.
type deepgramClient struct {
	apiKey     string
	model      string
	language   string
	baseURL    string
	httpClient *http.Client
}

func newDeepgramClient(cfg Config) *deepgramClient {
	return &deepgramClient{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   cfg.Language,
		baseURL:    deepgramListenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (c *deepgramClient) Transcribe(ctx context.Context, media relaytypes.Media) (string, error) {
	data, err := base64.StdEncoding.DecodeString(media.DataBase64)
	if err != nil {
		return "", fmt.Errorf("deepgram: decode media payload: %w", err)
	}

	q := url.Values{}
	if c.model != "" {
		q.Set("model", c.model)
	}
	if c.language != "" {
		q.Set("language", c.language)
	}
	reqURL := c.baseURL
	if encoded := q.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("deepgram: build request: %w", err)
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepgram: unexpected status %d", resp.StatusCode)
	}

	var parsed deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return parsed.Results.Channels[0].Alternatives[0].Transcript, nil
}
