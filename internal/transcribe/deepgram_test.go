package transcribe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/openclaw-relay/internal/relaytypes"
)

func TestDeepgramTranscribeReturnsTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key123" {
			t.Errorf("expected deepgram token header, got %q", r.Header.Get("Authorization"))
		}
		var resp deepgramResponse
		resp.Results.Channels = []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		}{
			{Alternatives: []struct {
				Transcript string `json:"transcript"`
			}{{Transcript: "hello world"}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := newDeepgramClient(Config{APIKey: "key123"})
	client.baseURL = srv.URL
	client.httpClient = srv.Client()

	text, err := client.Transcribe(context.Background(), relaytypes.Media{
		DataBase64: base64.StdEncoding.EncodeToString([]byte("audio-bytes")),
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestDeepgramTranscribeRejectsInvalidBase64(t *testing.T) {
	client := newDeepgramClient(Config{APIKey: "key123"})
	_, err := client.Transcribe(context.Background(), relaytypes.Media{DataBase64: "!!!"})
	if err == nil {
		t.Fatalf("expected error for invalid base64 payload")
	}
}

func TestDeepgramTranscribeReturnsEmptyOnNoAlternatives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(deepgramResponse{})
	}))
	defer srv.Close()

	client := newDeepgramClient(Config{APIKey: "key123"})
	client.baseURL = srv.URL
	client.httpClient = srv.Client()

	text, err := client.Transcribe(context.Background(), relaytypes.Media{
		DataBase64: base64.StdEncoding.EncodeToString([]byte("audio-bytes")),
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty transcript, got %q", text)
	}
}
