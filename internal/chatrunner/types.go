// Package chatrunner drives one chat exchange over the Gateway client:
// pre-flight transcription/media/usage-snapshot work, the retrying
// chat.send loop, and the per-runId terminal-event waiter that the
// Gateway client's event sink feeds.
package chatrunner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/openclaw-relay/internal/gateway"
	"github.com/basket/openclaw-relay/internal/relaytypes"
)

// GatewayClient is the subset of gateway.Client the runner depends on,
// narrowed for testability.
type GatewayClient interface {
	IsReady() bool
	Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Transcriber produces a text transcript for one audio media item.
type Transcriber interface {
	Transcribe(ctx context.Context, media relaytypes.Media) (string, error)
}

// MediaCollector reads the Gateway's on-disk session transcript and
// extracts MEDIA: directives from the latest assistant message.
type MediaCollector interface {
	CollectTranscriptMedia(sessionKey string) ([]relaytypes.OutboundMedia, error)
}

// Uploader stages an inbound file media item and rotates old staged
// files on each call.
type Uploader interface {
	Stage(ctx context.Context, media relaytypes.Media) (absPath string, err error)
}

// SessionEnumerator lists known session keys from the Gateway's on-disk
// sessions map, for startNewSessionForAll.
type SessionEnumerator interface {
	ListSessionKeys() ([]string, error)
}

// ChatEventPayload is the payload of a gateway "chat" event.
type ChatEventPayload struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	Seq          int64           `json:"seq"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
}

func isTerminalState(state string) bool {
	switch state {
	case "final", "error", "aborted":
		return true
	default:
		return false
	}
}

// eventFromFrame extracts a ChatEventPayload from a gateway event frame,
// returning ok=false for anything that isn't a well-formed chat event.
func eventFromFrame(frame gateway.Frame) (ChatEventPayload, bool) {
	if frame.Type != "event" || frame.Event != "chat" {
		return ChatEventPayload{}, false
	}
	var ev ChatEventPayload
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		return ChatEventPayload{}, false
	}
	return ev, true
}
