// Package relaytypes holds the data model shared across relay components:
// the inbound message shape accepted at the HTTP push server, the tagged
// task-input variant, and the outbound backend callback envelope.
package relaytypes

import "encoding/json"

// MediaKind distinguishes the two media variants a chat TaskInput may carry.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// Media is one inbound media attachment, either base64-encoded audio bound
// for transcription or a file to be staged and referenced by path.
type Media struct {
	Kind        MediaKind `json:"kind"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	DataBase64  string    `json:"dataBase64"`
}

// TaskInputKind tags the TaskInput discriminated union.
type TaskInputKind string

const (
	TaskInputChat       TaskInputKind = "chat"
	TaskInputHandshake  TaskInputKind = "handshake"
	TaskInputSessionNew TaskInputKind = "session_new"
)

// TaskInput is a tagged variant with exactly one populated field group,
// selected by Kind. It is deserialized straight off the wire; validity of
// the kind/field pairing is checked by the push server's schema step.
type TaskInput struct {
	Kind TaskInputKind `json:"kind"`

	// chat
	SessionKey  string  `json:"sessionKey,omitempty"`
	MessageText string  `json:"messageText,omitempty"`
	Media       []Media `json:"media,omitempty"`

	// handshake
	Nonce string `json:"nonce,omitempty"`
}

// InboundMessage is the sole identity unit the backend posts to the relay.
type InboundMessage struct {
	MessageID string    `json:"messageId"`
	SentAtMs  int64     `json:"sentAtMs,omitempty"`
	Input     TaskInput `json:"input"`
}

// Outcome tags the terminal shape of a processed message.
type Outcome string

const (
	OutcomeReply   Outcome = "reply"
	OutcomeNoReply Outcome = "no_reply"
	OutcomeError   Outcome = "error"
)

// ReplyPayload is the backend-visible body of a successful chat reply.
type ReplyPayload struct {
	Message json.RawMessage `json:"message"`
	RunID   string          `json:"runId"`
	Media   []OutboundMedia `json:"media,omitempty"`
}

// OutboundMedia is a base64-encoded attachment scraped from the Gateway's
// session transcript and forwarded to the backend.
type OutboundMedia struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	DataBase64  string `json:"dataBase64"`
}

// NoReplyPayload carries just the correlating runId when the Gateway
// produced a terminal state without an assistant message.
type NoReplyPayload struct {
	RunID string `json:"runId"`
}

// ErrorPayload is the backend-visible body of a failed message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"runId,omitempty"`
}

// Trace is appended by the processor to every backend callback so the
// backend can correlate relay-side identities with its own.
type Trace struct {
	BackendMessageID string `json:"backendMessageId,omitempty"`
	RelayMessageID    string `json:"relayMessageId"`
	RelayInstanceID   string `json:"relayInstanceId"`
	OpenClawRunID     string `json:"openclawRunId,omitempty"`
}

// OpenClawMeta is an opaque map passed through to the backend, always
// carrying at least the Trace under the "trace" key.
type OpenClawMeta map[string]interface{}

// BackendCallback is the body the relay POSTs to the backend's relay
// message ingestion endpoint once a message has reached a terminal state.
type BackendCallback struct {
	RelayInstanceID string          `json:"relayInstanceId"`
	RelayMessageID  string          `json:"relayMessageId"`
	FinishedAtMs    int64           `json:"finishedAtMs"`
	Outcome         Outcome         `json:"outcome"`
	Reply           *ReplyPayload   `json:"reply,omitempty"`
	NoReply         *NoReplyPayload `json:"noReply,omitempty"`
	Error           *ErrorPayload   `json:"error,omitempty"`
	OpenClawMeta    OpenClawMeta    `json:"openclawMeta,omitempty"`
}

// UsageSnapshot is an opaque accounting payload pulled from the Gateway
// before and after a chat. The relay never interprets its contents beyond
// the well-known numeric keys needed to compute a per-message difference.
type UsageSnapshot struct {
	Totals     map[string]float64    `json:"totals"`
	Aggregates map[string]interface{} `json:"aggregates,omitempty"`
}

// Usage is the canonical per-message consumption derived from a before/
// after UsageSnapshot pair, per design note "Usage accounting".
type Usage struct {
	InputTokens     int64  `json:"inputTokens"`
	OutputTokens    int64  `json:"outputTokens"`
	CacheReadTokens int64  `json:"cacheReadTokens"`
	TotalTokens     int64  `json:"totalTokens"`
	Model           string `json:"model,omitempty"`
}

var usageKeyAliases = map[string][]string{
	"input":     {"input", "inputTokens", "input_tokens"},
	"output":    {"output", "outputTokens", "output_tokens"},
	"cacheRead": {"cacheRead", "cacheReadTokens", "cache_read_tokens"},
	"total":     {"totalTokens", "total_tokens", "total"},
}

func lookupUsageKey(totals map[string]float64, canonical string) float64 {
	for _, alias := range usageKeyAliases[canonical] {
		if v, ok := totals[alias]; ok {
			return v
		}
	}
	return 0
}

func nonNegDiff(out, in float64) int64 {
	d := out - in
	if d < 0 {
		return 0
	}
	return int64(d)
}

// DiffUsage computes the element-wise non-negative difference of the
// outgoing and incoming snapshot totals, and derives the model name from
// the first row of the outgoing snapshot's byModel aggregate if present.
func DiffUsage(incoming, outgoing UsageSnapshot) Usage {
	u := Usage{
		InputTokens:     nonNegDiff(lookupUsageKey(outgoing.Totals, "input"), lookupUsageKey(incoming.Totals, "input")),
		OutputTokens:    nonNegDiff(lookupUsageKey(outgoing.Totals, "output"), lookupUsageKey(incoming.Totals, "output")),
		CacheReadTokens: nonNegDiff(lookupUsageKey(outgoing.Totals, "cacheRead"), lookupUsageKey(incoming.Totals, "cacheRead")),
		TotalTokens:     nonNegDiff(lookupUsageKey(outgoing.Totals, "total"), lookupUsageKey(incoming.Totals, "total")),
	}
	u.Model = modelFromAggregates(outgoing.Aggregates)
	return u
}

func modelFromAggregates(aggregates map[string]interface{}) string {
	if aggregates == nil {
		return ""
	}
	byModel, ok := aggregates["byModel"].([]interface{})
	if !ok || len(byModel) == 0 {
		return ""
	}
	row, ok := byModel[0].(map[string]interface{})
	if !ok {
		return ""
	}
	provider, _ := row["provider"].(string)
	model, _ := row["model"].(string)
	switch {
	case provider != "" && model != "":
		return provider + "/" + model
	case model != "":
		return model
	default:
		return ""
	}
}
