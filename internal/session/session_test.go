package session_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/openclaw-relay/internal/session"
)

func writeSessionsIndex(t *testing.T, stateDir string, entries map[string]string) {
	t.Helper()
	idx := make(map[string]map[string]string, len(entries))
	for k, sessionFile := range entries {
		idx[k] = map[string]string{"sessionFile": sessionFile}
	}
	dir := filepath.Join(stateDir, "agents", "main", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0o644); err != nil {
		t.Fatalf("write sessions.json: %v", err)
	}
}

func TestListSessionKeysStripsPrefix(t *testing.T) {
	stateDir := t.TempDir()
	writeSessionsIndex(t, stateDir, map[string]string{
		"agent:main:s1": filepath.Join(stateDir, "s1.jsonl"),
		"agent:main:s2": filepath.Join(stateDir, "s2.jsonl"),
	})

	store := session.New(stateDir)
	keys, err := store.ListSessionKeys()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := map[string]bool{"s1": true, "s2": true}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	for _, k := range keys {
		if !want[k] {
			t.Fatalf("unexpected key %q", k)
		}
	}
}

func TestListSessionKeysEmptyWhenIndexMissing(t *testing.T) {
	stateDir := t.TempDir()
	store := session.New(stateDir)
	keys, err := store.ListSessionKeys()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func writeTranscript(t *testing.T, path string, lines []map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create transcript: %v", err)
	}
	defer f.Close()
	for _, l := range lines {
		b, _ := json.Marshal(l)
		f.Write(b)
		f.Write([]byte("\n"))
	}
}

func TestCollectTranscriptMediaExtractsLatestAssistantMessage(t *testing.T) {
	stateDir := t.TempDir()
	mediaPath := filepath.Join(stateDir, "out.txt")
	if err := os.WriteFile(mediaPath, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write media file: %v", err)
	}

	transcriptPath := filepath.Join(stateDir, "s1.jsonl")
	writeTranscript(t, transcriptPath, []map[string]string{
		{"role": "user", "text": "hi"},
		{"role": "assistant", "text": "working on it"},
		{"role": "assistant", "text": "done\nMEDIA: out.txt"},
	})
	writeSessionsIndex(t, stateDir, map[string]string{"agent:main:s1": transcriptPath})

	store := session.New(stateDir)
	media, err := store.CollectTranscriptMedia("s1")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(media) != 1 {
		t.Fatalf("expected 1 media item, got %d", len(media))
	}
	if media[0].DataBase64 == "" {
		t.Fatalf("expected non-empty base64 payload")
	}
}

func TestCollectTranscriptMediaRejectsPathEscape(t *testing.T) {
	stateDir := t.TempDir()
	transcriptPath := filepath.Join(stateDir, "s1.jsonl")
	writeTranscript(t, transcriptPath, []map[string]string{
		{"role": "assistant", "text": "MEDIA: ../../etc/passwd"},
	})
	writeSessionsIndex(t, stateDir, map[string]string{"agent:main:s1": transcriptPath})

	store := session.New(stateDir)
	media, err := store.CollectTranscriptMedia("s1")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(media) != 0 {
		t.Fatalf("expected escaping media path to be silently rejected, got %v", media)
	}
}

func TestCollectTranscriptMediaUnknownSessionReturnsNil(t *testing.T) {
	stateDir := t.TempDir()
	store := session.New(stateDir)
	media, err := store.CollectTranscriptMedia("missing")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if media != nil {
		t.Fatalf("expected nil media for unknown session, got %v", media)
	}
}
