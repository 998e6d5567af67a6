package upload_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/openclaw-relay/internal/relaytypes"
	"github.com/basket/openclaw-relay/internal/upload"
)

func TestStageWritesDecodedFileAndReturnsAbsPath(t *testing.T) {
	stateDir := t.TempDir()
	store := upload.New(stateDir)

	media := relaytypes.Media{
		Kind:        relaytypes.MediaFile,
		Name:        "notes.txt",
		ContentType: "text/plain",
		DataBase64:  base64.StdEncoding.EncodeToString([]byte("hello")),
	}

	abs, err := store.Stage(context.Background(), media)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Fatalf("expected absolute path, got %q", abs)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected staged content %q", data)
	}
}

func TestStageRejectsInvalidBase64(t *testing.T) {
	store := upload.New(t.TempDir())
	_, err := store.Stage(context.Background(), relaytypes.Media{DataBase64: "not-base64!!"})
	if err == nil {
		t.Fatalf("expected error for invalid base64 payload")
	}
}

func TestRotatePurgesFilesOlderThanRetention(t *testing.T) {
	stateDir := t.TempDir()
	store := upload.New(stateDir)

	uploadsDir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stalePath := filepath.Join(uploadsDir, "stale.bin")
	freshPath := filepath.Join(uploadsDir, "fresh.bin")
	if err := os.WriteFile(stalePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	if err := os.WriteFile(freshPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fresh: %v", err)
	}
	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	result, err := store.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if result.PurgedFiles != 1 {
		t.Fatalf("expected 1 purged file, got %d", result.PurgedFiles)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatalf("expected fresh file to survive rotation: %v", err)
	}
}

func TestRotateOnMissingDirIsNoop(t *testing.T) {
	store := upload.New(t.TempDir())
	result, err := store.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if result.PurgedFiles != 0 {
		t.Fatalf("expected no purges, got %d", result.PurgedFiles)
	}
}
