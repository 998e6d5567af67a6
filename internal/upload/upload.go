// Package upload stages inbound file media items to a workspace staging
// directory and rotates files past the retention window, grounded on the
// teacher's retention cutoff-computation idiom.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/openclaw-relay/internal/relaytypes"
)

const defaultRetention = 30 * 24 * time.Hour

// RotationResult holds counts of purged staged files from a rotation run.
type RotationResult struct {
	PurgedFiles int
}

// Store stages inbound files under stateDir/uploads.
type Store struct {
	stateDir  string
	retention time.Duration
}

func New(stateDir string) *Store {
	return &Store{stateDir: stateDir, retention: defaultRetention}
}

func (s *Store) dir() string {
	return filepath.Join(s.stateDir, "uploads")
}

// Stage decodes media's base64 payload, writes it under the staging
// directory with a unique name, and rotates stale files before returning.
func (s *Store) Stage(ctx context.Context, media relaytypes.Media) (string, error) {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return "", fmt.Errorf("upload: create staging dir: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(media.DataBase64)
	if err != nil {
		return "", fmt.Errorf("upload: decode media payload: %w", err)
	}

	name := uuid.NewString()
	if media.Name != "" {
		name = name + "-" + filepath.Base(media.Name)
	}
	abs := filepath.Join(s.dir(), name)
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("upload: write staged file: %w", err)
	}

	if _, err := s.Rotate(ctx); err != nil {
		// Rotation failure never fails the staging call that triggered it.
		_ = err
	}

	return abs, nil
}

// Rotate deletes staged files older than the retention window.
func (s *Store) Rotate(ctx context.Context) (RotationResult, error) {
	var result RotationResult
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("upload: list staging dir: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	for _, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir(), e.Name())); err == nil {
				result.PurgedFiles++
			}
		}
	}
	return result, nil
}
