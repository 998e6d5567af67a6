package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/openclaw-relay/internal/config"
)

func TestWatcher_DetectsGatewayConfigChange(t *testing.T) {
	dir := t.TempDir()
	gwConfigPath := filepath.Join(dir, "gateway-config.yaml")
	if err := os.WriteFile(gwConfigPath, []byte("initial"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(gwConfigPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(gwConfigPath, []byte("updated"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "gateway-config.yaml" {
				t.Fatalf("expected gateway-config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(gwConfigPath, []byte("updated"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config change event")
		}
	}
}

func TestWatcher_EmptyPathClosesEventsImmediately(t *testing.T) {
	w := config.NewWatcher("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("expected closed events channel for empty path")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for events channel to close")
	}
}
