package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/obelisk/plaid/internal/config"
)

func TestWatcherDetectsLoadingFileChange(t *testing.T) {
	configDir := t.TempDir()

	loadingPath := filepath.Join(configDir, "loading.toml")
	if err := os.WriteFile(loadingPath, []byte("module_dir = \"modules\"\n"), 0o644); err != nil {
		t.Fatalf("write initial loading.toml: %v", err)
	}

	w := config.NewWatcher(configDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(loadingPath, []byte("module_dir = \"modules2\"\n"), 0o644); err != nil {
		t.Fatalf("write updated loading.toml: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "loading.toml" {
				t.Fatalf("expected loading.toml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(loadingPath, []byte("module_dir = \"modules2\"\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for loading.toml change event")
		}
	}
}
