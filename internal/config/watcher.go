package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that a configuration file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// ConfigFileNames lists the TOML files a Watcher watches for changes.
var ConfigFileNames = []string{
	"webhooks.toml",
	"loading.toml",
	"apis.toml",
	"data.toml",
	"storage.toml",
	"cache.toml",
	"logging.toml",
	"executor.toml",
}

// Watcher detects edits to Plaid's TOML configuration files and reports
// them on Events; it applies nothing itself. It is never used to
// hot-swap rule modules — the module directory is polled on boot only,
// per the runtime's non-goals.
type Watcher struct {
	configDir string
	logger    *slog.Logger
	events    chan ReloadEvent
}

func NewWatcher(configDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		configDir: configDir,
		logger:    logger,
		events:    make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, name := range ConfigFileNames {
		_ = fsw.Add(filepath.Join(w.configDir, name))
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
