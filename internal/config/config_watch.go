package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the bursts of write events editors produce for a
// single save.
const debounceWindow = 500 * time.Millisecond

// Watch reloads the config whenever the file changes and calls onReload
// with the fresh copy. Blocks until the context ends. The watcher observes
// the parent directory so atomic rename-style saves are caught.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	lastHash := cfg.Hash()
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(debounceWindow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-pending:
			pending = nil
			fresh, err := Load(path)
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "path", path, "error", err)
				continue
			}
			if fresh.Hash() == lastHash {
				continue
			}
			lastHash = fresh.Hash()
			cfg.ReplaceFrom(fresh)
			slog.Info("config reloaded", "path", path, "hash", lastHash)
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
