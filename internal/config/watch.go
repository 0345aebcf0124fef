package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads the reloadable subset of the config (origin whitelist)
// when the file changes. Listener, database, and encryption settings require
// a restart and are deliberately not reloaded.
func Watch(ctx context.Context, path string, cfg *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace the file, which drops a watch set
	// directly on it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() { reload(path, cfg) })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "error", err)
			}
		}
	}()
	return nil
}

func reload(path string, cfg *Config) {
	fresh, err := Load(path)
	if err != nil {
		slog.Warn("config reload failed; keeping previous", "error", err)
		return
	}
	cfg.SetAllowedOrigins(fresh.Relay.AllowedOrigins)
	slog.Info("config reloaded", "origins", len(fresh.Relay.AllowedOrigins))
}
