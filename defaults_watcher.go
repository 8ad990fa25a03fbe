package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchEngineDefaults reloads defaults whenever the yaml file at path changes.
// The parent directory is watched so editors that replace the file on save
// are picked up. A file that fails to load leaves the previous defaults in place.
// Watching stops when ctx is done.
func WatchEngineDefaults(ctx context.Context, path string, defaults *EngineDefaults, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve defaults path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := LoadEngineDefaults(absPath)
				if err != nil {
					logger.Warn("keeping previous engine defaults", zap.String("path", absPath), zap.Error(err))
					continue
				}
				defaults.Set(cfg)
				logger.Info("reloaded engine defaults",
					zap.String("path", absPath),
					zap.Int("models", len(cfg.Models)),
					zap.String("synthesis_model", cfg.SynthesisModel),
				)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("engine defaults watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
