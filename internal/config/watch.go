package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/rbright/portguard/internal/logging"
)

// Watcher reloads one config file whenever it changes on disk.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching the directory that holds path. Watching the
// directory rather than the file survives editors that save by rename.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Discard().Logger
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config dir %q: %w", dir, err)
	}

	return &Watcher{path: filepath.Clean(path), logger: logger, watcher: fw}, nil
}

// Run delivers every successful reload to onChange until ctx is done.
// Reloads that fail to parse or validate are logged and skipped.
func (w *Watcher) Run(ctx context.Context, onChange func(Loaded)) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			loaded, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", "config", w.path, "error", err.Error())
				continue
			}
			w.logger.Info("config reloaded", "config", w.path)
			onChange(loaded)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err.Error())
		}
	}
}
