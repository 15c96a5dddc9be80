package roster

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the registry cache when the fallback roster file
// changes on disk, so operator edits surface without waiting for the TTL.
type Watcher struct {
	registry *Registry
	path     string
	logger   *slog.Logger
}

func NewWatcher(registry *Registry, path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{registry: registry, path: path, logger: logger}
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		// The fallback file may not exist yet; the watcher is best-effort.
		w.logger.Warn("roster file watch unavailable", "path", w.path, "error", err)
		fsw.Close()
		return nil
	}

	go func() {
		defer fsw.Close()
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
				w.registry.Invalidate()
				w.logger.Info("roster file changed, cache invalidated", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("roster watcher error", "error", err)
			}
		}
	}()
	return nil
}
