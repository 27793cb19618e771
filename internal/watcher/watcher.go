// Package watcher reloads template overrides when the template directory
// changes on disk.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Reloader is the template set being watched.
type Reloader interface {
	Dir() string
	Reload() error
	Templates() []string
}

// UpdateCallback is called with the sorted template names after a reload
// that changed the set of available templates.
type UpdateCallback func(templates []string)

// Watcher monitors a template directory and reloads on change.
type Watcher struct {
	reloader Reloader
	debounce time.Duration
	callback UpdateCallback
	logger   *zap.Logger

	mu   sync.Mutex
	last []string
}

// New creates a watcher. A non-positive debounce uses DefaultDebounce.
func New(r Reloader, debounce time.Duration, callback UpdateCallback, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		reloader: r,
		debounce: debounce,
		callback: callback,
		logger:   logger.Named("watcher"),
		last:     sortedNames(r.Templates()),
	}
}

// Run watches until ctx is cancelled. The directory is created if missing.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.reloader.Dir()
	if dir == "" {
		return fmt.Errorf("no template directory to watch")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create template dir: %w", err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsW.Close()
	if err := fsW.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("watching templates", zap.String("dir", dir))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsW.Events:
			if !ok {
				return nil
			}
			if isHidden(filepath.Base(event.Name)) {
				continue
			}
			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-fsW.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// reload re-parses the templates and notifies if the set changed. A failed
// parse keeps the previous templates active.
func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.reloader.Reload(); err != nil {
		w.logger.Warn("template reload failed", zap.Error(err))
		return
	}
	names := sortedNames(w.reloader.Templates())
	w.logger.Info("templates reloaded", zap.Strings("templates", names))

	if !slices.Equal(names, w.last) {
		w.last = names
		if w.callback != nil {
			w.callback(names)
		}
	}
}

func sortedNames(names []string) []string {
	out := slices.Clone(names)
	slices.Sort(out)
	return out
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
