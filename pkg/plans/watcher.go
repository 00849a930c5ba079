package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/biznespilot/governor/pkg/observability"
)

// Watcher serves a catalogue loaded from disk and reloads it when the file changes.
// A file that fails to parse is logged and the previous catalogue stays active.
type Watcher struct {
	path     string
	current  atomic.Pointer[Catalogue]
	logger   *observability.Logger
	debounce time.Duration
	onReload func(*Catalogue)
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithReloadHook registers a callback invoked after each successful reload
func WithReloadHook(fn func(*Catalogue)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithDebounce sets how long to wait for writes to settle before reloading
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher loads the catalogue at path. Call Run to start watching.
func NewWatcher(path string, logger *observability.Logger, opts ...WatcherOption) (*Watcher, error) {
	c, err := LoadCatalogue(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger, debounce: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(c)
	return w, nil
}

// Current returns the active catalogue
func (w *Watcher) Current() *Catalogue {
	return w.current.Load()
}

// Reload re-reads the catalogue file
func (w *Watcher) Reload() error {
	c, err := LoadCatalogue(w.path)
	if err != nil {
		return err
	}
	w.current.Store(c)
	if w.onReload != nil {
		w.onReload(c)
	}
	return nil
}

// Run watches the catalogue's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("catalogue watcher error")
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).WithField("path", w.path).Error("catalogue reload failed, keeping previous version")
				continue
			}
			w.logger.WithField("path", w.path).Info("catalogue reloaded")
		}
	}
}
