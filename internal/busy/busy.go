// Package busy provides the "user is mid-edit" predicates consulted before a
// remote refresh may replace the local document.
package busy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Predicate reports whether local state must not be replaced right now.
type Predicate func() bool

// Flag is a busy predicate toggled in process, e.g. by an editor front end.
type Flag struct {
	busy atomic.Bool
}

func (f *Flag) Set(busy bool) {
	f.busy.Store(busy)
}

func (f *Flag) Busy() bool {
	return f.busy.Load()
}

// Any is busy while at least one of preds is. Nil entries are ignored.
func Any(preds ...Predicate) Predicate {
	return func() bool {
		for _, pred := range preds {
			if pred != nil && pred() {
				return true
			}
		}
		return false
	}
}

// MarkerWatcher is busy while a marker file exists. External editors create
// the file when an edit starts and remove it when they are done.
type MarkerWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	busy    atomic.Bool
}

func NewMarkerWatcher(path string, logger *zap.Logger) (*MarkerWatcher, error) {
	if path == "" {
		return nil, errors.New("busy marker path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	m := &MarkerWatcher{path: abs, watcher: watcher, logger: logger}
	m.refresh()
	return m, nil
}

func (m *MarkerWatcher) Busy() bool {
	return m.busy.Load()
}

func (m *MarkerWatcher) Path() string {
	return m.path
}

// Run tracks the marker until ctx is done, then releases the watcher.
func (m *MarkerWatcher) Run(ctx context.Context) error {
	defer m.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == m.path {
				m.refresh()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("busy marker watch error", zap.String("path", m.path), zap.Error(err))
			m.refresh()
		}
	}
}

// Close releases the watcher. It is safe to call after Run returned.
func (m *MarkerWatcher) Close() error {
	return m.watcher.Close()
}

func (m *MarkerWatcher) refresh() {
	_, err := os.Stat(m.path)
	busy := err == nil
	if m.busy.Swap(busy) != busy {
		m.logger.Debug("busy marker changed", zap.String("path", m.path), zap.Bool("busy", busy))
	}
}
