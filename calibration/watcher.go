package calibration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher re-applies a calibration file whenever it changes.
type Watcher struct {
	path    string
	manager *Manager
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewWatcher watches the directory holding path, so editors that replace the
// file are noticed too.
func NewWatcher(path string, manager *Manager, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("calibration: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("calibration: watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:    abs,
		manager: manager,
		watcher: fw,
		logger:  logger.With().Str("component", "calibration-watcher").Str("path", abs).Logger(),
	}, nil
}

// Run applies the file once, then again on every write, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.reload(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn().Err(err).Msg("read calibration file")
		}
		return
	}
	if _, err := w.manager.Apply(ctx, string(data)); err != nil {
		w.logger.Warn().Err(err).Msg("persist calibration")
	}
}
