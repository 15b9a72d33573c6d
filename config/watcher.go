package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a configuration file when it changes on disk and hands
// the validated result to a callback. Invalid edits are logged and ignored
// so a half-saved file never replaces a working configuration.
type Watcher struct {
	watcher    *fsnotify.Watcher
	path       string
	debounce   time.Duration
	lastChange time.Time
	mu         sync.Mutex
	logger     *logrus.Entry
	onReload   func(*Config)
}

// NewWatcher watches the directory containing path. fsnotify does not follow
// editors that replace files by rename, so the parent directory is watched
// and events are filtered by name.
func NewWatcher(path string, debounce time.Duration, logger *logrus.Entry, onReload func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Watcher{
		watcher:  watcher,
		path:     absPath,
		debounce: debounce,
		logger:   logger,
		onReload: onReload,
	}, nil
}

// Start begins watching for config changes. It blocks until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.handleChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

// handleChange reloads the file with debouncing.
func (w *Watcher) handleChange() {
	w.mu.Lock()
	elapsed := time.Since(w.lastChange)
	if elapsed < w.debounce {
		w.mu.Unlock()
		w.logger.Debugf("Debounced: %s (only %v since last change)", filepath.Base(w.path), elapsed)
		return
	}
	w.lastChange = time.Now()
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid configuration change")
		return
	}

	w.logger.Infof("Config changed: %s", filepath.Base(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
