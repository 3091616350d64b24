package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/busyhq/busyrt/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of writes from editors.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*RuntimeConfig) error

// Watcher reloads a runtime configuration file when it changes. The
// file's directory is watched so that atomic renames are seen.
type Watcher struct {
	path     string
	loader   *Loader
	onChange ReloadFunc
	delay    time.Duration
	logger   *telemetry.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, loader *Loader, onChange ReloadFunc, logger *telemetry.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{
		path:     filepath.Clean(abs),
		loader:   loader,
		onChange: onChange,
		delay:    DefaultReloadDelay,
		logger:   logger.NewComponentLogger("config-watcher"),
	}
}

// SetDelay changes the debounce delay. It must be called before Start.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Start begins watching until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return fmt.Errorf("watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	go w.processEvents(ctx, fw, w.done)

	w.logger.WithField("path", w.path).Info("watching runtime config")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			_ = fw.Close()
			return

		case event, ok := <-fw.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.logger.WithField("op", event.Op.String()).Debug("runtime config changed")
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, w.reload)
			w.mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("config watcher error")
		}
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// reload keeps the previous configuration in force when the new file does
// not load.
func (w *Watcher) reload() {
	cfg, err := w.loader.LoadRuntimeConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Error("failed to reload runtime config")
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.WithError(err).Error("failed to apply reloaded runtime config")
		return
	}
	w.logger.Info("runtime config reloaded")
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.mu.Unlock()

	if fw == nil {
		return nil
	}
	err := fw.Close()
	<-done
	w.stopTimer()
	return err
}
