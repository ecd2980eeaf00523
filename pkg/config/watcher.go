package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tessera-db/tessera/pkg/log"
)

// Watcher hot-reloads the configuration file. A successful parse invokes
// the registered callbacks with the new configuration; a parse failure
// keeps the previous configuration and logs a warning.
type Watcher struct {
	path   string
	logger *log.Logger

	mu        sync.Mutex
	callbacks []func(Config)
	watcher   *fsnotify.Watcher
	done      chan struct{}

	// Editors replace files rather than writing in place, so events fire
	// in bursts; reloads are debounced.
	debounce time.Duration
}

// NewWatcher creates a watcher over the config file path.
func NewWatcher(path string, logger *log.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// OnReload registers a callback invoked with each successfully reloaded
// configuration.
func (w *Watcher) OnReload(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching. The directory is watched rather than the file so
// atomic rename-into-place saves are seen.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.loop(fw)

	w.logger.System().Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.System().Error("config watcher error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.System().Warn("config reload failed, keeping previous configuration",
			"path", w.path, "error", err.Error())
		return
	}

	w.logger.System().Info("configuration reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := append([]func(Config){}, w.callbacks...)

	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
