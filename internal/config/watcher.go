package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tibebgroup/taskrelay/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompConfig)

// Watcher reloads the config file on change and applies the dynamic
// subset (currently the log level). Static settings such as the ERP URL
// still require a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	// onReload receives the freshly loaded config after the dynamic
	// settings have been applied.
	onReload func(Config)
}

// NewWatcher creates a watcher for the given config file.
// Call Start() in a goroutine.
func NewWatcher(path string, onReload func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
		onReload: onReload,
	}, nil
}

// Start begins watching. It watches the parent directory because editors
// commonly replace the file via rename, which drops a direct watch.
func (w *Watcher) Start() {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		watchLog.Warn("config_watch_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	// Debounce: editors fire several events per save.
	var debounce *time.Timer
	var debounceMu sync.Mutex

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			debounceMu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
			debounceMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		watchLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}

	logging.SetLevel(cfg.Log.Level)
	watchLog.Info("config_reloaded", slog.String("level", cfg.Log.Level))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}
