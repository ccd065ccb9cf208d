package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is the quiet period after the last file event
// before the configuration is reloaded.
const DefaultDebounceInterval = 500 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the configuration file (required).
	Path string

	// OnChange receives each successfully reloaded configuration.
	OnChange func(Config)

	// Debounce defaults to DefaultDebounceInterval.
	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher reloads the configuration file when it changes. Invalid files
// are logged and skipped; the previous configuration stays in effect.
type Watcher struct {
	cfg      WatcherConfig
	logger   *slog.Logger
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// Watch starts watching the directory holding cfg.Path. The directory must
// exist.
func Watch(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := fsw.Add(filepath.Dir(cfg.Path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(cfg.Path), err)
	}

	w := &Watcher{
		cfg:    cfg,
		logger: cfg.Logger,
		fs:     fsw,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run(fsw.Events, fsw.Errors)

	w.logger.Debug("Watching configuration file", "path", cfg.Path)
	return w, nil
}

func (w *Watcher) run(events <-chan fsnotify.Event, errs <-chan error) {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.cfg.Path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reloadDebounced()
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Warn("Configuration watcher error", "error", err)
		}
	}
}

func (w *Watcher) reloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.cfg.Debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	cfg, err := Load(w.cfg.Path)
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration change", "path", w.cfg.Path, "error", err)
		return
	}
	w.logger.Info("Configuration reloaded", "path", w.cfg.Path)
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(cfg)
	}
}

// Stop ends watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()

		err = w.fs.Close()
		<-w.doneCh
	})
	return err
}
