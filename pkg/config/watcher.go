package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes and publishes every valid
// result to subscribers. Invalid edits are logged and the previous config stays active.
type Watcher struct {
	path     string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	debounce time.Duration
	onReload func(status string)

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after each reload attempt with "success" or "error".
func WithReloadHook(fn func(status string)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher starts watching path. initial is the already loaded configuration.
func NewWatcher(path string, initial *Config, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		logger:   logger,
		watcher:  fsw,
		cancel:   cancel,
		debounce: 100 * time.Millisecond,
		current:  initial,
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives each reloaded configuration. Slow
// consumers only miss intermediate versions, never the latest one.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()

	w.mu.Lock()
	for _, ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = nil
	w.mu.Unlock()
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if ctx.Err() == nil {
						w.reload()
					}
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected, keeping previous configuration", "path", w.path, "error", err)
		w.report("error")
		return
	}

	w.mu.Lock()
	w.current = cfg
	for _, ch := range w.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", "path", w.path)
	w.report("success")
}

func (w *Watcher) report(status string) {
	if w.onReload != nil {
		w.onReload(status)
	}
}
