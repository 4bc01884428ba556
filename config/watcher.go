package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and fans
// the new Config out to registered callbacks.
type Watcher struct {
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config)
	debounce   time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	running    bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last write event
// before reloading. Editors often produce several events per save.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a configuration file watcher.
func NewWatcher(configPath string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}

	fswatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		watcher:    fswatcher,
		loader:     loader,
		configPath: configPath,
		debounce:   defaultDebounce,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks, reloading the configuration after each debounced change,
// until the context is cancelled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("watch config file %s: %w", w.configPath, err)
	}

	// The timer is armed on the first event and pushed back on each
	// subsequent one, so a burst of writes triggers a single reload.
	reload := time.NewTimer(w.debounce)
	if !reload.Stop() {
		<-reload.C
	}
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case <-reload.C:
			w.reloadConfig(ctx)

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if !reload.Stop() {
					select {
					case <-reload.C:
					default:
					}
				}
				reload.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// reloadConfig reloads the file and notifies callbacks. Callbacks run in
// their own goroutines so a slow consumer cannot stall the watch loop.
func (w *Watcher) reloadConfig(_ context.Context) {
	cfg, err := w.loader.Load(w.configPath, nil)
	if err != nil {
		logger.Warn("config reload failed, keeping previous configuration",
			"path", w.configPath, "error", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		go func(callback func(*Config)) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("config change callback panicked", "panic", r)
				}
			}()
			callback(cfg)
		}(cb)
	}
}

// OnChange registers a callback invoked with the new Config after each
// successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop terminates the watch loop and releases the fsnotify watcher. Safe to
// call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

// IsRunning reports whether the watch loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// ConfigPath returns the path being watched.
func (w *Watcher) ConfigPath() string {
	return w.configPath
}

// HotReloadableConfig is the subset of configuration that can change without
// a process restart.
type HotReloadableConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	MetricsPath    string
	MetricsPort    int
}

// ExtractHotReloadable pulls the hot-reloadable values out of a Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		MetricsPort:    cfg.Metrics.Port,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
