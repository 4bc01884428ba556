package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewWatcherRequiresPath(t *testing.T) {
	if _, err := NewWatcher("", NewLoader()); err == nil {
		t.Fatal("expected error for empty config path")
	}
}

func TestNewWatcherDefaults(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\n")

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.ConfigPath() != path {
		t.Errorf("expected config path %s, got %s", path, w.ConfigPath())
	}
	if w.debounce != defaultDebounce {
		t.Errorf("expected default debounce %v, got %v", defaultDebounce, w.debounce)
	}
}

func TestWithDebounceOption(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\n")

	w, err := NewWatcher(path, NewLoader(), WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.debounce != 50*time.Millisecond {
		t.Errorf("expected debounce 50ms, got %v", w.debounce)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\nlog:\n  level: info\n")

	w, err := NewWatcher(path, NewLoader(), WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	// Give the watch loop time to register the file before modifying it.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("app:\n  name: sagaflow\nlog:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Log.Level != "debug" {
			t.Errorf("expected reloaded log level debug, got %q", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change never reached the callback")
	}
}

func TestWatchReturnsOnContextCancel(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\n")

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch loop did not stop on cancel")
	}
}

func TestWatchRejectsConcurrentLoops(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\n")

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	go func() { _ = w.Watch(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if err := w.Watch(context.Background()); err == nil {
		t.Fatal("expected error starting a second watch loop")
	}
}

func TestWatchFailsForMissingFile(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := w.Watch(ctx); err == nil {
		t.Fatal("expected error watching a file that does not exist")
	}
}

func TestOnChangeFansOutToAllCallbacks(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\n")

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	var calls atomic.Int32
	w.OnChange(func(*Config) { calls.Add(1) })
	w.OnChange(func(*Config) { calls.Add(1) })

	w.reloadConfig(context.Background())

	deadline := time.Now().Add(time.Second)
	for calls.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 callback invocations, got %d", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	path := writeTestConfig(t, "app:\n  name: sagaflow\n")

	w, err := NewWatcher(path, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	if !w.IsRunning() {
		t.Error("expected watcher to be running")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("first Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch loop did not stop")
	}
	if w.IsRunning() {
		t.Error("expected watcher stopped after Stop")
	}
}

func TestHotReloadableConfigExtractAndChanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	cfg.Metrics.Enabled = false
	cfg.Metrics.Path = "/internal/metrics"
	cfg.Metrics.Port = 9999

	hot := ExtractHotReloadable(cfg)
	want := HotReloadableConfig{
		LogLevel:       "debug",
		LogFormat:      "text",
		MetricsEnabled: false,
		MetricsPath:    "/internal/metrics",
		MetricsPort:    9999,
	}
	if hot != want {
		t.Errorf("ExtractHotReloadable = %+v, want %+v", hot, want)
	}

	if hot.Changed(want) {
		t.Error("identical values should not report a change")
	}

	mutations := []func(*HotReloadableConfig){
		func(h *HotReloadableConfig) { h.LogLevel = "info" },
		func(h *HotReloadableConfig) { h.LogFormat = "json" },
		func(h *HotReloadableConfig) { h.MetricsEnabled = true },
		func(h *HotReloadableConfig) { h.MetricsPath = "/metrics" },
		func(h *HotReloadableConfig) { h.MetricsPort = 9091 },
	}
	for i, mutate := range mutations {
		other := want
		mutate(&other)
		if !hot.Changed(other) {
			t.Errorf("mutation %d should report a change", i)
		}
	}
}
