package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	watcher, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go watcher.Watch(ctx, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	// Give the watch loop a moment to start before rewriting the file.
	time.Sleep(100 * time.Millisecond)

	updated := minimalYAML + `
engine:
  max_workers: 7
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Engine.MaxWorkers != 7 {
			t.Fatalf("MaxWorkers = %d after reload, want 7", cfg.Engine.MaxWorkers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}
}

func TestWatcherKeepsPreviousOnBrokenFile(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	watcher, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go watcher.Watch(ctx, func(cfg *Config) { reloaded <- cfg })

	time.Sleep(100 * time.Millisecond)

	// models: {} fails validation, so the callback must not fire.
	if err := os.WriteFile(path, []byte("models: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("broken file triggered a reload: %+v", cfg)
	case <-time.After(time.Second):
	}
}
