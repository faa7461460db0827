// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const watchDebounce = 20 * time.Millisecond

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func waitConfig(t *testing.T, ch <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config change notification")
		return nil
	}
}

func TestWatcherDetectsChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "engine:\n  queue_size: 8\n")

	watcher, err := NewWatcher(Options{Path: configPath}, WithDebounce(watchDebounce))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	changes := make(chan *Config, 4)
	watcher.OnChange(func(cfg *Config) { changes <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	if got := watcher.Config().Engine.QueueSize; got != 8 {
		t.Fatalf("initial queue size = %d", got)
	}

	writeConfig(t, configPath, "engine:\n  queue_size: 32\n")
	if got := waitConfig(t, changes).Engine.QueueSize; got != 32 {
		t.Errorf("reloaded queue size = %d, want 32", got)
	}
	if got := watcher.Config().Engine.QueueSize; got != 32 {
		t.Errorf("Config() after reload = %d, want 32", got)
	}
}

func TestWatcherMultipleListeners(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "log:\n  level: info\n")

	watcher, err := NewWatcher(Options{Path: configPath}, WithDebounce(watchDebounce))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	var count1, count2 atomic.Int32
	done := make(chan *Config, 4)
	watcher.OnChange(func(*Config) { count1.Add(1) })
	watcher.OnChange(func(cfg *Config) {
		count2.Add(1)
		done <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	writeConfig(t, configPath, "log:\n  level: debug\n")
	waitConfig(t, done)

	if count1.Load() < 1 || count1.Load() != count2.Load() {
		t.Errorf("expected both listeners called, got count1=%d, count2=%d", count1.Load(), count2.Load())
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "approval:\n  mode: placeholder\n")

	watcher, err := NewWatcher(Options{Path: configPath}, WithDebounce(watchDebounce))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	changes := make(chan *Config, 4)
	watcher.OnChange(func(cfg *Config) { changes <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	// jwt without a secret fails validation.
	writeConfig(t, configPath, "approval:\n  mode: jwt\n")
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg.Approval)
	case <-time.After(10 * watchDebounce):
	}
	if got := watcher.Config().Approval.Mode; got != "placeholder" {
		t.Errorf("mode after invalid reload = %q", got)
	}

	writeConfig(t, configPath, "approval:\n  mode: jwt\n  jwt_secret: s3cret\n")
	if got := waitConfig(t, changes).Approval.Mode; got != "jwt" {
		t.Errorf("mode after valid reload = %q", got)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, configPath, "log:\n  level: info\n")

	watcher, err := NewWatcher(Options{Path: configPath}, WithDebounce(watchDebounce))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	var calls atomic.Int32
	watcher.OnChange(func(*Config) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	writeConfig(t, filepath.Join(dir, "notes.txt"), "unrelated")
	time.Sleep(10 * watchDebounce)
	if n := calls.Load(); n != 0 {
		t.Errorf("listener called %d times for an unrelated file", n)
	}
}

func TestWatcherStops(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "log: {}\n")

	watcher, err := NewWatcher(Options{Path: configPath}, WithDebounce(watchDebounce))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	watcher.Start(context.Background())
	watcher.Start(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher.Stop() did not complete in time")
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	watcher, err := NewWatcher(Options{})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Stop without Start blocked")
	}
}

func TestWatchConfigWithProfiles(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	writeConfig(t, basePath, "log:\n  level: info\n")
	writeConfig(t, devPath, "log:\n  level: debug\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, cfg, err := WatchConfig(ctx, Options{Path: basePath, Profile: "dev"}, WithDebounce(watchDebounce))
	if err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()

	if cfg.Log.Level != "debug" {
		t.Errorf("expected profile level 'debug', got %q", cfg.Log.Level)
	}

	changes := make(chan *Config, 4)
	watcher.OnChange(func(c *Config) { changes <- c })

	// Edits to the overlay are watched too.
	writeConfig(t, devPath, "log:\n  level: warn\n")
	if got := waitConfig(t, changes).Log.Level; got != "warn" {
		t.Errorf("level after overlay edit = %q, want warn", got)
	}
}
