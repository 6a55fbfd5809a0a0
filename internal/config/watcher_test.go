package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWatcher_OpensOnExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v, want nil", err)
	}
	w.Close()
}

func TestNewWatcher_MissingFileErrors(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected an error watching a nonexistent file")
	}
}

func TestWatcher_WriteTriggersDebouncedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var calls int32
	go w.Run(func() { atomic.AddInt32(&calls, 1) })

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server: {host: x}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("onReload was not called after a write within the deadline")
}

func TestWatcher_BurstOfWritesDebouncesToOneReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var calls int32
	go w.Run(func() { atomic.AddInt32(&calls, 1) })

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		_ = os.WriteFile(path, []byte("server: {host: x}\n"), 0o644)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(debounceInterval + 200*time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("onReload called %d times, want exactly 1 after a debounced burst", n)
	}
}
