package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWakeWatcher_SignalsOnWrite(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWakeWatcher()
	if err != nil {
		t.Fatalf("NewWakeWatcher() failed: %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	if w.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", w.Dir(), dir)
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "submit"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-w.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a wake signal")
	}
}

func TestWakeWatcher_StartTwice(t *testing.T) {
	w, err := NewWakeWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	dir := t.TempDir()
	if err := w.Start(dir); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(dir); err == nil {
		t.Error("Expected error starting a running watcher")
	}
}

func TestWakeWatcher_MissingDir(t *testing.T) {
	w, err := NewWakeWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error watching a missing directory")
	}
}

func TestWakeWatcher_StopClosesErrors(t *testing.T) {
	w, err := NewWakeWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if _, ok := <-w.Errors(); ok {
		t.Error("Expected errors channel closed after Stop")
	}
}
