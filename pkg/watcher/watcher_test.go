package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(root, Options{Cooldown: 200 * time.Millisecond, QueueSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func waitForArrival(t *testing.T, w *Watcher) Arrival {
	t.Helper()
	select {
	case a, ok := <-w.Arrivals():
		if !ok {
			t.Fatal("arrivals channel closed unexpectedly")
		}
		return a
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for arrival")
	}
	return Arrival{}
}

func TestWatcherReportsNewSubdirectory(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	dir := filepath.Join(root, "batch-001")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	a := waitForArrival(t, w)
	if a.Path != dir {
		t.Fatalf("arrival path = %s, want %s", a.Path, dir)
	}
	if a.Detected.IsZero() {
		t.Fatal("arrival timestamp not set")
	}
}

func TestWatcherIgnoresFileCreation(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "loose.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case a := <-w.Arrivals():
		t.Fatalf("file creation produced an arrival: %+v", a)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresNestedCreation(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	outer := filepath.Join(root, "outer")
	if err := os.Mkdir(outer, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got := waitForArrival(t, w)
	if got.Path != outer {
		t.Fatalf("arrival path = %s, want %s", got.Path, outer)
	}

	// A directory created one level deeper must not be reported.
	if err := os.Mkdir(filepath.Join(outer, "inner"), 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	select {
	case a := <-w.Arrivals():
		t.Fatalf("nested creation produced an arrival: %+v", a)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAdmitDeduplicatesWithinCooldown(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{Cooldown: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now()
	if !w.admit("/drop/a", now) {
		t.Fatal("first event should be admitted")
	}
	if w.admit("/drop/a", now.Add(time.Second)) {
		t.Fatal("repeat within cooldown should be dropped")
	}
	if !w.admit("/drop/b", now.Add(time.Second)) {
		t.Fatal("different path should be admitted")
	}
	if !w.admit("/drop/a", now.Add(2*time.Minute)) {
		t.Fatal("event after cooldown should be admitted again")
	}
}

func TestStopClosesArrivalsAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w.Stop()
	w.Stop()

	select {
	case _, ok := <-w.Arrivals():
		if ok {
			t.Fatal("expected closed channel, got arrival")
		}
	case <-time.After(time.Second):
		t.Fatal("arrivals channel not closed after Stop")
	}

	if err := w.Start(); err == nil {
		t.Fatal("Start after Stop should fail")
	}
}

func TestNewRejectsMissingRoot(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), Options{}); err == nil {
		t.Fatal("expected error for missing root")
	}
}
