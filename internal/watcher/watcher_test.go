package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) callback(sessionID string) {
	r.mu.Lock()
	r.calls = append(r.calls, sessionID)
	r.mu.Unlock()
	r.ch <- sessionID
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected change for %s, got %s", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for change notification for %s", want)
	}
}

func TestWatch_NotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(50*time.Millisecond, rec.callback)
	defer w.Shutdown()

	if err := w.Watch("S1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if !w.Watching("S1") {
		t.Fatal("expected S1 to be watched")
	}

	os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0644)
	waitFor(t, rec.ch, "S1")
}

func TestWatch_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(200*time.Millisecond, rec.callback)
	defer w.Shutdown()

	if err := w.Watch("S1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		os.WriteFile(filepath.Join(dir, "f"+string(rune('a'+i))), []byte("x"), 0644)
	}
	waitFor(t, rec.ch, "S1")

	time.Sleep(400 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("expected a single notification for the burst, got %d", n)
	}
}

func TestWatch_NewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(50*time.Millisecond, rec.callback)
	defer w.Shutdown()

	if err := w.Watch("S1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	sub := filepath.Join(dir, "src")
	os.MkdirAll(sub, 0755)
	waitFor(t, rec.ch, "S1")

	os.WriteFile(filepath.Join(sub, "inner.go"), []byte("package src"), 0644)
	waitFor(t, rec.ch, "S1")
}

func TestUnwatch_StopsNotifications(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(50*time.Millisecond, rec.callback)
	defer w.Shutdown()

	if err := w.Watch("S1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	w.Unwatch("S1")
	if w.Watching("S1") {
		t.Fatal("expected S1 to be unwatched")
	}

	os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0644)
	time.Sleep(200 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("expected no notifications after Unwatch, got %d", n)
	}

	// Unknown sessions are ignored.
	w.Unwatch("nope")
}

func TestWatch_MissingDir(t *testing.T) {
	w := New(0, nil)
	defer w.Shutdown()

	if err := w.Watch("S1", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
	if w.Watching("S1") {
		t.Error("failed watch must not be registered")
	}
}

func TestShutdown_StopsAll(t *testing.T) {
	w := New(0, nil)
	for _, id := range []string{"S1", "S2"} {
		if err := w.Watch(id, t.TempDir()); err != nil {
			t.Fatalf("Watch %s failed: %v", id, err)
		}
	}
	w.Shutdown()
	if w.Watching("S1") || w.Watching("S2") {
		t.Error("expected no watches after Shutdown")
	}
}
