package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const waitFor = 3 * time.Second

func startWatcher(t *testing.T, root string) (*Watcher, chan string, chan string, chan string) {
	t.Helper()
	invalidated := make(chan string, 16)
	data := make(chan string, 16)
	proc := make(chan string, 16)

	w := New(50 * time.Millisecond)
	err := w.Start(root,
		func(p string) { invalidated <- p },
		func(p string) { data <- p },
		func(p string) { proc <- p },
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, invalidated, data, proc
}

func recvPath(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for callback")
		return ""
	}
}

func expectQuiet(t *testing.T, ch chan string, d time.Duration) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected callback for %q", p)
	case <-time.After(d):
	}
}

func TestTranscriptWriteFiresDataCallback(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "projects", "-home-x-app")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	_, invalidated, data, _ := startWatcher(t, root)

	// The project directory existed at Start, so this exercises the
	// pre-registered tree.
	file := filepath.Join(project, "s1.jsonl")
	if err := os.WriteFile(file, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := recvPath(t, invalidated); got != file {
		t.Errorf("invalidated %q, want %q", got, file)
	}
	if got := recvPath(t, data); got != file {
		t.Errorf("data callback %q, want %q", got, file)
	}
}

func TestInvalidationPrecedesDataCallback(t *testing.T) {
	root := t.TempDir()
	order := make(chan string, 8)
	done := make(chan struct{}, 1)

	w := New(50 * time.Millisecond)
	err := w.Start(root,
		func(string) { order <- "invalidate" },
		func(string) { order <- "data"; done <- struct{}{} },
		nil,
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(root, "s.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
	if first := <-order; first != "invalidate" {
		t.Errorf("first callback = %q, want invalidate", first)
	}
	if second := <-order; second != "data" {
		t.Errorf("second callback = %q, want data", second)
	}
}

func TestDebounceCoalescesBursts(t *testing.T) {
	root := t.TempDir()
	_, _, data, _ := startWatcher(t, root)

	file := filepath.Join(root, "burst.jsonl")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(file, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	recvPath(t, data)
	// The burst fit inside one debounce window, so at most one more event
	// may be pending; a second burst would look the same, so require quiet.
	expectQuiet(t, data, 300*time.Millisecond)
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	_, _, data, _ := startWatcher(t, root)

	// Created after Start; the watcher must pick it up from the Create event.
	sub := filepath.Join(root, "projects")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the run loop a beat to register the new directory.
	time.Sleep(200 * time.Millisecond)

	file := filepath.Join(sub, "s.jsonl")
	if err := os.WriteFile(file, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := recvPath(t, data); got != file {
		t.Errorf("data callback %q, want %q", got, file)
	}
}

func TestHintDirFiresProcCallback(t *testing.T) {
	root := t.TempDir()
	todos := filepath.Join(root, "todos")
	if err := os.Mkdir(todos, 0o755); err != nil {
		t.Fatal(err)
	}
	_, _, data, proc := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(todos, "t1.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	recvPath(t, proc)
	expectQuiet(t, data, 200*time.Millisecond)
}

func TestPauseDropsEvents(t *testing.T) {
	root := t.TempDir()
	w, _, data, _ := startWatcher(t, root)

	w.Pause()
	if err := os.WriteFile(filepath.Join(root, "paused.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectQuiet(t, data, 300*time.Millisecond)

	w.Resume()
	file := filepath.Join(root, "resumed.jsonl")
	if err := os.WriteFile(file, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := recvPath(t, data); got != file {
		t.Errorf("data callback %q, want %q", got, file)
	}
}

func TestStartMissingRoot(t *testing.T) {
	w := New(0)
	err := w.Start(filepath.Join(t.TempDir(), "does-not-exist"), nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	if !errors.Is(err, ErrWatcherFailed) {
		t.Errorf("error = %v, want ErrWatcherFailed", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	w, _, _, _ := startWatcher(t, root)
	w.Stop()
	w.Stop()
}
