// Package watcher observes the log-root tree and turns filesystem events
// into debounced refresh callbacks.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed marks a watcher that cannot start or has permanently
// failed. Fatal during startup; degraded mode afterwards.
var ErrWatcherFailed = errors.New("filesystem watcher failed")

// DefaultDebounce is the per-path coalescing window. A burst of writes to
// one file yields a single event per window.
const DefaultDebounce = 250 * time.Millisecond

// hintDirs are subdirectory names whose non-transcript changes hint at
// assistant process activity and trigger a process refresh.
var hintDirs = []string{"todos", "statsig", "shell-snapshots"}

// Watcher wraps fsnotify with recursive directory tracking, per-path
// debouncing, and pause/resume.
type Watcher struct {
	debounce time.Duration

	invalidate func(path string) // cache hook, runs before onData
	onData     func(path string)
	onProc     func(path string)
	onDegraded func(err error) // permanent failure after start

	fsw    *fsnotify.Watcher
	paused atomic.Bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   chan struct{}
}

// New creates a watcher with the given debounce window (<= 0 takes the
// default).
func New(debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// OnDegraded registers a callback for permanent failures after start.
func (w *Watcher) OnDegraded(fn func(err error)) { w.onDegraded = fn }

// Start begins watching root recursively. For every changed *.jsonl file
// the cache invalidation hook runs first, then onData; changes inside hint
// directories fire onProc. Returns ErrWatcherFailed when watching cannot
// begin.
func (w *Watcher) Start(root string, invalidate, onData, onProc func(path string)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	w.fsw = fsw
	w.invalidate = invalidate
	w.onData = onData
	w.onProc = onProc

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	go w.run()
	slog.Info("watcher.started", "root", root, "debounce", w.debounce)
	return nil
}

// Pause makes the watcher drop events (not queue them) until Resume.
func (w *Watcher) Pause() { w.paused.Store(true) }

// Resume re-enables event delivery.
func (w *Watcher) Resume() { w.paused.Store(false) }

// Stop releases all OS resources and cancels pending debounce timers.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable subdirectory, skip
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("watcher.add_failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				w.degrade(errors.New("event channel closed"))
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.degrade(errors.New("error channel closed"))
				return
			}
			// Transient: log and keep going.
			slog.Warn("watcher.error", "error", err)
		}
	}
}

func (w *Watcher) degrade(cause error) {
	select {
	case <-w.done:
		return // normal shutdown
	default:
	}
	slog.Error("watcher.failed", "error", cause)
	if w.onDegraded != nil {
		w.onDegraded(fmt.Errorf("%w: %v", ErrWatcherFailed, cause))
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.paused.Load() {
		return
	}

	// Track new directories so the watch stays recursive.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				slog.Warn("watcher.add_failed", "path", event.Name, "error", err)
			}
			return
		}
	}

	switch {
	case strings.HasSuffix(event.Name, ".jsonl"):
		if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
			event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.schedule(event.Name, w.fireData)
		}
	case inHintDir(event.Name):
		w.schedule(event.Name, w.fireProc)
	}
}

// schedule resets the per-path debounce timer; across paths events fire
// independently.
func (w *Watcher) schedule(path string, fire func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if w.paused.Load() {
			return
		}
		fire(path)
	})
}

func (w *Watcher) fireData(path string) {
	// Invalidation strictly precedes the refresh callback so the rebuild
	// never reads stale cache entries for this path.
	if w.invalidate != nil {
		w.invalidate(path)
	}
	if w.onData != nil {
		w.onData(path)
	}
}

func (w *Watcher) fireProc(path string) {
	if w.onProc != nil {
		w.onProc(path)
	}
}

func inHintDir(path string) bool {
	dir := filepath.Dir(path)
	for dir != "." && dir != string(filepath.Separator) {
		base := filepath.Base(dir)
		for _, hint := range hintDirs {
			if base == hint {
				return true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return false
}
