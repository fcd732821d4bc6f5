// Package watcher reports changes inside session workspaces so connected
// file managers can refresh.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces bursts of filesystem events into one notification.
const DefaultDebounce = 500 * time.Millisecond

// excludedDirs are never watched.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// ChangeCallback is called once per burst of changes in a session workspace.
type ChangeCallback func(sessionID string)

// Watcher monitors session workspaces for file changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	debounce time.Duration
	callback ChangeCallback
}

type sessionWatcher struct {
	sessionID string
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a watcher. A zero debounce selects DefaultDebounce.
func New(debounce time.Duration, callback ChangeCallback) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		debounce: debounce,
		callback: callback,
	}
}

// Watch starts watching dir for sessionID, replacing any previous watch for
// the same session.
func (w *Watcher) Watch(sessionID, dir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	go w.watchLoop(sw)
	return nil
}

// Unwatch stops watching a session's workspace. Unknown sessions are ignored.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		sw.stop()
	}
}

// Watching reports whether sessionID is being watched.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	all := w.watchers
	w.watchers = make(map[string]*sessionWatcher)
	w.mu.Unlock()

	for _, sw := range all {
		sw.stop()
	}
}

func (sw *sessionWatcher) stop() {
	close(sw.cancel)
	sw.fsWatcher.Close()
}

func (sw *sessionWatcher) stopped() bool {
	select {
	case <-sw.cancel:
		return true
	default:
		return false
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// New directories are watched too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(sw.fsWatcher, event.Name); err != nil {
						log.Debug().Err(err).Str("session", sw.sessionID).Msg("watch new directory")
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if sw.stopped() || w.callback == nil {
					return
				}
				w.callback(sw.sessionID)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("session", sw.sessionID).Msg("workspace watcher error")
		}
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if excludedDirs[d.Name()] && path != dir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
