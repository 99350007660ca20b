// Package watcher reacts to operator edits of vendor key files by forcing
// a bulk recheck of the affected pool.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceDelay coalesces bursts of write events from editors that save in
// multiple steps.
const debounceDelay = 500 * time.Millisecond

// Watcher dispatches key-file change notifications.
type Watcher struct {
	fs *fsnotify.Watcher

	mu       sync.Mutex
	handlers map[string]func() // Absolute path to change handler.
	pending  map[string]*time.Timer
	stopped  bool

	done chan struct{}
}

// New constructs a stopped watcher.
func New() (*Watcher, error) {
	fs, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return nil, fmt.Errorf("watcher: init: %w", errNew)
	}
	return &Watcher{
		fs:       fs,
		handlers: make(map[string]func()),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// WatchFile registers a change handler for a file path. The containing
// directory is watched so editors that replace the file atomically are
// still observed.
func (w *Watcher) WatchFile(path string, onChange func()) error {
	abs, errAbs := filepath.Abs(strings.TrimSpace(path))
	if errAbs != nil {
		return fmt.Errorf("watcher: resolve %s: %w", path, errAbs)
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	w.handlers[abs] = onChange
	w.mu.Unlock()

	if errAdd := w.fs.Add(dir); errAdd != nil {
		return fmt.Errorf("watcher: watch %s: %w", dir, errAdd)
	}
	return nil
}

// Start runs the dispatch loop in the background.
func (w *Watcher) Start() {
	go w.run()
	log.Info("watcher: started")
}

// Stop halts the dispatch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	_ = w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(event.Name)
		case errWatch, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(errWatch).Warn("watcher: filesystem event error")
		}
	}
}

// dispatch debounces and fires the handler registered for the path.
func (w *Watcher) dispatch(name string) {
	abs, errAbs := filepath.Abs(name)
	if errAbs != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	handler, ok := w.handlers[abs]
	if !ok {
		return
	}
	if timer, exists := w.pending[abs]; exists {
		timer.Stop()
	}
	w.pending[abs] = time.AfterFunc(debounceDelay, func() {
		log.Infof("watcher: %s changed, forcing recheck", abs)
		handler()
	})
}
