// Package watcher reports when the open document changes on disk.
package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce aggregates the bursts of events a single save produces.
const DefaultDebounce = 200 * time.Millisecond

// ChangeHandler is called with the path of a changed file.
type ChangeHandler func(path string)

// Watcher watches single files. It watches their directories so that
// editors replacing the file through a rename are still noticed.
type Watcher struct {
	mu             sync.Mutex
	fsWatcher      *fsnotify.Watcher
	files          map[string]bool
	dirs           map[string]int
	onChange       ChangeHandler
	debounce       time.Duration
	debounceTimers map[string]*time.Timer
	done           chan struct{}
	closeOnce      sync.Once
}

// New creates a watcher and starts its event loop.
func New(onChange ChangeHandler, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		fsWatcher:      fsw,
		files:          make(map[string]bool),
		dirs:           make(map[string]int),
		onChange:       onChange,
		debounce:       debounce,
		debounceTimers: make(map[string]*time.Timer),
		done:           make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch starts reporting changes to path. Watching a path twice is a no-op.
func (w *Watcher) Watch(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[path] {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}
	w.files[path] = true
	w.dirs[dir]++
	return nil
}

// Unwatch stops reporting changes to path.
func (w *Watcher) Unwatch(path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.files[path] {
		return nil
	}
	delete(w.files, path)
	if timer, ok := w.debounceTimers[path]; ok {
		timer.Stop()
		delete(w.debounceTimers, path)
	}
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	return w.fsWatcher.Remove(dir)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()

		w.mu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleFileChange(event.Name)
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleFileChange(name string) {
	path, err := filepath.Abs(name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.files[path] {
		return
	}

	// Debounce: aggregate rapid changes
	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.onChange(path)
	})
}
