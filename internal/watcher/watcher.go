package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType classifies a file system event
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event is a debounced file system event
type Event struct {
	Path string
	Type EventType
}

// ignoredDirs are never reported; they churn constantly and carry no
// workspace-relevant changes
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".cache":       true,
}

// Watcher watches workspace directories and reports debounced events.
// Bursts of writes to the same file collapse into one callback.
type Watcher struct {
	path     string
	debounce time.Duration
	callback func(Event)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	done     chan struct{}
	started  bool
	closed   bool
	mu       sync.Mutex

	debounceMu sync.Mutex
	debouncer  map[string]*time.Timer
}

// New creates a watcher rooted at path
func New(path string, debounce time.Duration, callback func(Event), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch path %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:      path,
		debounce:  debounce,
		callback:  callback,
		watcher:   fsw,
		logger:    logger,
		done:      make(chan struct{}),
		debouncer: make(map[string]*time.Timer),
	}, nil
}

// AddPath watches an additional directory
func (w *Watcher) AddPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	return w.watcher.Add(path)
}

// Start begins delivering events
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	go w.watch()
	return nil
}

// Close stops the watcher and cancels pending debounce timers
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.started {
		close(w.done)
	}

	w.debounceMu.Lock()
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.debouncer = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "path", w.path, "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if ignored(event.Name) {
		return
	}

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventRename
	default:
		return
	}

	w.debounceEvent(Event{Path: event.Name, Type: eventType})
}

// debounceEvent collapses rapid successive events on the same path
func (w *Watcher) debounceEvent(e Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debouncer[e.Path]; exists {
		timer.Stop()
	}

	w.debouncer[e.Path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debouncer, e.Path)
		w.debounceMu.Unlock()

		w.callback(e)
	})
}

func ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}
