package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentward/internal/eventhub"
)

// Tracker accumulates the set of files modified in a workspace since the
// last drain. Checkpoint captures drain it to fill the modified-files part of
// the context snapshot.
type Tracker struct {
	workspaceID string
	hub         *eventhub.EventHub
	watcher     *Watcher

	mu       sync.Mutex
	modified map[string]bool
}

// NewTracker starts watching root and recording modifications for the
// workspace
func NewTracker(workspaceID, root string, hub *eventhub.EventHub, logger *slog.Logger) (*Tracker, error) {
	t := &Tracker{
		workspaceID: workspaceID,
		hub:         hub,
		modified:    make(map[string]bool),
	}

	w, err := New(root, 200*time.Millisecond, t.record, logger)
	if err != nil {
		return nil, err
	}
	t.watcher = w

	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) record(e Event) {
	t.mu.Lock()
	t.modified[e.Path] = true
	paths := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.EmitWorkspaceChanged(eventhub.WorkspaceChangedEvent{
		WorkspaceID: t.workspaceID,
		Paths:       paths,
	})
}

func (t *Tracker) snapshotLocked() []string {
	paths := make([]string, 0, len(t.modified))
	for p := range t.modified {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ModifiedFiles returns the accumulated paths without clearing them
func (t *Tracker) ModifiedFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Drain returns the accumulated paths and resets the set
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := t.snapshotLocked()
	t.modified = make(map[string]bool)
	return paths
}

// Close stops the underlying watcher
func (t *Tracker) Close() error {
	return t.watcher.Close()
}
