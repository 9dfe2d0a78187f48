// Package tracker observes filesystem side effects during a task run.
package tracker

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dispatchd/dispatchd/internal/task"
)

// Tracker watches a set of directory roots between Start and Stop and
// reports the coalesced set of changes: one record per path, with
// create-then-modify collapsing to "created" and create-then-delete
// dropping out entirely.
type Tracker struct {
	roots   []string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	changes map[string]string // path -> change_type
	done    chan struct{}
}

// New creates a Tracker for the given roots. Roots that don't exist at
// Start are skipped.
func New(roots []string) *Tracker {
	return &Tracker{
		roots:   roots,
		changes: make(map[string]string),
	}
}

// Start begins watching all roots and their subdirectories.
func (t *Tracker) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	t.watcher = w
	t.done = make(chan struct{})

	for _, root := range t.roots {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := watchTree(w, root); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	go t.loop()
	return nil
}

// Stop ends watching and returns the observed changes sorted by path.
func (t *Tracker) Stop() ([]task.FileChange, error) {
	if t.watcher == nil {
		return nil, nil
	}
	if err := t.watcher.Close(); err != nil {
		return nil, fmt.Errorf("failed to close watcher: %w", err)
	}
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.changes))
	for p := range t.changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	changes := make([]task.FileChange, 0, len(paths))
	for _, p := range paths {
		c := task.FileChange{Path: p, ChangeType: t.changes[p]}
		if c.ChangeType != "deleted" {
			if info, err := os.Stat(p); err == nil {
				c.Size = info.Size()
			}
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (t *Tracker) loop() {
	defer close(t.done)

	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.record(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: file watcher: %v", err)
		}
	}
}

func (t *Tracker) record(ev fsnotify.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case ev.Has(fsnotify.Create):
		t.changes[ev.Name] = "created"
		// New directories need their own watch to see nested writes.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := t.watcher.Add(ev.Name); err != nil {
				log.Printf("WARNING: failed to watch new directory %s: %v", ev.Name, err)
			}
		}
	case ev.Has(fsnotify.Write):
		if t.changes[ev.Name] != "created" {
			t.changes[ev.Name] = "modified"
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if t.changes[ev.Name] == "created" {
			// Created and deleted within the run cancels out.
			delete(t.changes, ev.Name)
		} else {
			t.changes[ev.Name] = "deleted"
		}
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Nop is a FileTracker that observes nothing, for tasks with no
// directories to watch.
type Nop struct{}

func (Nop) Start() error                     { return nil }
func (Nop) Stop() ([]task.FileChange, error) { return nil, nil }
