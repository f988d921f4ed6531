package localstate

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite indicates the file was created or replaced.
	OpWrite EventOp = iota
	// OpDelete indicates the file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a mutation of one tracked file made by someone other than the
// Dir itself.
type Change struct {
	Field Field
	Path  string
	Op    EventOp
}

// Watcher reports UI-originated changes to a Dir.
type Watcher struct {
	dir     *Dir
	watcher *fsnotify.Watcher
	changes chan Change
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for dir. It emits nothing until Start.
func NewWatcher(dir *Dir) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:     dir,
		watcher: w,
		changes: make(chan Change, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir.Path()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir.Path(), err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the channels. It blocks until the event
// loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	close(w.changes)
	close(w.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Changes returns the channel of UI-originated changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			change, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case w.changes <- change:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a Change, dropping untracked
// files, chmod-only events and the Dir's own writes.
func (w *Watcher) convertEvent(event fsnotify.Event) (Change, bool) {
	if filepath.Dir(event.Name) != w.dir.Path() {
		return Change{}, false
	}
	field, ok := fieldForFile(filepath.Base(event.Name))
	if !ok {
		return Change{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return Change{}, false
	}

	if op == OpWrite && w.dir.IsSelfWrite(field) {
		return Change{}, false
	}
	return Change{Field: field, Path: event.Name, Op: op}, true
}
