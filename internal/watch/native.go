package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Native watches directories with fsnotify.
//
// fsnotify reports a file as created when it is opened, before anything is
// written. New files are therefore held until their writes have been quiet
// for the settle period.
type Native struct {
	watcher *fsnotify.Watcher
	settle  *settler
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	watched map[string]bool
}

// NewNative creates a new Native source. It is running on return. A
// non-positive settle reports files as soon as they are created.
func NewNative(settle time.Duration) (*Native, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	n := &Native{
		watcher: watcher,
		events:  make(chan Event, 256),
		errors:  make(chan error, 16),
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}
	if settle > 0 {
		n.settle = newSettler(settle)
	}
	n.wg.Add(1)
	go n.processEvents()
	return n, nil
}

// Add starts watching dir.
func (n *Native) Add(dir string) error {
	dir = filepath.Clean(dir)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.watched[dir] {
		return nil
	}
	if err := n.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	n.watched[dir] = true
	return nil
}

// Remove stops watching dir.
func (n *Native) Remove(dir string) error {
	dir = filepath.Clean(dir)

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.watched[dir] {
		return nil
	}
	delete(n.watched, dir)
	if n.closed {
		return nil
	}
	// fsnotify drops watches on deleted directories by itself.
	if err := n.watcher.Remove(dir); err != nil {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil
		}
		return fmt.Errorf("failed to unwatch directory %s: %w", dir, err)
	}
	return nil
}

// Events returns the channel that emits Event notifications.
func (n *Native) Events() <-chan Event {
	return n.events
}

// Errors returns the channel that emits watcher errors.
func (n *Native) Errors() <-chan error {
	return n.errors
}

// Close stops watching and blocks until the event goroutine has exited.
func (n *Native) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	err := n.watcher.Close()
	n.wg.Wait()

	close(n.events)
	close(n.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (n *Native) processEvents() {
	defer n.wg.Done()

	var tick <-chan time.Time
	if n.settle != nil {
		ticker := time.NewTicker(settleTick(n.settle.quiet))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-n.done:
			return

		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			ev, ok := n.convertEvent(event)
			if !ok {
				continue
			}
			if !n.emit(ev) {
				return
			}

		case now := <-tick:
			for _, path := range n.settle.ready(now) {
				if !n.emit(Event{Path: path, Op: OpCreate}) {
					return
				}
			}

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			select {
			case n.errors <- err:
			case <-n.done:
				return
			}
		}
	}
}

func (n *Native) emit(ev Event) bool {
	select {
	case n.events <- ev:
		return true
	case <-n.done:
		return false
	}
}

// convertEvent maps an fsnotify event onto an Event. New files are held by
// the settler and their writes extend the hold; other writes and chmods are
// dropped. A rename is reported as a removal of the old name since the new
// name arrives as its own create.
func (n *Native) convertEvent(event fsnotify.Event) (Event, bool) {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// Gone already; nothing to report.
			return Event{}, false
		}
		if !info.IsDir() && n.settle != nil {
			n.settle.add(path, info, time.Now())
			return Event{}, false
		}
		return Event{Path: path, Op: OpCreate, IsDir: info.IsDir()}, true

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if n.settle != nil {
			n.settle.forget(path)
		}
		n.mu.Lock()
		wasDir := n.watched[path]
		n.mu.Unlock()
		return Event{Path: path, Op: OpRemove, IsDir: wasDir}, true

	case event.Has(fsnotify.Write):
		if n.settle != nil {
			n.settle.touch(path, time.Now())
		}
		return Event{}, false

	default:
		return Event{}, false
	}
}
