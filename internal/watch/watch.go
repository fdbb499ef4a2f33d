// Package watch delivers filesystem creation events for watched directories.
//
// A Source is an unbounded, non-restartable stream of events for a set of
// directories that can grow and shrink while it runs. Watches are not
// recursive: each directory of interest is added explicitly. Two sources
// are provided, Native (fsnotify) and Poll (periodic scans).
package watch

import "errors"

// Op is the kind of filesystem change.
type Op int

const (
	// OpCreate indicates a new file or directory appeared.
	OpCreate Op = iota
	// OpRemove indicates a file or directory disappeared or was renamed away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is a change inside a watched directory.
type Event struct {
	// Path is the absolute path of the entry that changed.
	Path string
	// Op is the change that occurred.
	Op Op
	// IsDir is true when the entry is (or, for removals, was) a directory.
	IsDir bool
}

// Source produces events for a dynamic set of directories.
type Source interface {
	// Add starts watching dir. Adding a watched directory is a no-op.
	Add(dir string) error
	// Remove stops watching dir.
	Remove(dir string) error
	// Events returns the event stream. It is closed by Close.
	Events() <-chan Event
	// Errors returns watcher errors. It is closed by Close.
	Errors() <-chan error
	// Close stops the source and releases its resources.
	Close() error
}

// ErrClosed is returned when adding to a closed source.
var ErrClosed = errors.New("watch source closed")
