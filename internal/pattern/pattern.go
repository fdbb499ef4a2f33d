// Package pattern resolves watch targets into concrete directories.
//
// A watch target is either a concrete directory or a glob pattern. A
// pattern is split into its anchor, the longest leading run of path
// elements that contains no glob metacharacters and exists as a directory,
// and a suffix of remaining elements. The anchor is watched; each time a
// directory is created that matches the next suffix element the Resolver
// descends one level, and a directory that satisfies the last element is
// discovered.
//
// Only directories created after registration can match. Directories that
// already exist under the anchor are never considered, so a pattern such as
// Logs/*/assets/screenshots ignores Logs/PRE if PRE was already there.
package pattern

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Metacharacters that make a path element a glob.
const Metacharacters = "*?["

var (
	// ErrNoAnchor is returned when no leading part of a target exists.
	ErrNoAnchor = errors.New("no existing ancestor directory")

	// ErrBadPattern is returned for a malformed glob element.
	ErrBadPattern = errors.New("malformed pattern")
)

// ResolutionError reports a watch target that cannot be resolved.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// HasMagic reports whether s contains glob metacharacters.
func HasMagic(s string) bool {
	return strings.ContainsAny(s, Metacharacters)
}

// Normalize returns the absolute, cleaned form of a target so that
// equivalent specifications compare equal.
func Normalize(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("absolute path of %s: %w", target, err)
	}
	return filepath.Clean(abs), nil
}

// Anchor returns the longest prefix of target that is free of glob
// metacharacters and exists as a directory, together with the remaining
// path elements.
func Anchor(target string) (string, []string, error) {
	target = filepath.Clean(target)

	var suffix []string
	dir := target
	for {
		if !HasMagic(dir) && isDir(dir) {
			return dir, suffix, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, ErrNoAnchor
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Step is the work a resolver asks its caller to perform.
type Step struct {
	// Watch lists directories that must be watched for creations.
	Watch []string
	// Discovered lists directories that fully matched the target.
	Discovered []string
}

// Empty reports whether the step requires no action.
func (s Step) Empty() bool {
	return len(s.Watch) == 0 && len(s.Discovered) == 0
}

func (s *Step) merge(o Step) {
	s.Watch = append(s.Watch, o.Watch...)
	s.Discovered = append(s.Discovered, o.Discovered...)
}

// Resolver tracks the resolution of one watch target. It is safe for
// concurrent use.
type Resolver struct {
	target string
	anchor string
	suffix []string

	mu     sync.Mutex
	levels map[string]int // watched directory -> suffix elements already matched
	closed bool
}

// New creates a Resolver for target, which should already be normalized.
func New(target string) (*Resolver, error) {
	anchor, suffix, err := Anchor(target)
	if err != nil {
		return nil, &ResolutionError{Target: target, Err: err}
	}
	for _, elem := range suffix {
		if _, err := filepath.Match(elem, ""); err != nil {
			return nil, &ResolutionError{Target: target, Err: fmt.Errorf("%w: %q", ErrBadPattern, elem)}
		}
	}

	return &Resolver{
		target: target,
		anchor: anchor,
		suffix: suffix,
		levels: make(map[string]int),
	}, nil
}

// Target returns the watch target.
func (r *Resolver) Target() string { return r.target }

// Anchor returns the directory the target is anchored at.
func (r *Resolver) Anchor() string { return r.anchor }

// Suffix returns the unresolved path elements below the anchor.
func (r *Resolver) Suffix() []string { return append([]string(nil), r.suffix...) }

// Concrete reports whether the target is an existing directory that needs
// no resolution.
func (r *Resolver) Concrete() bool { return len(r.suffix) == 0 }

// Start returns the initial step: the anchor itself for a concrete target,
// or a watch on the anchor otherwise.
func (r *Resolver) Start() Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Step{}
	}
	if r.Concrete() {
		return Step{Discovered: []string{r.anchor}}
	}
	r.levels[r.anchor] = 0
	return Step{Watch: []string{r.anchor}}
}

// Watching reports whether dir is an intermediate directory of this target.
func (r *Resolver) Watching(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.levels[filepath.Clean(dir)]
	return ok
}

// Pending reports whether the resolver may still discover directories.
func (r *Resolver) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && len(r.levels) > 0
}

// DirCreated advances the resolution after a directory was created. A new
// intermediate level is returned in Watch; once the caller watches it, it
// must call Scan to pick up anything created inside it in the meantime.
func (r *Resolver) DirCreated(path string) Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirCreated(filepath.Clean(path))
}

func (r *Resolver) dirCreated(path string) Step {
	if r.closed {
		return Step{}
	}
	level, ok := r.levels[filepath.Dir(path)]
	if !ok || level >= len(r.suffix) {
		return Step{}
	}
	if matched, _ := filepath.Match(r.suffix[level], filepath.Base(path)); !matched {
		return Step{}
	}

	if level+1 == len(r.suffix) {
		return Step{Discovered: []string{path}}
	}
	if _, seen := r.levels[path]; seen {
		return Step{}
	}

	r.levels[path] = level + 1
	return Step{Watch: []string{path}}
}

// Scan treats the directories already inside dir, an intermediate level
// returned by DirCreated, as created. It must be called after dir is
// watched so that no child escapes both the listing and the watch.
func (r *Resolver) Scan(dir string) Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir = filepath.Clean(dir)
	if _, ok := r.levels[dir]; r.closed || !ok || dir == r.anchor {
		return Step{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Step{}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var step Step
	for _, e := range entries {
		if e.IsDir() {
			step.merge(r.dirCreated(filepath.Join(dir, e.Name())))
		}
	}
	return step
}

// DirRemoved forgets dir and every intermediate level below it. It returns
// the directories that no longer need watching.
func (r *Resolver) DirRemoved(dir string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir = filepath.Clean(dir)
	prefix := dir + string(filepath.Separator)

	var removed []string
	for d := range r.levels {
		if d == r.anchor {
			continue
		}
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(r.levels, d)
			removed = append(removed, d)
		}
	}
	sort.Strings(removed)
	return removed
}

// Close abandons any partial match in progress. It returns the directories
// that were being watched.
func (r *Resolver) Close() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	dirs := make([]string, 0, len(r.levels))
	for d := range r.levels {
		dirs = append(dirs, d)
	}
	r.levels = make(map[string]int)
	sort.Strings(dirs)
	return dirs
}
