package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultSettle is how long a new file must go without changes before it
// is reported.
const DefaultSettle = 200 * time.Millisecond

// settleTick returns the interval at which pending files are rechecked.
func settleTick(quiet time.Duration) time.Duration {
	tick := quiet / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}

type pendingFile struct {
	path string
	size int64
	mod  time.Time
	last time.Time
}

// settler holds newly created files until they have been quiet for a while
// and their size and modification time stopped changing. Files of one
// directory are released in creation order.
type settler struct {
	quiet time.Duration

	mu     sync.Mutex
	queue  []*pendingFile
	byPath map[string]*pendingFile
}

func newSettler(quiet time.Duration) *settler {
	return &settler{
		quiet:  quiet,
		byPath: make(map[string]*pendingFile),
	}
}

// add starts holding path.
func (s *settler) add(path string, info os.FileInfo, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byPath[path]; ok {
		p.last = now
		return
	}
	p := &pendingFile{path: path, size: info.Size(), mod: info.ModTime(), last: now}
	s.queue = append(s.queue, p)
	s.byPath[path] = p
}

// touch restarts the quiet period of a held file. It reports whether path
// is held.
func (s *settler) touch(path string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byPath[path]
	if ok {
		p.last = now
	}
	return ok
}

// forget drops path without releasing it.
func (s *settler) forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPath[path]; !ok {
		return
	}
	delete(s.byPath, path)
	for i, p := range s.queue {
		if p.path == path {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// ready returns the held files that settled, in release order. A file that
// vanished is dropped.
func (s *settler) ready(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	blocked := make(map[string]bool)
	keep := s.queue[:0]
	for _, p := range s.queue {
		dir := filepath.Dir(p.path)
		if !blocked[dir] && now.Sub(p.last) >= s.quiet {
			info, err := os.Stat(p.path)
			switch {
			case err != nil:
				delete(s.byPath, p.path)
				continue
			case info.Size() == p.size && info.ModTime().Equal(p.mod):
				delete(s.byPath, p.path)
				out = append(out, p.path)
				continue
			default:
				p.size, p.mod, p.last = info.Size(), info.ModTime(), now
			}
		}
		blocked[dir] = true
		keep = append(keep, p)
	}
	for i := len(keep); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = keep
	return out
}
