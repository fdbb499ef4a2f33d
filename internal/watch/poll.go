package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halimath/globwatch"
)

// DefaultPollInterval is how often a Poll source rescans by default.
const DefaultPollInterval = 500 * time.Millisecond

// Poll watches directories by rescanning them with globwatch. It suits
// network filesystems and containers where native notifications are not
// delivered.
//
// A file may still be being written when a scan first sees it, so new files
// are held until their size and modification time settle.
type Poll struct {
	interval time.Duration
	settle   *settler
	events   chan Event
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	watchers map[string]*globwatch.Watcher
}

// NewPoll creates a Poll source scanning every interval. A non-positive
// settle reports files as soon as a scan finds them.
func NewPoll(interval, settle time.Duration) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poll{
		interval: interval,
		events:   make(chan Event, 256),
		errors:   make(chan error, 16),
		done:     make(chan struct{}),
		watchers: make(map[string]*globwatch.Watcher),
	}
	if settle > 0 {
		p.settle = newSettler(settle)
		p.wg.Add(1)
		go p.releaseSettled()
	}
	return p
}

// Add starts polling dir.
func (p *Poll) Add(dir string) error {
	dir = filepath.Clean(dir)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.watchers[dir]; ok {
		return nil
	}

	w, err := globwatch.New(os.DirFS(dir), "*", p.interval)
	if err != nil {
		return fmt.Errorf("failed to create poller for %s: %w", dir, err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start poller for %s: %w", dir, err)
	}
	p.watchers[dir] = w

	p.wg.Add(2)
	go p.forwardEvents(dir, w)
	go p.forwardErrors(w)
	return nil
}

// Remove stops polling dir.
func (p *Poll) Remove(dir string) error {
	dir = filepath.Clean(dir)

	p.mu.Lock()
	w, ok := p.watchers[dir]
	delete(p.watchers, dir)
	p.mu.Unlock()

	if ok {
		w.Close()
	}
	return nil
}

// Events returns the channel that emits Event notifications.
func (p *Poll) Events() <-chan Event {
	return p.events
}

// Errors returns the channel that emits poller errors.
func (p *Poll) Errors() <-chan error {
	return p.errors
}

// Close stops every poller and blocks until forwarding has stopped.
func (p *Poll) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	watchers := p.watchers
	p.watchers = make(map[string]*globwatch.Watcher)
	p.mu.Unlock()

	close(p.done)
	for _, w := range watchers {
		w.Close()
	}
	p.wg.Wait()

	close(p.events)
	close(p.errors)
	return nil
}

func (p *Poll) forwardEvents(dir string, w *globwatch.Watcher) {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case e, ok := <-w.C():
			if !ok {
				return
			}
			path := filepath.Join(dir, filepath.FromSlash(e.Path))

			var ev Event
			switch e.Type {
			case globwatch.Created:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if !info.IsDir() && p.settle != nil {
					p.settle.add(path, info, time.Now())
					continue
				}
				ev = Event{Path: path, Op: OpCreate, IsDir: info.IsDir()}
			case globwatch.Deleted:
				if p.settle != nil {
					p.settle.forget(path)
				}
				ev = Event{Path: path, Op: OpRemove}
			default:
				continue
			}

			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
	}
}

func (p *Poll) releaseSettled() {
	defer p.wg.Done()

	ticker := time.NewTicker(settleTick(p.settle.quiet))
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			for _, path := range p.settle.ready(now) {
				select {
				case p.events <- Event{Path: path, Op: OpCreate}:
				case <-p.done:
					return
				}
			}
		}
	}
}

func (p *Poll) forwardErrors(w *globwatch.Watcher) {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case err, ok := <-w.ErrorsChan():
			if !ok {
				return
			}
			select {
			case p.errors <- err:
			case <-p.done:
				return
			}
		}
	}
}
