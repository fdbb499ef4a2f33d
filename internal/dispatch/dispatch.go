// Package dispatch routes filesystem events to pattern resolvers and
// sessions.
//
// The Dispatcher owns the watch source and every resolver. A single
// goroutine (Run) consumes events: directory creations advance resolvers,
// which may discover session directories; file creations are handed to
// the session that owns the parent directory. Sessions run in their own
// goroutines, so a slow remote call never delays event delivery.
package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/steveyegge/eyeswatch/internal/eyes"
	"github.com/steveyegge/eyeswatch/internal/pattern"
	"github.com/steveyegge/eyeswatch/internal/scheduler"
	"github.com/steveyegge/eyeswatch/internal/session"
	"github.com/steveyegge/eyeswatch/internal/stage"
	"github.com/steveyegge/eyeswatch/internal/watch"
)

// ErrNoTargets is returned by Run when no watch target could be resolved.
var ErrNoTargets = errors.New("no usable watch targets")

// Options configure a Dispatcher.
type Options struct {
	Targets    []string
	Source     watch.Source
	Scheduler  *scheduler.Scheduler
	Comparator eyes.Comparator
	Session    session.Config
	Names      stage.Names
	// Metadata is completed per directory with ForDirectory(dir, Sep).
	Metadata eyes.Metadata
	Sep      string
	Observer session.Observer
	Logger   zerolog.Logger
}

// Dispatcher turns watch targets into running sessions.
type Dispatcher struct {
	opts   Options
	logger zerolog.Logger

	interrupt     chan struct{}
	interruptOnce sync.Once
	finished      chan *session.Session
	wg            sync.WaitGroup

	// Owned by Run.
	resolvers   []*pattern.Resolver
	watches     map[string]int
	seen        map[string]bool
	live        map[string]*session.Session
	interrupted bool
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Names == (stage.Names{}) {
		opts.Names = stage.DefaultNames()
	}
	return &Dispatcher{
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "dispatch").Logger(),
		interrupt: make(chan struct{}),
		finished:  make(chan *session.Session, 16),
		watches:   make(map[string]int),
		seen:      make(map[string]bool),
		live:      make(map[string]*session.Session),
	}
}

// Interrupt begins a graceful shutdown: in-flight pattern resolutions are
// abandoned and every session drains. Safe to call from any goroutine.
func (d *Dispatcher) Interrupt() {
	d.interruptOnce.Do(func() { close(d.interrupt) })
}

// Run watches until every target is exhausted and all sessions are done,
// or until an interrupt has drained them. Cancelling ctx abandons pending
// remote comparisons; Run still waits for the sessions to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	d.resolvers = d.resolveTargets(d.opts.Targets)
	if len(d.resolvers) == 0 {
		return ErrNoTargets
	}
	for _, r := range d.resolvers {
		d.apply(ctx, r, r.Start(), false)
	}

	events := d.opts.Source.Events()
	errs := d.opts.Source.Errors()
	interrupt := d.interrupt
	done := ctx.Done()

	for !d.exhausted() {
		select {
		case <-done:
			d.logger.Warn().Int("sessions", len(d.live)).Msg("Abandoning remote comparisons")
			d.stop()
			done = nil

		case <-interrupt:
			d.logger.Info().Int("sessions", len(d.live)).Msg("Interrupted; draining sessions")
			d.stop()
			interrupt = nil

		case sess := <-d.finished:
			d.retire(sess)

		case ev, ok := <-events:
			if !ok {
				d.logger.Error().Msg("Watch source closed unexpectedly")
				events, errs = nil, nil
				d.stop()
				continue
			}
			d.handle(ctx, ev)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger.Warn().Err(err).Msg("Watch error")
		}
	}

	d.logger.Info().Msg("All sessions done")
	return nil
}

// exhausted reports whether nothing can produce more work.
func (d *Dispatcher) exhausted() bool {
	if len(d.live) > 0 {
		return false
	}
	for _, r := range d.resolvers {
		if r.Pending() {
			return false
		}
	}
	return true
}

func (d *Dispatcher) resolveTargets(targets []string) []*pattern.Resolver {
	var out []*pattern.Resolver
	seen := make(map[string]bool)

	for _, target := range targets {
		norm, err := pattern.Normalize(target)
		if err != nil {
			d.logger.Warn().Err(err).Str("target", target).Msg("Skipping watch target")
			continue
		}
		if seen[norm] {
			d.logger.Info().Str("target", norm).Msg("Ignoring duplicate watch target")
			continue
		}
		seen[norm] = true

		r, err := pattern.New(norm)
		if err != nil {
			d.logger.Warn().Err(err).Str("target", norm).Msg("Skipping watch target")
			continue
		}
		d.logger.Info().Str("target", norm).Str("anchor", r.Anchor()).
			Strs("suffix", r.Suffix()).Msg("Watching target")
		out = append(out, r)
	}
	return out
}

// stop abandons in-flight resolutions and interrupts every session.
func (d *Dispatcher) stop() {
	if d.interrupted {
		return
	}
	d.interrupted = true

	for _, r := range d.resolvers {
		for _, dir := range r.Close() {
			d.unwatch(dir)
		}
	}
	if err := d.opts.Scheduler.Interrupt(); err != nil {
		d.logger.Debug().Err(err).Msg("Scheduler interrupt")
	}
	// Sessions registered with a stopped scheduler are not reachable
	// through it.
	for _, sess := range d.live {
		sess.Interrupt()
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev watch.Event) {
	switch ev.Op {
	case watch.OpCreate:
		if ev.IsDir {
			if d.interrupted {
				return
			}
			for _, r := range d.resolvers {
				d.apply(ctx, r, r.DirCreated(ev.Path), true)
			}
			return
		}
		if sess, ok := d.live[filepath.Dir(ev.Path)]; ok {
			sess.Notify(ev.Path)
		}

	case watch.OpRemove:
		for _, r := range d.resolvers {
			for _, dir := range r.DirRemoved(ev.Path) {
				d.unwatch(dir)
			}
		}
		if _, ok := d.live[ev.Path]; ok {
			d.logger.Warn().Str("dir", ev.Path).Msg("Session directory removed")
		}
	}
}

// apply performs a resolver step. With prescan set the directories were
// created after registration: new intermediate levels are scanned once
// watched, and discovered directories for files that beat their watch.
func (d *Dispatcher) apply(ctx context.Context, r *pattern.Resolver, step pattern.Step, prescan bool) {
	for _, dir := range step.Watch {
		if err := d.watch(dir); err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
		}
		if prescan {
			d.apply(ctx, r, r.Scan(dir), true)
		}
	}
	for _, dir := range step.Discovered {
		d.discover(ctx, r, dir, prescan)
	}
}

func (d *Dispatcher) discover(ctx context.Context, r *pattern.Resolver, dir string, prescan bool) {
	if d.seen[dir] {
		d.logger.Debug().Str("dir", dir).Msg("Directory already has a session")
		return
	}
	d.seen[dir] = true

	stager, err := stage.New(r.Anchor(), dir, d.opts.Names, d.opts.Logger)
	if err != nil {
		d.logger.Error().Err(err).Str("dir", dir).Msg("Cannot stage files for directory")
		return
	}
	sess := session.New(session.Params{
		Dir:        dir,
		Config:     d.opts.Session,
		Stager:     stager,
		Comparator: d.opts.Comparator,
		Metadata:   d.opts.Metadata.ForDirectory(dir, d.opts.Sep),
		Logger:     d.opts.Logger,
		Observer:   d.opts.Observer,
	})

	if err := d.watch(dir); err != nil {
		d.logger.Error().Err(err).Str("dir", dir).Msg("Failed to watch discovered directory")
		return
	}
	if err := d.opts.Scheduler.Register(ctx, sess); err != nil {
		d.logger.Error().Err(err).Str("dir", dir).Msg("Failed to register session")
		d.unwatch(dir)
		return
	}

	d.live[dir] = sess
	d.logger.Info().Str("dir", dir).Str("target", r.Target()).Msg("Discovered directory")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := sess.Run(ctx)
		if err != nil {
			d.logger.Error().Err(err).Str("dir", dir).Msg("Session ended abnormally")
		}
		d.report(res)
		d.finished <- sess
	}()

	if prescan {
		d.prescan(sess)
	}
}

// prescan notifies sess of files already present in its directory, oldest
// first.
func (d *Dispatcher) prescan(sess *session.Session) {
	entries, err := os.ReadDir(sess.Dir())
	if err != nil {
		d.logger.Warn().Err(err).Str("dir", sess.Dir()).Msg("Failed to scan discovered directory")
		return
	}

	type file struct {
		path string
		mod  int64
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(sess.Dir(), e.Name()), info.ModTime().UnixNano()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod < files[j].mod
		}
		return files[i].path < files[j].path
	})
	for _, f := range files {
		sess.Notify(f.path)
	}
}

func (d *Dispatcher) report(res session.Result) {
	ev := d.logger.Info()
	if res.Verdict == eyes.VerdictError && res.Staged > 0 {
		ev = d.logger.Error().Err(res.Err)
	}
	failed := 0
	for _, r := range res.Relocated {
		if r.Err != nil {
			failed++
		}
	}
	ev.Str("dir", res.Dir).
		Str("trigger", string(res.Trigger)).
		Str("verdict", res.Verdict.String()).
		Int("staged", res.Staged).
		Int("relocation_errors", failed).
		Int("unresolved", len(res.Unresolved)).
		Msg("Session finished")
}

// retire releases everything held for a finished session.
func (d *Dispatcher) retire(sess *session.Session) {
	delete(d.live, sess.Dir())
	d.unwatch(sess.Dir())
	if err := d.opts.Scheduler.Complete(sess); err != nil {
		d.logger.Debug().Err(err).Str("dir", sess.Dir()).Msg("Scheduler completion")
	}
}

// watch adds a reference to dir, watching it on the first.
func (d *Dispatcher) watch(dir string) error {
	if d.watches[dir] == 0 {
		if err := d.opts.Source.Add(dir); err != nil {
			return err
		}
	}
	d.watches[dir]++
	return nil
}

// unwatch drops a reference to dir, unwatching it on the last.
func (d *Dispatcher) unwatch(dir string) {
	n, ok := d.watches[dir]
	if !ok {
		return
	}
	if n > 1 {
		d.watches[dir] = n - 1
		return
	}
	delete(d.watches, dir)
	if err := d.opts.Source.Remove(dir); err != nil {
		d.logger.Debug().Err(err).Str("dir", dir).Msg("Failed to unwatch directory")
	}
}
