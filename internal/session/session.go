// Package session drives one watched directory from admission to the
// relocation of its files.
//
// A Session is created when a directory is discovered and runs as its own
// goroutine. It waits for the scheduler to admit it, opens a comparison
// with the remote collaborator, stages files in the order its Orderer
// allows, and after an idle timeout, a sentinel file or an interrupt,
// drains, closes the comparison and moves every staged file to the passed
// or failed location.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/eyeswatch/internal/eyes"
	"github.com/steveyegge/eyeswatch/internal/stage"
)

// Default values for Config.
const (
	DefaultSentinel    = "done"
	DefaultIdleTimeout = 300 * time.Second
	DefaultDrainGrace  = 2 * time.Second
)

// abortTimeout bounds the remote abort issued after a hard cancel.
const abortTimeout = 10 * time.Second

// Config holds per-session behavior shared by every session of a run.
type Config struct {
	// Sentinel is the file name that forces a drain.
	Sentinel string
	// IdleTimeout ends the session after this long without arrivals.
	// Zero disables the idle trigger.
	IdleTimeout time.Duration
	// Indexed enables strict ordering starting at StartIndex.
	Indexed    bool
	StartIndex int
	// DrainGrace is how long a sentinel or idle drain waits for held
	// files to become stageable.
	DrainGrace time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Sentinel:    DefaultSentinel,
		IdleTimeout: DefaultIdleTimeout,
		DrainGrace:  DefaultDrainGrace,
	}
}

// Params are the collaborators of a Session.
type Params struct {
	Dir        string
	Config     Config
	Stager     *stage.Stager
	Comparator eyes.Comparator
	Metadata   eyes.Metadata
	Logger     zerolog.Logger
	Observer   Observer
}

// Result summarizes a finished session.
type Result struct {
	Dir     string
	Trigger Trigger
	Verdict eyes.Verdict
	// Staged counts files moved to the in-progress location.
	Staged int
	// Relocated has one entry per staged file.
	Relocated []stage.Result
	// Unresolved lists files left in place, because their index never came
	// or staging them collided with an existing file.
	Unresolved []string
	// Err is the remote error behind a VerdictError.
	Err error
}

// Session owns one discovered directory.
type Session struct {
	dir      string
	cfg      Config
	stager   *stage.Stager
	cmp      eyes.Comparator
	meta     eyes.Metadata
	logger   zerolog.Logger
	observer Observer

	state atomic.Int32

	mu      sync.Mutex
	pending []string
	wake    chan struct{}

	admitted      chan struct{}
	admitOnce     sync.Once
	interrupt     chan struct{}
	interruptOnce sync.Once
	done          chan struct{}

	// Owned by Run.
	order     *Orderer
	handle    eyes.Handle
	staged    []string
	remote    error
	trigger   Trigger
	result    Result
	finalized bool
}

// New creates a session in StatePending.
func New(p Params) *Session {
	order := NewUnordered()
	if p.Config.Indexed {
		order = NewIndexed(p.Config.StartIndex)
	}
	observer := p.Observer
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}

	return &Session{
		dir:       filepath.Clean(p.Dir),
		cfg:       p.Config,
		stager:    p.Stager,
		cmp:       p.Comparator,
		meta:      p.Metadata,
		logger:    p.Logger.With().Str("component", "session").Str("dir", p.Dir).Logger(),
		observer:  observer,
		wake:      make(chan struct{}, 1),
		admitted:  make(chan struct{}),
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
		order:     order,
	}
}

// Dir returns the watched directory.
func (s *Session) Dir() string {
	return s.dir
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session reaches StateDone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the session summary. It is only valid after Done is closed.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

// Notify reports that path appeared in the session directory. It never
// blocks; arrivals are queued until the session goroutine takes them.
func (s *Session) Notify(path string) {
	s.mu.Lock()
	s.pending = append(s.pending, path)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Admit lets a pending session start. Calls after the first are no-ops.
func (s *Session) Admit() {
	s.admitOnce.Do(func() { close(s.admitted) })
}

// Interrupt forces the session to drain immediately. It is one-way and
// idempotent.
func (s *Session) Interrupt() {
	s.interruptOnce.Do(func() { close(s.interrupt) })
}

func (s *Session) interrupted() bool {
	select {
	case <-s.interrupt:
		return true
	default:
		return false
	}
}

func (s *Session) takePending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Session) requeue(paths []string) {
	if len(paths) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(append([]string(nil), paths...), s.pending...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// transition moves the session from one state to another.
func (s *Session) transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidTransition, from, s.State())
	}
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	s.emit(s.stateEvent())
	return nil
}

func (s *Session) stateEvent() Event {
	e := Event{Trigger: s.trigger}
	if s.finalized {
		e.Verdict = s.result.Verdict.String()
		if s.result.Err != nil {
			e.Error = s.result.Err.Error()
		}
	}
	return e
}

func (s *Session) emit(e Event) {
	e.Time = time.Now()
	e.Dir = s.dir
	e.Test = s.meta.TestName
	e.State = s.State()
	e.Staged = len(s.staged)
	s.observer.Observe(e)
}

// Run executes the session to completion. Cancelling ctx abandons the
// remote comparison: the handle is aborted and staged files go to the
// failed location.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer close(s.done)

	s.result = Result{Dir: s.dir, Verdict: eyes.VerdictError}
	s.emit(Event{})

	select {
	case <-s.admitted:
	case <-s.interrupt:
	case <-ctx.Done():
	}
	if s.interrupted() || ctx.Err() != nil {
		// Never admitted: nothing staged, nothing to relocate.
		s.trigger = TriggerInterrupt
		s.result.Trigger = s.trigger
		s.logger.Info().Msg("Interrupted before admission")
		return s.result, s.transition(StatePending, StateDone)
	}

	if err := s.transition(StatePending, StateActive); err != nil {
		return s.result, err
	}
	s.open(ctx)

	s.trigger = s.active(ctx)
	s.result.Trigger = s.trigger
	s.logger.Info().Str("trigger", string(s.trigger)).Msg("Draining session")
	if err := s.transition(StateActive, StateDraining); err != nil {
		return s.result, err
	}

	s.drain(ctx)
	if err := s.transition(StateDraining, StateFinalizing); err != nil {
		return s.result, err
	}

	verdict := s.close(ctx)
	s.finalize(verdict)
	return s.result, s.transition(StateFinalizing, StateDone)
}

func (s *Session) open(ctx context.Context) {
	handle, err := s.cmp.Open(ctx, s.meta)
	if err != nil {
		s.remote = fmt.Errorf("open comparison: %w", err)
		s.logger.Error().Err(err).Msg("Failed to open comparison; staged files will fail")
		return
	}
	s.handle = handle
	s.logger.Info().Str("test", s.meta.TestName).Msg("Opened comparison")
}

// active processes arrivals until a termination trigger fires.
func (s *Session) active(ctx context.Context) Trigger {
	var idle <-chan time.Time
	var timer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return TriggerInterrupt
		case <-s.interrupt:
			return TriggerInterrupt
		case <-idle:
			s.logger.Info().Dur("timeout", s.cfg.IdleTimeout).Msg("Idle timeout")
			return TriggerIdle
		case <-s.wake:
			paths := s.takePending()
			for i, path := range paths {
				if timer != nil {
					timer.Reset(s.cfg.IdleTimeout)
				}
				if s.isSentinel(path) {
					s.logger.Info().Str("file", path).Msg("Sentinel file found")
					s.requeue(paths[i+1:])
					return TriggerSentinel
				}
				s.accept(ctx, path)
			}
		}
	}
}

func (s *Session) isSentinel(path string) bool {
	return s.cfg.Sentinel != "" && filepath.Base(path) == s.cfg.Sentinel
}

// accept runs one arrival through the orderer and stages what it releases.
func (s *Session) accept(ctx context.Context, path string) {
	if s.isSentinel(path) {
		return
	}

	ready, decision := s.order.Offer(path)
	switch decision {
	case Held:
		s.logger.Debug().Str("file", path).Int("cursor", s.order.Cursor()).Msg("Holding file for earlier index")
		s.emit(Event{File: path, Outcome: OutcomeHeld})
	case Ignored:
		s.logger.Info().Str("file", path).Int("cursor", s.order.Cursor()).Msg("Ignoring file with an index already passed")
		s.emit(Event{File: path, Outcome: OutcomeIgnored})
	case Unindexed:
		s.logger.Warn().Str("file", path).Msg("Ignoring file without an index")
		s.emit(Event{File: path, Outcome: OutcomeIgnored})
	}

	for _, p := range ready {
		s.stage(ctx, p)
	}
}

func (s *Session) stage(ctx context.Context, path string) {
	dst, err := s.stager.Stage(path)
	if err != nil {
		if errors.Is(err, stage.ErrVanished) {
			s.logger.Debug().Str("file", path).Msg("File vanished before staging")
			return
		}
		s.logger.Warn().Err(err).Str("file", path).Msg("File left unresolved")
		s.result.Unresolved = append(s.result.Unresolved, path)
		s.emit(Event{File: path, Outcome: OutcomeUnresolved, Error: err.Error()})
		return
	}
	s.staged = append(s.staged, dst)
	s.emit(Event{File: dst, Outcome: OutcomeStaged})

	if s.handle == nil || s.remote != nil {
		return
	}
	if err := s.handle.Submit(ctx, dst); err != nil {
		if errors.Is(err, eyes.ErrInvalidImage) {
			s.logger.Warn().Err(err).Str("file", dst).Msg("Screenshot rejected")
			return
		}
		s.remote = fmt.Errorf("submit %s: %w", filepath.Base(dst), err)
		s.logger.Error().Err(err).Str("file", dst).Msg("Failed to submit screenshot")
		return
	}
	s.logger.Debug().Str("file", dst).Msg("Submitted screenshot")
}

// drain stages whatever arrived before the trigger and gives held files a
// bounded chance to become stageable.
func (s *Session) drain(ctx context.Context) {
	s.flush(ctx)

	if s.trigger != TriggerInterrupt && s.order.Waiting() && s.cfg.DrainGrace > 0 {
		grace := time.NewTimer(s.cfg.DrainGrace)
		defer grace.Stop()

	wait:
		for s.order.Waiting() {
			select {
			case <-s.wake:
				s.flush(ctx)
			case <-grace.C:
				break wait
			case <-s.interrupt:
				break wait
			case <-ctx.Done():
				break wait
			}
		}
	}

	for _, path := range s.order.Held() {
		s.logger.Warn().Str("file", path).Int("cursor", s.order.Cursor()).
			Msg("Index never reached; file left unresolved")
		s.result.Unresolved = append(s.result.Unresolved, path)
		s.emit(Event{File: path, Outcome: OutcomeUnresolved})
	}
}

func (s *Session) flush(ctx context.Context) {
	for _, path := range s.takePending() {
		s.accept(ctx, path)
	}
}

// close obtains the verdict. Remote failures and hard cancellation both
// yield VerdictError.
func (s *Session) close(ctx context.Context) eyes.Verdict {
	if s.handle == nil {
		s.result.Err = s.remote
		return eyes.VerdictError
	}
	if s.remote != nil || ctx.Err() != nil {
		s.abort(ctx)
		s.result.Err = s.remote
		if s.result.Err == nil {
			s.result.Err = ctx.Err()
		}
		return eyes.VerdictError
	}

	verdict, err := s.handle.Close(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Warn().Msg("Abandoning comparison")
			s.abort(ctx)
		} else {
			s.logger.Error().Err(err).Msg("Failed to close comparison")
		}
		s.result.Err = fmt.Errorf("close comparison: %w", err)
		return eyes.VerdictError
	}

	s.logger.Info().Str("verdict", verdict.String()).Msg("Comparison closed")
	return verdict
}

func (s *Session) abort(ctx context.Context) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := s.handle.Abort(actx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to abort comparison")
	}
}

func (s *Session) finalize(verdict eyes.Verdict) {
	s.result.Verdict = verdict
	s.result.Staged = len(s.staged)
	s.result.Relocated = s.stager.Finalize(s.staged, verdict)

	outcome := OutcomePassed
	if stage.Destination(verdict) == stage.Failed {
		outcome = OutcomeFailed
	}
	for _, r := range s.result.Relocated {
		if r.Err != nil {
			s.emit(Event{File: r.Src, Outcome: OutcomeUnresolved, Error: r.Err.Error()})
			continue
		}
		s.emit(Event{File: r.Dst, Outcome: outcome})
	}
	s.finalized = true
}
