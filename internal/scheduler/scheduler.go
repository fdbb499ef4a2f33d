// Package scheduler bounds how many sessions hold an open comparison at
// once.
//
// All admission decisions are made by a single coordinating goroutine
// (Run). Register, Complete, Interrupt and Stats are messages to it, so the
// admitted set and the FIFO backlog are never touched concurrently.
package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the default number of concurrently admitted sessions.
const DefaultCapacity = 6

var (
	// ErrDuplicateSession is returned when a directory is registered twice.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrStopped is returned when the coordinator is no longer running.
	ErrStopped = errors.New("scheduler stopped")
)

// Session is what the scheduler admits. Admit and Interrupt must not block.
type Session interface {
	Dir() string
	Admit()
	Interrupt()
}

// Stats is a snapshot of scheduler accounting.
type Stats struct {
	Capacity    int  `json:"capacity"`
	Admitted    int  `json:"admitted"`
	Backlogged  int  `json:"backlogged"`
	Completed   int  `json:"completed"`
	Interrupted bool `json:"interrupted"`
}

type opKind int

const (
	opRegister opKind = iota
	opComplete
	opInterrupt
	opStats
)

type request struct {
	op    opKind
	sess  Session
	err   chan error
	stats chan Stats
}

// Scheduler admits sessions up to a fixed capacity and backlogs the rest.
type Scheduler struct {
	capacity int
	logger   zerolog.Logger
	requests chan request
	stopped  chan struct{}

	// Owned by Run.
	known       map[string]bool
	admitted    map[string]Session
	backlog     []Session
	completed   int
	interrupted bool
}

// New creates a scheduler. A non-positive capacity means unlimited.
func New(capacity int, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		capacity: capacity,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		requests: make(chan request),
		stopped:  make(chan struct{}),
		known:    make(map[string]bool),
		admitted: make(map[string]Session),
	}
}

// Run serves requests until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			switch req.op {
			case opRegister:
				req.err <- s.register(req.sess)
			case opComplete:
				s.complete(req.sess)
				req.err <- nil
			case opInterrupt:
				s.interrupt()
				req.err <- nil
			case opStats:
				req.stats <- s.snapshot()
			}
		}
	}
}

func (s *Scheduler) send(ctx context.Context, req request) error {
	select {
	case s.requests <- req:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	if req.err == nil {
		return nil
	}
	select {
	case err := <-req.err:
		return err
	case <-s.stopped:
		return ErrStopped
	}
}

// Register admits sess if a slot is free and backlogs it otherwise. After
// an interrupt the session is interrupted instead of admitted.
func (s *Scheduler) Register(ctx context.Context, sess Session) error {
	return s.send(ctx, request{op: opRegister, sess: sess, err: make(chan error, 1)})
}

// Complete releases the slot held by sess and admits the oldest backlogged
// session. It must be called once for every registered session that
// finished, admitted or not.
func (s *Scheduler) Complete(sess Session) error {
	return s.send(context.Background(), request{op: opComplete, sess: sess, err: make(chan error, 1)})
}

// Interrupt stops all further admissions and interrupts every known
// session.
func (s *Scheduler) Interrupt() error {
	return s.send(context.Background(), request{op: opInterrupt, err: make(chan error, 1)})
}

// Stats returns a snapshot of the scheduler's accounting.
func (s *Scheduler) Stats() Stats {
	ch := make(chan Stats, 1)
	if err := s.send(context.Background(), request{op: opStats, stats: ch}); err != nil {
		return Stats{Capacity: s.capacity}
	}
	select {
	case st := <-ch:
		return st
	case <-s.stopped:
		return Stats{Capacity: s.capacity}
	}
}

func (s *Scheduler) hasSlot() bool {
	return s.capacity <= 0 || len(s.admitted) < s.capacity
}

func (s *Scheduler) register(sess Session) error {
	dir := sess.Dir()
	if s.known[dir] {
		s.logger.Error().Str("dir", dir).Msg("Duplicate session registration")
		return ErrDuplicateSession
	}
	s.known[dir] = true

	if s.interrupted {
		s.logger.Info().Str("dir", dir).Msg("Registered after interrupt; not admitting")
		sess.Interrupt()
		return nil
	}

	if s.hasSlot() {
		s.admit(sess)
		return nil
	}
	s.backlog = append(s.backlog, sess)
	s.logger.Info().Str("dir", dir).Int("position", len(s.backlog)).Msg("Session backlogged")
	return nil
}

func (s *Scheduler) admit(sess Session) {
	s.admitted[sess.Dir()] = sess
	s.logger.Info().Str("dir", sess.Dir()).Int("admitted", len(s.admitted)).
		Int("capacity", s.capacity).Msg("Session admitted")
	sess.Admit()
}

func (s *Scheduler) complete(sess Session) {
	dir := sess.Dir()
	if _, ok := s.admitted[dir]; ok {
		delete(s.admitted, dir)
		s.completed++
		s.logger.Debug().Str("dir", dir).Msg("Session completed")
	} else {
		s.removeBacklogged(dir)
	}

	for !s.interrupted && len(s.backlog) > 0 && s.hasSlot() {
		next := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.admit(next)
	}
}

func (s *Scheduler) removeBacklogged(dir string) {
	for i, b := range s.backlog {
		if b.Dir() == dir {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) interrupt() {
	if s.interrupted {
		return
	}
	s.interrupted = true
	s.logger.Info().Int("admitted", len(s.admitted)).Int("backlogged", len(s.backlog)).
		Msg("Interrupt: draining admitted sessions, dropping backlog")

	for _, sess := range s.admitted {
		sess.Interrupt()
	}
	for _, sess := range s.backlog {
		sess.Interrupt()
	}
	s.backlog = nil
}

func (s *Scheduler) snapshot() Stats {
	return Stats{
		Capacity:    s.capacity,
		Admitted:    len(s.admitted),
		Backlogged:  len(s.backlog),
		Completed:   s.completed,
		Interrupted: s.interrupted,
	}
}
