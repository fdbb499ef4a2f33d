package history

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/steveyegge/eyeswatch/internal/session"
)

const recorderBuffer = 1024

// Recorder writes session events to the ledger from its own goroutine so
// that observing never blocks a session.
type Recorder struct {
	db     *DB
	runID  string
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	events  chan session.Event
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewRecorder starts a recorder for one run.
func NewRecorder(db *DB, runID string, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		db:     db,
		runID:  runID,
		logger: logger.With().Str("component", "history").Logger(),
		events: make(chan session.Event, recorderBuffer),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// RunID returns the run the recorder writes under.
func (r *Recorder) RunID() string {
	return r.runID
}

// Observe queues e for writing. Events are dropped when the queue is full.
func (r *Recorder) Observe(e session.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Close writes every queued event and stops the recorder.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	r.wg.Wait()
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn().Int64("dropped", n).Msg("History events dropped")
	}
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ctx := context.Background()
	for e := range r.events {
		if err := r.db.RecordContext(ctx, r.runID, e); err != nil {
			r.logger.Warn().Err(err).Str("dir", e.Dir).Msg("Failed to record history")
		}
	}
}
