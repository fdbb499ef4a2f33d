package eyes

import (
	"context"
	"path/filepath"
	"sync"
)

// Mock is an in-memory Comparator for tests. It records every session it
// opens and every file submitted to it, and tracks how many handles are
// open at once.
type Mock struct {
	// Verdict is returned by Close when CloseErr is nil.
	Verdict Verdict
	// OpenErr, when set, fails every Open.
	OpenErr error
	// CloseErr, when set, fails every Close.
	CloseErr error
	// SubmitErr, when set, is consulted for every submitted file name.
	SubmitErr func(name string) error
	// CloseGate, when non-nil, blocks Close until it is closed or the
	// context is done.
	CloseGate chan struct{}

	mu       sync.Mutex
	sessions []*MockSession
	open     int
	maxOpen  int
	opened   chan Metadata
}

// MockSession records the activity of one handle.
type MockSession struct {
	Meta      Metadata
	Submitted []string
	Closed    bool
	Aborted   bool

	mock *Mock
}

// NewMock creates a Mock returning verdict from every Close.
func NewMock(verdict Verdict) *Mock {
	return &Mock{Verdict: verdict, opened: make(chan Metadata, 64)}
}

// Opened delivers the metadata of every successfully opened session.
func (m *Mock) Opened() <-chan Metadata {
	return m.opened
}

func (m *Mock) Open(ctx context.Context, meta Metadata) (Handle, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	m.mu.Lock()
	s := &MockSession{Meta: meta, mock: m}
	m.sessions = append(m.sessions, s)
	m.open++
	if m.open > m.maxOpen {
		m.maxOpen = m.open
	}
	m.mu.Unlock()

	select {
	case m.opened <- meta:
	default:
	}
	return s, nil
}

// Sessions returns a copy of every session opened so far.
func (m *Mock) Sessions() []MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		cp.Submitted = append([]string(nil), s.Submitted...)
		out = append(out, cp)
	}
	return out
}

// MaxOpen returns the largest number of simultaneously open handles.
func (m *Mock) MaxOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOpen
}

func (s *MockSession) Submit(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if s.mock.SubmitErr != nil {
		if err := s.mock.SubmitErr(name); err != nil {
			return err
		}
	}
	s.mock.mu.Lock()
	s.Submitted = append(s.Submitted, name)
	s.mock.mu.Unlock()
	return nil
}

func (s *MockSession) Close(ctx context.Context) (Verdict, error) {
	if s.mock.CloseGate != nil {
		select {
		case <-s.mock.CloseGate:
		case <-ctx.Done():
			s.finish(false)
			return VerdictError, ctx.Err()
		}
	}
	s.finish(false)
	if s.mock.CloseErr != nil {
		return VerdictError, s.mock.CloseErr
	}
	return s.mock.Verdict, nil
}

func (s *MockSession) Abort(ctx context.Context) error {
	s.finish(true)
	return nil
}

func (s *MockSession) finish(aborted bool) {
	s.mock.mu.Lock()
	defer s.mock.mu.Unlock()
	if s.Closed || s.Aborted {
		return
	}
	if aborted {
		s.Aborted = true
	} else {
		s.Closed = true
	}
	s.mock.open--
}
