// Package eyes is the boundary to the remote visual-comparison service.
//
// The watcher core only needs three operations from the service: open a
// test session, submit screenshots into it, and close it to obtain a
// verdict. Comparator and Handle describe exactly that, so the HTTP client
// in this package and the Mock used by tests are interchangeable.
package eyes

import (
	"context"
	"errors"
	"fmt"
)

// Verdict is the outcome of a closed comparison session.
type Verdict int

const (
	// VerdictPass means every submitted screenshot matched its baseline.
	VerdictPass Verdict = iota
	// VerdictFail means at least one screenshot mismatched or was missing.
	VerdictFail
	// VerdictNoBaseline means the session created a new baseline.
	VerdictNoBaseline
	// VerdictError means no verdict could be obtained (transport failure,
	// failed open, abandoned close).
	VerdictError
)

// String returns a human-readable representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	case VerdictNoBaseline:
		return "no-baseline"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// Passed reports whether files compared under v belong in the passed
// holding directory. A new baseline counts as passing.
func (v Verdict) Passed() bool {
	return v == VerdictPass || v == VerdictNoBaseline
}

// Metadata describes a comparison session to the service.
type Metadata struct {
	AppName    string `json:"app_name"`
	TestName   string `json:"test_name"`
	BatchID    string `json:"batch_id,omitempty"`
	BatchName  string `json:"batch_name,omitempty"`
	HostOS     string `json:"host_os,omitempty"`
	HostApp    string `json:"host_app,omitempty"`
	MatchLevel string `json:"match_level,omitempty"`
	// SaveFailed overwrites the baseline with the results of a failed test.
	SaveFailed bool `json:"save_failed,omitempty"`
}

// Comparator opens comparison sessions.
type Comparator interface {
	Open(ctx context.Context, meta Metadata) (Handle, error)
}

// Handle is one open comparison session. It is owned by a single
// directory session and is not safe for concurrent use.
type Handle interface {
	// Submit uploads one screenshot. The file's base name is used as the tag.
	Submit(ctx context.Context, path string) error
	// Close ends the session and returns the service's verdict.
	Close(ctx context.Context) (Verdict, error)
	// Abort ends the session without a verdict.
	Abort(ctx context.Context) error
}

var (
	// ErrInvalidImage is returned by Submit when the service rejects the
	// uploaded file. The session continues.
	ErrInvalidImage = errors.New("image rejected by comparison service")

	// ErrUnauthorized is returned when the service rejects the API key.
	ErrUnauthorized = errors.New("comparison service rejected the API key")

	// ErrTransport is the Kind of every TransportError.
	ErrTransport = errors.New("comparison service unreachable")
)

// TransportError wraps a failed exchange with the comparison service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("eyes %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the generic transport kind and the cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
