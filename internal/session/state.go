package session

import (
	"errors"
	"fmt"
)

// State is a session's lifecycle state.
type State int32

const (
	// StatePending: registered, waiting for an admission slot.
	StatePending State = iota
	// StateActive: admitted, remote handle open, accepting files.
	StateActive
	// StateDraining: a termination trigger fired; pending files are being flushed.
	StateDraining
	// StateFinalizing: waiting for the remote verdict.
	StateFinalizing
	// StateDone is terminal.
	StateDone
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateDone
}

// ErrInvalidTransition is returned for a lifecycle step the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid session state transition")

func isAllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		// Interrupted before admission.
		return to == StateActive || to == StateDone
	case StateActive:
		return to == StateDraining
	case StateDraining:
		return to == StateFinalizing
	case StateFinalizing:
		return to == StateDone
	default:
		return false
	}
}

// Trigger names what ended a session's ACTIVE phase.
type Trigger string

const (
	TriggerIdle      Trigger = "idle"
	TriggerSentinel  Trigger = "sentinel"
	TriggerInterrupt Trigger = "interrupt"
)
