package session

import "time"

// Outcome is what happened to one file.
type Outcome string

const (
	OutcomeStaged     Outcome = "staged"
	OutcomeHeld       Outcome = "held"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomePassed     Outcome = "passed"
	OutcomeFailed     Outcome = "failed"
)

// Event reports a session state change or a file outcome. File events have
// File and Outcome set.
type Event struct {
	Time    time.Time `json:"time"`
	Dir     string    `json:"dir"`
	Test    string    `json:"test"`
	State   State     `json:"state"`
	Trigger Trigger   `json:"trigger,omitempty"`
	File    string    `json:"file,omitempty"`
	Outcome Outcome   `json:"outcome,omitempty"`
	Verdict string    `json:"verdict,omitempty"`
	Staged  int       `json:"staged"`
	Error   string    `json:"error,omitempty"`
}

// IsFile reports whether the event is about a single file.
func (e Event) IsFile() bool {
	return e.Outcome != ""
}

// Observer receives session events. Observe is called from session
// goroutines and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Observers combines several observers into one, skipping nils.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
