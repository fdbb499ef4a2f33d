package dashboard

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/eyeswatch/internal/session"
)

// SessionStatus is the latest known state of one session.
type SessionStatus struct {
	Dir        string    `json:"dir"`
	Test       string    `json:"test"`
	State      string    `json:"state"`
	Trigger    string    `json:"trigger,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Staged     int       `json:"staged"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Held       int       `json:"held"`
	Ignored    int       `json:"ignored"`
	Unresolved int       `json:"unresolved"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileUpdateData is the payload of a file_update message.
type FileUpdateData struct {
	Dir     string `json:"dir"`
	File    string `json:"file"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Handler turns session events into dashboard messages and keeps the
// per-session snapshot served by /sessions. It implements
// session.Observer.
type Handler struct {
	server *Server

	mu       sync.Mutex
	sessions map[string]*SessionStatus
}

// NewHandler creates a handler feeding server.
func NewHandler(server *Server) *Handler {
	h := &Handler{
		server:   server,
		sessions: make(map[string]*SessionStatus),
	}
	server.sessions = h.Sessions
	return h
}

// Observe records e and broadcasts it.
func (h *Handler) Observe(e session.Event) {
	h.mu.Lock()
	st, ok := h.sessions[e.Dir]
	if !ok {
		st = &SessionStatus{Dir: e.Dir, Test: e.Test}
		h.sessions[e.Dir] = st
	}
	st.State = e.State.String()
	st.Staged = e.Staged
	st.UpdatedAt = e.Time
	if e.Trigger != "" {
		st.Trigger = string(e.Trigger)
	}
	if e.Verdict != "" {
		st.Verdict = e.Verdict
	}
	if !e.IsFile() && e.Error != "" {
		st.Error = e.Error
	}
	switch e.Outcome {
	case session.OutcomePassed:
		st.Passed++
	case session.OutcomeFailed:
		st.Failed++
	case session.OutcomeHeld:
		st.Held++
	case session.OutcomeIgnored:
		st.Ignored++
	case session.OutcomeUnresolved:
		st.Unresolved++
	}
	snapshot := *st
	h.mu.Unlock()

	if e.IsFile() {
		h.send(MessageTypeFile, e.Time, FileUpdateData{
			Dir:     e.Dir,
			File:    e.File,
			Outcome: string(e.Outcome),
			Error:   e.Error,
		})
		return
	}

	h.send(MessageTypeSession, e.Time, snapshot)
	if e.State == session.StateActive || e.State.IsTerminal() {
		// Stats are filled in by the broadcast loop.
		h.server.Broadcast(Message{Type: MessageTypeStats, Timestamp: e.Time})
	}
}

func (h *Handler) send(typ MessageType, at time.Time, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.server.logger.Error().Err(err).Msg("Failed to marshal dashboard data")
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: data})
}

// Sessions returns the latest status of every session, ordered by
// directory.
func (h *Handler) Sessions() []SessionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]SessionStatus, 0, len(h.sessions))
	for _, st := range h.sessions {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}
