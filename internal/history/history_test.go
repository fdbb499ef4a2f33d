package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/eyeswatch/internal/session"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// sessionEvents is the event stream of one session that staged two files,
// passed one and could not relocate the other.
func sessionEvents(dir string, start time.Time) []session.Event {
	at := func(i int) time.Time { return start.Add(time.Duration(i) * time.Millisecond) }
	return []session.Event{
		{Time: at(0), Dir: dir, Test: "login", State: session.StatePending},
		{Time: at(1), Dir: dir, Test: "login", State: session.StateActive},
		{Time: at(2), Dir: dir, Test: "login", State: session.StateActive, File: dir + "/a.png", Outcome: session.OutcomeStaged, Staged: 1},
		{Time: at(3), Dir: dir, Test: "login", State: session.StateActive, File: dir + "/b.png", Outcome: session.OutcomeStaged, Staged: 2},
		{Time: at(4), Dir: dir, Test: "login", State: session.StateDraining, Trigger: session.TriggerSentinel, Staged: 2},
		{Time: at(5), Dir: dir, Test: "login", State: session.StateFinalizing, Trigger: session.TriggerSentinel, Staged: 2},
		{Time: at(6), Dir: dir, Test: "login", State: session.StateFinalizing, File: dir + "/a.png", Outcome: session.OutcomePassed, Staged: 2},
		{Time: at(7), Dir: dir, Test: "login", State: session.StateFinalizing, File: dir + "/b.png", Outcome: session.OutcomeUnresolved, Error: "vanished", Staged: 2},
		{Time: at(8), Dir: dir, Test: "login", State: session.StateDone, Trigger: session.TriggerSentinel, Verdict: "pass", Staged: 2},
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestRecord_SessionLifecycle(t *testing.T) {
	db := openMemory(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, e := range sessionEvents("/logs/ABC", start) {
		if err := db.Record("run-1", e); err != nil {
			t.Fatalf("Record(%+v) failed: %v", e, err)
		}
	}

	sessions, err := db.ListSessions(context.Background(), ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.State != "DONE" || s.Trigger != "sentinel" || s.Verdict != "pass" || s.Staged != 2 {
		t.Errorf("session = %+v", s)
	}
	if s.Passed != 1 || s.Failed != 0 || s.Unresolved != 1 {
		t.Errorf("counts passed=%d failed=%d unresolved=%d, want 1/0/1", s.Passed, s.Failed, s.Unresolved)
	}
	if s.Error != "" {
		t.Errorf("file error leaked into session error: %q", s.Error)
	}
	if !s.StartedAt.Equal(start) {
		t.Errorf("started_at = %s, want %s", s.StartedAt, start)
	}
	if s.FinishedAt == nil || !s.FinishedAt.Equal(start.Add(8*time.Millisecond)) {
		t.Errorf("finished_at = %v", s.FinishedAt)
	}

	files, err := db.Files(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 4 || files[0].Outcome != "staged" || files[3].Error != "vanished" {
		t.Errorf("files = %+v", files)
	}
}

func TestListSessions_Filters(t *testing.T) {
	db := openMemory(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record := func(run, dir string, at time.Time) {
		t.Helper()
		if err := db.Record(run, session.Event{Time: at, Dir: dir, State: session.StatePending}); err != nil {
			t.Fatal(err)
		}
	}
	record("run-1", "/a", base)
	record("run-1", "/b", base.Add(time.Hour))
	record("run-2", "/a", base.Add(2*time.Hour))

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all newest first", ListOptions{}, []string{"run-2:/a", "run-1:/b", "run-1:/a"}},
		{"since", ListOptions{Since: base.Add(30 * time.Minute)}, []string{"run-2:/a", "run-1:/b"}},
		{"run", ListOptions{RunID: "run-1"}, []string{"run-1:/b", "run-1:/a"}},
		{"limit", ListOptions{Limit: 1}, []string{"run-2:/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListSessions(context.Background(), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			var keys []string
			for _, s := range got {
				keys = append(keys, s.RunID+":"+s.Dir)
			}
			if len(keys) != len(tt.want) {
				t.Fatalf("got %v, want %v", keys, tt.want)
			}
			for i := range keys {
				if keys[i] != tt.want[i] {
					t.Errorf("got %v, want %v", keys, tt.want)
					break
				}
			}
		})
	}
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	db := openMemory(t)
	r := NewRecorder(db, "run-9", zerolog.Nop())

	for _, e := range sessionEvents("/logs/XYZ", time.Now()) {
		r.Observe(e)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	// Observing after Close is a no-op.
	r.Observe(session.Event{Time: time.Now(), Dir: "/late", State: session.StatePending})

	sessions, err := db.ListSessions(context.Background(), ListOptions{RunID: r.RunID()})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].State != "DONE" || sessions[0].Passed != 1 {
		t.Errorf("sessions = %+v", sessions)
	}
}
