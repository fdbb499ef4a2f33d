package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/eyeswatch/internal/eyes"
	"github.com/steveyegge/eyeswatch/internal/scheduler"
	"github.com/steveyegge/eyeswatch/internal/session"
	"github.com/steveyegge/eyeswatch/internal/watch"
)

type fakeSource struct {
	mu      sync.Mutex
	watched map[string]bool
	// beforeAdd runs just before a directory becomes watched.
	beforeAdd func(dir string)
	events    chan watch.Event
	errors    chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		watched: make(map[string]bool),
		events:  make(chan watch.Event, 64),
		errors:  make(chan error, 1),
	}
}

func (f *fakeSource) Add(dir string) error {
	if f.beforeAdd != nil {
		f.beforeAdd(dir)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[dir] = true
	return nil
}

func (f *fakeSource) Remove(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, dir)
	return nil
}

func (f *fakeSource) Events() <-chan watch.Event { return f.events }
func (f *fakeSource) Errors() <-chan error       { return f.errors }
func (f *fakeSource) Close() error               { return nil }

func (f *fakeSource) watching(dir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[dir]
}

// stateWaiter collects session state events.
type stateWaiter struct {
	ch chan session.Event
}

func newStateWaiter() *stateWaiter {
	return &stateWaiter{ch: make(chan session.Event, 256)}
}

func (w *stateWaiter) Observe(e session.Event) {
	if e.IsFile() {
		return
	}
	select {
	case w.ch <- e:
	default:
	}
}

func (w *stateWaiter) waitFor(t *testing.T, dir string, state session.State) session.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-w.ch:
			if e.Dir == dir && e.State == state {
				return e
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s to reach %s", dir, state)
			return session.Event{}
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixture struct {
	mock    *eyes.Mock
	sched   *scheduler.Scheduler
	waiter  *stateWaiter
	runErr  chan error
	disp    *Dispatcher
	release context.CancelFunc
}

func start(t *testing.T, src watch.Source, targets ...string) *fixture {
	t.Helper()

	sched := scheduler.New(scheduler.DefaultCapacity, zerolog.Nop())
	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	cfg := session.DefaultConfig()
	cfg.IdleTimeout = time.Minute

	f := &fixture{
		mock:   eyes.NewMock(eyes.VerdictPass),
		sched:  sched,
		waiter: newStateWaiter(),
		runErr: make(chan error, 1),
	}
	f.disp = New(Options{
		Targets:    targets,
		Source:     src,
		Scheduler:  sched,
		Comparator: f.mock,
		Session:    cfg,
		Metadata:   eyes.Metadata{AppName: "app"},
		Sep:        "__",
		Observer:   f.waiter,
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.release = cancel
	go func() { f.runErr <- f.disp.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		f.disp.Interrupt()
		select {
		case <-f.runErr:
		case <-time.After(5 * time.Second):
		}
		stopSched()
		<-schedDone
	})
	return f
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.runErr:
		f.runErr <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatcher to exit")
		return nil
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(filepath.Base(path)), 0644); err != nil {
		t.Fatal(err)
	}
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}

// A concrete target is watched natively; files arriving in order are
// submitted in order and end in the passed location, and the process is
// done once its only session is.
func TestDispatcher_ConcreteTargetEndToEnd(t *testing.T) {
	root := t.TempDir()
	abc := filepath.Join(root, "Logs", "ABC")
	mkdir(t, abc)

	src, err := watch.NewNative(20 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	f := start(t, src, abc)
	f.waiter.waitFor(t, abc, session.StateActive)

	writeFile(t, filepath.Join(abc, "shot1.png"))
	time.Sleep(20 * time.Millisecond)
	writeFile(t, filepath.Join(abc, "shot2.png"))
	time.Sleep(20 * time.Millisecond)
	writeFile(t, filepath.Join(abc, "done"))

	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	sessions := f.mock.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("opened %d comparisons, want 1", len(sessions))
	}
	if want := []string{"shot1.png", "shot2.png"}; !reflect.DeepEqual(sessions[0].Submitted, want) {
		t.Errorf("submitted %v, want %v", sessions[0].Submitted, want)
	}
	if sessions[0].Meta.TestName != abc || sessions[0].Meta.AppName != "app" {
		t.Errorf("metadata = %+v", sessions[0].Meta)
	}
	for _, name := range []string{"shot1.png", "shot2.png"} {
		if _, err := os.Stat(filepath.Join(root, "Logs", "DONE", "ABC", name)); err != nil {
			t.Errorf("%s not in passed location: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "Logs", "FAILED")); !os.IsNotExist(err) {
		t.Error("failed location should not be created")
	}
}

// A glob target discovers a directory tree created after registration and
// never one that existed before.
func TestDispatcher_PatternDiscovery(t *testing.T) {
	root := t.TempDir()
	logs := filepath.Join(root, "Logs")
	pre := filepath.Join(logs, "PRE", "assets", "screenshots")
	mkdir(t, pre)

	src := newFakeSource()
	f := start(t, src, filepath.Join(logs, "*", "assets", "screenshots"))
	waitUntil(t, "anchor watch", func() bool { return src.watching(logs) })

	// Activity under the pre-existing directory is never considered.
	src.events <- watch.Event{Path: filepath.Join(logs, "PRE", "assets"), Op: watch.OpCreate, IsDir: true}
	writeFile(t, filepath.Join(pre, "old.png"))
	src.events <- watch.Event{Path: filepath.Join(pre, "old.png"), Op: watch.OpCreate}

	xyz := filepath.Join(logs, "XYZ")
	mkdir(t, xyz)
	src.events <- watch.Event{Path: xyz, Op: watch.OpCreate, IsDir: true}
	waitUntil(t, "intermediate watch", func() bool { return src.watching(xyz) })

	shots := filepath.Join(xyz, "assets", "screenshots")
	mkdir(t, shots)
	writeFile(t, filepath.Join(shots, "shot1.png"))
	src.events <- watch.Event{Path: filepath.Join(xyz, "assets"), Op: watch.OpCreate, IsDir: true}
	// A late event for the already discovered directory is ignored.
	src.events <- watch.Event{Path: shots, Op: watch.OpCreate, IsDir: true}

	f.waiter.waitFor(t, shots, session.StateActive)
	writeFile(t, filepath.Join(shots, "done"))
	src.events <- watch.Event{Path: filepath.Join(shots, "done"), Op: watch.OpCreate}
	f.waiter.waitFor(t, shots, session.StateDone)

	sessions := f.mock.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("opened %d comparisons, want exactly 1", len(sessions))
	}
	if sessions[0].Meta.TestName != shots {
		t.Errorf("test name = %q, want %q", sessions[0].Meta.TestName, shots)
	}
	if want := []string{"shot1.png"}; !reflect.DeepEqual(sessions[0].Submitted, want) {
		t.Errorf("submitted %v, want %v", sessions[0].Submitted, want)
	}
	staged := filepath.Join(root, "DONE", "Logs", "XYZ", "assets", "screenshots", "shot1.png")
	if _, err := os.Stat(staged); err != nil {
		t.Errorf("shot1.png not in passed location: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pre, "old.png")); err != nil {
		t.Errorf("file under pre-existing directory was touched: %v", err)
	}

	// The pattern keeps the dispatcher alive until interrupted.
	select {
	case err := <-f.runErr:
		t.Fatalf("dispatcher exited early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	f.disp.Interrupt()
	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if src.watching(logs) {
		t.Error("anchor still watched after interrupt")
	}
}

func TestDispatcher_TreeCreatedBeforeWatchIsDiscovered(t *testing.T) {
	root := t.TempDir()
	logs := filepath.Join(root, "Logs")
	mkdir(t, logs)

	xyz := filepath.Join(logs, "XYZ")
	shots := filepath.Join(xyz, "assets", "screenshots")

	// mkdir -p races the watch on XYZ: the rest of the tree exists by the
	// time the watch is live, and no events are delivered for it.
	src := newFakeSource()
	src.beforeAdd = func(dir string) {
		if dir == xyz {
			_ = os.MkdirAll(shots, 0755)
			_ = os.WriteFile(filepath.Join(shots, "shot1.png"), []byte("shot1"), 0644)
		}
	}
	f := start(t, src, filepath.Join(logs, "*", "assets", "screenshots"))
	waitUntil(t, "anchor watch", func() bool { return src.watching(logs) })

	mkdir(t, xyz)
	src.events <- watch.Event{Path: xyz, Op: watch.OpCreate, IsDir: true}

	f.waiter.waitFor(t, shots, session.StateActive)
	if !src.watching(filepath.Join(xyz, "assets")) {
		t.Error("intermediate level assets not watched")
	}
	if !src.watching(shots) {
		t.Error("discovered directory not watched")
	}

	writeFile(t, filepath.Join(shots, "done"))
	src.events <- watch.Event{Path: filepath.Join(shots, "done"), Op: watch.OpCreate}
	f.waiter.waitFor(t, shots, session.StateDone)

	sessions := f.mock.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("opened %d comparisons, want 1", len(sessions))
	}
	if want := []string{"shot1.png"}; !reflect.DeepEqual(sessions[0].Submitted, want) {
		t.Errorf("submitted %v, want %v", sessions[0].Submitted, want)
	}

	f.disp.Interrupt()
	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestDispatcher_InterruptDrainsActiveSession(t *testing.T) {
	root := t.TempDir()
	abc := filepath.Join(root, "ABC")
	mkdir(t, abc)

	src := newFakeSource()
	f := start(t, src, abc, abc+string(filepath.Separator))
	f.waiter.waitFor(t, abc, session.StateActive)

	writeFile(t, filepath.Join(abc, "shot1.png"))
	src.events <- watch.Event{Path: filepath.Join(abc, "shot1.png"), Op: watch.OpCreate}
	waitUntil(t, "submission", func() bool {
		s := f.mock.Sessions()
		return len(s) == 1 && len(s[0].Submitted) == 1
	})

	f.disp.Interrupt()
	e := f.waiter.waitFor(t, abc, session.StateDone)
	if e.Trigger != session.TriggerInterrupt || e.Verdict != "pass" {
		t.Errorf("final event = %+v, want interrupt trigger and pass verdict", e)
	}
	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "DONE", "ABC", "shot1.png")); err != nil {
		t.Errorf("shot1.png not relocated: %v", err)
	}
	if n := len(f.mock.Sessions()); n != 1 {
		t.Errorf("duplicate target produced %d sessions, want 1", n)
	}
}

func TestDispatcher_NoUsableTargets(t *testing.T) {
	root := t.TempDir()
	src := newFakeSource()
	f := start(t, src, filepath.Join(root, "[bad", "x"))

	if err := f.wait(t); !errors.Is(err, ErrNoTargets) {
		t.Errorf("Run = %v, want ErrNoTargets", err)
	}
}

func TestDispatcher_BadTargetSkipped(t *testing.T) {
	root := t.TempDir()
	abc := filepath.Join(root, "ABC")
	mkdir(t, abc)

	src := newFakeSource()
	f := start(t, src, filepath.Join(root, "[bad", "x"), abc)
	f.waiter.waitFor(t, abc, session.StateActive)

	writeFile(t, filepath.Join(abc, "done"))
	src.events <- watch.Event{Path: filepath.Join(abc, "done"), Op: watch.OpCreate}
	if err := f.wait(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
