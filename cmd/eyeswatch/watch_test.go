package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/steveyegge/eyeswatch/internal/config"
	"github.com/steveyegge/eyeswatch/internal/dispatch"
	"github.com/steveyegge/eyeswatch/internal/watch"
)

type nopSource struct {
	events chan watch.Event
	errors chan error
}

func newNopSource() *nopSource {
	return &nopSource{events: make(chan watch.Event), errors: make(chan error)}
}

func (s *nopSource) Add(string) error           { return nil }
func (s *nopSource) Remove(string) error        { return nil }
func (s *nopSource) Events() <-chan watch.Event { return s.events }
func (s *nopSource) Errors() <-chan error       { return s.errors }
func (s *nopSource) Close() error               { return nil }

// execute runs the root command with args from a clean flag state and an
// environment without eyeswatch settings. It reports whether a watch
// source was opened.
func execute(t *testing.T, args ...string) (opened bool, err error) {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	t.Setenv("EYESWATCH_API_KEY", "")
	t.Chdir(t.TempDir())

	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	rootCmd.Flags().VisitAll(reset)
	configFile = ""

	saved := newSource
	t.Cleanup(func() { newSource = saved })
	newSource = func(*config.Config) (watch.Source, error) {
		opened = true
		return newNopSource(), nil
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	_, err = rootCmd.ExecuteC()
	return opened, err
}

func TestRunWatch_MissingAPIKey(t *testing.T) {
	opened, err := execute(t, t.TempDir())

	var cerr *config.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *config.Error", err)
	}
	if cerr.Key != config.KeyAPIKey {
		t.Errorf("error names --%s, want --%s", cerr.Key, config.KeyAPIKey)
	}
	if opened {
		t.Error("watch source opened before the configuration was validated")
	}
}

func TestRunWatch_InvalidFlag(t *testing.T) {
	opened, err := execute(t, "--api-key", "K", "--tests", "2", "--timeout", "0", t.TempDir())
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if opened {
		t.Error("watch source opened for an invalid configuration")
	}
}

func TestRunWatch_NoUsableTargets(t *testing.T) {
	opened, err := execute(t, "--api-key", "K", "[bad")
	if !errors.Is(err, dispatch.ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
	if !opened {
		t.Error("expected the watch source to be opened for a valid configuration")
	}
}

func TestRootCommand_PathNamedLikeSubcommand(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"./config"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if cmd != rootCmd {
		t.Errorf("./config resolved to %q, want the watch command", cmd.Name())
	}
	cmd, _, err = rootCmd.Find([]string{"config"})
	if err != nil || cmd != configCmd {
		t.Errorf("config resolved to %v (%v), want the config command", cmd, err)
	}
}

func TestHandleSignals(t *testing.T) {
	ctx, abandon := context.WithCancel(context.Background())
	defer abandon()

	sigs := make(chan os.Signal, 2)
	drained := make(chan struct{}, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		handleSignals(ctx, sigs, func() { drained <- struct{}{} }, abandon, zerolog.Nop())
	}()

	sigs <- os.Interrupt
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("first signal did not drain")
	}
	select {
	case <-ctx.Done():
		t.Fatal("first signal abandoned the remote context")
	case <-time.After(50 * time.Millisecond):
	}

	sigs <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not abandon the remote context")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler still running after the second signal")
	}
	if len(drained) != 0 {
		t.Error("second signal drained again")
	}
}

func TestHandleSignals_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		handleSignals(ctx, make(chan os.Signal), func() {}, cancel, zerolog.Nop())
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler ignored context cancellation")
	}
}
