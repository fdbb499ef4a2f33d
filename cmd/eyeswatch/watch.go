package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/eyeswatch/internal/config"
	"github.com/steveyegge/eyeswatch/internal/dashboard"
	"github.com/steveyegge/eyeswatch/internal/dispatch"
	"github.com/steveyegge/eyeswatch/internal/eyes"
	"github.com/steveyegge/eyeswatch/internal/history"
	"github.com/steveyegge/eyeswatch/internal/logging"
	"github.com/steveyegge/eyeswatch/internal/scheduler"
	"github.com/steveyegge/eyeswatch/internal/session"
	"github.com/steveyegge/eyeswatch/internal/watch"
)

func runWatch(cmd *cobra.Command, args []string) error {
	v, err := loadViper(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:   cfg.Log,
		File:    cfg.LogFile,
		Console: os.Stderr,
	})
	if err != nil {
		return &config.Error{Key: config.KeyLog, Msg: err.Error()}
	}
	defer logCloser.Close()

	source, err := newSource(cfg)
	if err != nil {
		return fmt.Errorf("starting %s watcher: %w", cfg.Backend, err)
	}
	defer source.Close()

	sched := scheduler.New(cfg.Tests, logger)

	var observers []session.Observer
	if cfg.History != "" {
		db, err := history.Open(cfg.History)
		if err != nil {
			return err
		}
		defer db.Close()

		runID := cfg.BatchID
		if runID == "" {
			runID = uuid.NewString()
		}
		rec := history.NewRecorder(db, runID, logger)
		defer rec.Close()
		observers = append(observers, rec)
	}
	if cfg.Dashboard > 0 {
		server := dashboard.NewServer(dashboard.Config{
			Port:   cfg.Dashboard,
			Stats:  sched.Stats,
			Logger: logger,
		})
		handler := dashboard.NewHandler(server)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		observers = append(observers, handler)
	}

	disp := dispatch.New(dispatch.Options{
		Targets:   args,
		Source:    source,
		Scheduler: sched,
		Comparator: eyes.NewClient(eyes.ClientConfig{
			ServerURL: cfg.ServerURL,
			APIKey:    cfg.APIKey,
			Logger:    logger,
		}),
		Session:  cfg.Session(),
		Names:    cfg.Names,
		Metadata: cfg.Metadata(),
		Sep:      cfg.Sep,
		Observer: session.Observers(observers...),
		Logger:   logger,
	})

	logger.Info().
		Strs("targets", args).
		Int("tests", cfg.Tests).
		Str("backend", cfg.Backend).
		Bool("indexed", cfg.Indexed).
		Msg("Watching")

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	return run(cmd.Context(), disp, sched, sigs, logger)
}

// newSource opens the watch backend selected by cfg.
var newSource = func(cfg *config.Config) (watch.Source, error) {
	if cfg.Backend == config.BackendPoll {
		return watch.NewPoll(cfg.PollInterval, cfg.Settle), nil
	}
	return watch.NewNative(cfg.Settle)
}

// run drives the dispatcher and scheduler until the dispatcher is done,
// reacting to operator signals received on sigs.
func run(parent context.Context, disp *dispatch.Dispatcher, sched *scheduler.Scheduler, sigs <-chan os.Signal, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	hardCtx, abandon := context.WithCancel(parent)
	defer abandon()

	go handleSignals(hardCtx, sigs, disp.Interrupt, abandon, logger)

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		return sched.Run(schedCtx)
	})
	g.Go(func() error {
		defer stopScheduler()
		return disp.Run(hardCtx)
	})
	return g.Wait()
}

// handleSignals drains every session on the first signal and abandons
// pending remote comparisons on the second. It returns after the second
// signal or once ctx is done.
func handleSignals(ctx context.Context, sigs <-chan os.Signal, drain func(), abandon context.CancelFunc, logger zerolog.Logger) {
	interrupted := false
	for {
		select {
		case sig := <-sigs:
			if !interrupted {
				interrupted = true
				logger.Warn().Str("signal", sig.String()).Msg("Interrupt received, finishing sessions (interrupt again to abandon)")
				drain()
				continue
			}
			logger.Warn().Str("signal", sig.String()).Msg("Second interrupt, abandoning pending comparisons")
			abandon()
			return
		case <-ctx.Done():
			return
		}
	}
}
