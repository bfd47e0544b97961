package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cadence/internal/api"
	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/logging"
	"cadence/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

func newSchedulerCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Poll task definitions and dispatch due runs to the broker",
		Long: `Run the scheduling loop, and the reaper when reaper.enabled is set.
Workers run in other processes, so executor.broker must be redis.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := supervisor.SignalContext(cmd.Context())
			defer stop()
			e, err := bootstrap(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := requireSharedBroker(e.app.Config); err != nil {
				return err
			}

			b, err := e.app.Broker(ctx)
			if err != nil {
				return err
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.app.Scheduler(e.app.Dispatcher(b)).Start(gctx) })
			if err := startReaper(gctx, g, e.app); err != nil {
				return err
			}
			return g.Wait()
		},
	}
}

func newWorkerCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute dispatched runs under supervision",
		Long: `Consume runs from the broker with executor.concurrency supervisors.
The command blocks until it receives SIGINT, SIGTERM or SIGQUIT; runs in
flight are cancelled and recorded as failed, and the exit status is non-zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := supervisor.SignalContext(cmd.Context())
			defer stop()
			e, err := bootstrap(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := requireSharedBroker(e.app.Config); err != nil {
				return err
			}

			b, err := e.app.Broker(ctx)
			if err != nil {
				return err
			}
			pool := e.app.Workers(b, e.app.Launcher(childArgs(cmd, f)))
			return pool.Start(ctx, e.app.Config.Executor.Concurrency)
		},
	}
	cmd.Flags().Int("concurrency", 4, "number of concurrent runs (overrides executor.concurrency)")
	return cmd
}

func newStandaloneCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run scheduler, workers and API in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := supervisor.SignalContext(cmd.Context())
			defer stop()
			e, err := bootstrap(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer e.Close()

			b, err := e.app.Broker(ctx)
			if err != nil {
				return err
			}
			g, gctx := errgroup.WithContext(ctx)
			pool := e.app.Workers(b, e.app.Launcher(childArgs(cmd, f)))
			g.Go(func() error { return pool.Start(gctx, e.app.Config.Executor.Concurrency) })
			g.Go(func() error { return e.app.Scheduler(e.app.Dispatcher(b)).Start(gctx) })
			g.Go(func() error { return serveAPI(gctx, e.app, e.log, false) })
			if err := startReaper(gctx, g, e.app); err != nil {
				return err
			}
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP bind address (overrides api.addr)")
	cmd.Flags().Int("concurrency", 4, "number of concurrent runs (overrides executor.concurrency)")
	return cmd
}

func newAPICmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the task and run API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := supervisor.SignalContext(cmd.Context())
			defer stop()
			e, err := bootstrap(ctx, cmd, f)
			if err != nil {
				return err
			}
			defer e.Close()
			debug, _ := cmd.Flags().GetBool("debug")
			if err := serveAPI(ctx, e.app, e.log, debug); err != nil {
				return err
			}
			return context.Cause(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP bind address (overrides api.addr)")
	cmd.Flags().Bool("debug", false, "mount pprof handlers under /debug/pprof")
	return cmd
}

func newChildCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:    app.ChildCommand,
		Short:  "Execute one run handed over by a supervisor",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := zerolog.New(os.Stderr).With().Timestamp().Logger()
			if cfg, err := loadConfig(cmd, f); err == nil {
				if l, _, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr); err == nil {
					log = l
				}
			}
			os.Exit(supervisor.RunChild(app.NewRegistry(), log.With().Str("cmd", "child").Logger()))
			return nil
		},
	}
}

// requireSharedBroker rejects the in-memory broker for commands whose
// counterpart runs in another process.
func requireSharedBroker(cfg *config.Config) error {
	if cfg.Executor.Broker == config.BrokerMemory {
		return &domain.ConfigurationError{
			Setting: "executor.broker",
			Value:   cfg.Executor.Broker,
			Err:     errors.New("scheduler and worker run in separate processes; use redis or the standalone command"),
		}
	}
	return nil
}

func startReaper(ctx context.Context, g *errgroup.Group, a *app.App) error {
	r, err := a.Reaper()
	if err != nil || r == nil {
		return err
	}
	g.Go(func() error { return r.Start(ctx) })
	return nil
}

// serveAPI listens on api.addr until ctx is done, then shuts down
// gracefully.
func serveAPI(ctx context.Context, a *app.App, log zerolog.Logger, debug bool) error {
	srv := &http.Server{
		Addr: a.Config.API.Addr,
		Handler: api.NewServer(a.Store,
			api.WithTypeChecker(a.Registry),
			api.WithHeartbeatInterval(a.Config.Supervisor.HeartbeatInterval),
			api.WithLogger(log),
			api.WithDebug(debug),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
