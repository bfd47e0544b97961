package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if domain.IsCancellation(err) {
			fmt.Fprintln(os.Stderr, "cadence: cancelled:", err)
		} else {
			fmt.Fprintln(os.Stderr, "cadence:", err)
		}
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:   "cadence",
		Short: "Periodic task orchestrator",
		Long: `cadence schedules recurring tasks at fixed frequencies, catches up on
missed intervals, and runs every attempt in a supervised child activity
with heartbeats, deadlines and durable run records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configFile, "config", "", "config file (default: ./cadence.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")
	pf.String("db", "", "database DSN (overrides database.dsn)")

	root.AddCommand(
		newSchedulerCmd(&f),
		newWorkerCmd(&f),
		newStandaloneCmd(&f),
		newAPICmd(&f),
		newTaskCmd(&f),
		newChildCmd(&f),
	)
	return root
}

// env is what every long-running command starts from.
type env struct {
	app    *app.App
	log    zerolog.Logger
	closer io.Closer
}

func (e *env) Close() {
	if err := e.app.Close(); err != nil {
		e.log.Warn().Err(err).Msg("shutdown")
	}
	e.closer.Close()
}

func loadConfig(cmd *cobra.Command, f *rootFlags) (*config.Config, error) {
	pf := cmd.Flags()
	return config.Load(f.configFile,
		config.Binding{Key: "log.level", Flag: pf.Lookup("log-level")},
		config.Binding{Key: "log.format", Flag: pf.Lookup("log-format")},
		config.Binding{Key: "database.dsn", Flag: pf.Lookup("db")},
		config.Binding{Key: "api.addr", Flag: pf.Lookup("addr")},
		config.Binding{Key: "executor.concurrency", Flag: pf.Lookup("concurrency")},
	)
}

func bootstrap(ctx context.Context, cmd *cobra.Command, f *rootFlags) (*env, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	log, closer, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, os.Stderr)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("cmd", cmd.Name()).Logger()
	if cfg.ConfigFileUsed != "" {
		log.Debug().Str("file", cfg.ConfigFileUsed).Msg("config loaded")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &env{app: a, log: log, closer: closer}, nil
}

// childArgs re-creates the flags a child needs to load the same config.
func childArgs(cmd *cobra.Command, f *rootFlags) []string {
	args := []string{app.ChildCommand}
	if f.configFile != "" {
		args = append(args, "--config", f.configFile)
	}
	for _, name := range []string{"log-level", "log-format"} {
		if fl := cmd.Flags().Lookup(name); fl != nil && fl.Changed {
			args = append(args, "--"+name, fl.Value.String())
		}
	}
	return args
}
