// Package app wires configuration into the components each cadence command
// runs. It holds no package-level state; every command builds its own App.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"cadence/internal/catalog"
	"cadence/internal/config"
	"cadence/internal/executor"
	"cadence/internal/queue"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/supervisor"
	"cadence/internal/tasks"
	"cadence/internal/tasks/httpcall"
	"cadence/internal/tasks/rss"
	"cadence/internal/tasks/shell"
)

// ChildCommand is the hidden subcommand a ProcessLauncher re-executes.
const ChildCommand = "child"

type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Store    *store.Store
	Registry *tasks.Registry

	mu     sync.Mutex
	broker queue.Broker
}

type Option func(*App)

// WithRegistry replaces the built-in task types.
func WithRegistry(r *tasks.Registry) Option { return func(a *App) { a.Registry = r } }

// WithStore uses an already opened store instead of opening database.dsn.
func WithStore(s *store.Store) Option { return func(a *App) { a.Store = s } }

// New opens the store and makes sure its schema exists.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Log: log}
	for _, o := range opts {
		o(a)
	}
	if a.Registry == nil {
		a.Registry = NewRegistry()
	}
	if a.Store == nil {
		st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.Store = st
	}
	if err := a.Store.EnsureSchema(ctx); err != nil {
		a.Store.Close()
		return nil, err
	}
	return a, nil
}

// NewRegistry returns the task types every cadence binary knows.
func NewRegistry() *tasks.Registry {
	return tasks.NewRegistry(map[string]tasks.Task{
		"shell": shell.Shell{},
		"http":  httpcall.New(),
		"rss":   rss.New(),
	})
}

// Broker returns the configured broker. It is created once per App so that
// a standalone process shares one in-memory queue between its scheduler and
// its workers.
func (a *App) Broker(ctx context.Context) (queue.Broker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broker != nil {
		return a.broker, nil
	}
	switch a.Config.Executor.Broker {
	case config.BrokerMemory:
		a.broker = queue.NewMemoryBroker(a.Config.Executor.QueueSize)
	case config.BrokerRedis:
		client, err := queue.DialRedis(ctx, a.Config.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.broker = queue.NewRedisBroker(client, a.Config.Redis.Key)
	default:
		return nil, fmt.Errorf("unknown broker %q", a.Config.Executor.Broker)
	}
	a.Log.Debug().Str("broker", a.Config.Executor.Broker).Msg("broker ready")
	return a.broker, nil
}

func (a *App) Dispatcher(b queue.Broker) *executor.Dispatcher {
	ec := a.Config.Executor
	return executor.NewDispatcher(b, a.Log,
		executor.WithRetryPolicy(executor.RetryPolicy{
			MaxAttempts:  ec.Retry.MaxAttempts,
			InitialDelay: ec.Retry.InitialDelay,
			MaxDelay:     ec.Retry.MaxDelay,
			Multiplier:   ec.Retry.Multiplier,
		}),
		executor.WithEnqueueTimeout(ec.EnqueueTimeout),
		executor.WithRateLimit(ec.RatePerSecond, ec.Burst),
	)
}

// Scheduler builds the polling loop in front of the task catalog.
func (a *App) Scheduler(exec scheduler.Executor) *scheduler.Service {
	cat := catalog.New(a.Store, a.Config.Scheduler.CatalogTTL)
	return scheduler.NewService(cat, a.Store, exec, a.Config.Scheduler.SleepInterval, a.Log,
		scheduler.WithTypeChecker(a.Registry),
		scheduler.WithHeartbeats(a.Store),
	)
}

// Reaper returns nil when the reaper is disabled.
func (a *App) Reaper() (*scheduler.Reaper, error) {
	rc := a.Config.Reaper
	if !rc.Enabled {
		return nil, nil
	}
	return scheduler.NewReaper(a.Store, scheduler.ReaperConfig{
		Schedule:          rc.Schedule,
		HeartbeatInterval: a.Config.Supervisor.HeartbeatInterval,
		HeartbeatMisses:   rc.HeartbeatMisses,
		QueuedTimeout:     rc.QueuedTimeout,
	}, a.Log)
}

// Launcher returns the child launcher for supervisor.isolation. childArgs
// are the arguments that make this binary run ChildCommand.
func (a *App) Launcher(childArgs []string) supervisor.Launcher {
	if a.Config.Supervisor.Isolation == config.IsolationGoroutine {
		return &supervisor.GoroutineLauncher{Registry: a.Registry}
	}
	return &supervisor.ProcessLauncher{Args: childArgs}
}

func (a *App) Supervisor(l supervisor.Launcher) *supervisor.Supervisor {
	sc := a.Config.Supervisor
	return supervisor.New(a.Store, l, supervisor.Config{
		HeartbeatInterval: sc.HeartbeatInterval,
		SoftDeadline:      sc.SoftDeadline,
		HardDeadline:      sc.HardDeadline,
		KillGrace:         sc.KillGrace,
		LogDir:            sc.LogDir,
	}, a.Log)
}

// Workers builds a pool that feeds every dequeued run to a supervisor.
func (a *App) Workers(b queue.Broker, l supervisor.Launcher) *executor.Pool {
	return executor.NewPool(b, a.Supervisor(l), a.Log)
}

// Close releases the broker and the store.
func (a *App) Close() error {
	a.mu.Lock()
	b := a.broker
	a.broker = nil
	a.mu.Unlock()

	var errs []error
	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
