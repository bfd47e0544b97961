package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"cadence/internal/domain"
)

type ReaperStore interface {
	ReapAbandonedRuns(ctx context.Context, cutoff time.Time) (int, error)
	ReapOrphanedRuns(ctx context.Context, cutoff time.Time) (int, error)
}

type ReaperConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule          string
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals may pass without a heartbeat
	// before a RUNNING run counts as abandoned.
	HeartbeatMisses int
	// QueuedTimeout is how long a run may stay QUEUED. Zero disables it.
	QueuedTimeout time.Duration
}

// Reaper periodically fails runs that no supervisor will ever finish:
// RUNNING runs whose heartbeat went stale and QUEUED runs nobody picked up.
type Reaper struct {
	store ReaperStore
	cfg   ReaperConfig
	cron  *cron.Cron
	now   func() time.Time
	log   zerolog.Logger
}

func NewReaper(st ReaperStore, cfg ReaperConfig, log zerolog.Logger) (*Reaper, error) {
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, &domain.ConfigurationError{Setting: "reaper.schedule", Value: cfg.Schedule, Err: err}
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, &domain.ConfigurationError{Setting: "supervisor.heartbeat_interval", Err: errors.New("must be positive")}
	}
	if cfg.HeartbeatMisses < 1 {
		cfg.HeartbeatMisses = 1
	}
	log = log.With().Str("component", "reaper").Logger()
	cl := cronLogger{log}
	return &Reaper{
		store: st,
		cfg:   cfg,
		cron:  cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		now:   time.Now,
		log:   log,
	}, nil
}

// Start sweeps on the configured schedule until ctx is done, then waits
// for a sweep in progress to finish.
func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if _, _, err := r.Sweep(ctx); err != nil {
			r.log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	ev := r.log.Info().Str("schedule", r.cfg.Schedule)
	if next, err := NextSweep(r.cfg.Schedule, r.now()); err == nil {
		ev = ev.Time("next", next)
	}
	ev.Msg("reaper started")

	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.log.Info().Msg("reaper stopped")
	return nil
}

// Sweep fails abandoned and orphaned runs once and reports how many of
// each it found.
func (r *Reaper) Sweep(ctx context.Context) (abandoned, orphaned int, err error) {
	now := r.now()
	stale := time.Duration(r.cfg.HeartbeatMisses) * r.cfg.HeartbeatInterval
	abandoned, err = r.store.ReapAbandonedRuns(ctx, now.Add(-stale))
	if err != nil {
		return 0, 0, err
	}
	if r.cfg.QueuedTimeout > 0 {
		orphaned, err = r.store.ReapOrphanedRuns(ctx, now.Add(-r.cfg.QueuedTimeout))
		if err != nil {
			return abandoned, 0, err
		}
	}
	if abandoned > 0 || orphaned > 0 {
		r.log.Warn().Int("abandoned", abandoned).Int("orphaned", orphaned).Msg("reaped runs")
	}
	return abandoned, orphaned, nil
}

// ValidateSchedule validates a cron expression.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextSweep calculates the next sweep time for a cron expression.
func NextSweep(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
