// Package scheduler decides which tasks are due, records their runs and
// hands them to the executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cadence/internal/domain"
)

const finalWriteTimeout = 10 * time.Second

type Catalog interface {
	Get(ctx context.Context) ([]domain.Task, error)
}

type RunStore interface {
	LastRunDS(ctx context.Context) (map[string]time.Time, error)
	CreateRun(ctx context.Context, p domain.RunParams) (string, error)
	TransitionRun(ctx context.Context, id string, to domain.RunState, errMsg string) error
}

type Executor interface {
	ExecuteAsync(ctx context.Context, p domain.RunParams) error
}

// TypeChecker rejects task types no worker can execute.
type TypeChecker interface {
	Validate(taskType string) error
}

type HeartbeatStore interface {
	CreateHeartbeat(ctx context.Context, runID, taskType string) (domain.Heartbeat, error)
	TouchHeartbeat(ctx context.Context, id string) error
}

// Report summarises one scheduling pass.
type Report struct {
	Eligible   int
	Dispatched int
	Failed     int
}

type Service struct {
	catalog  Catalog
	store    RunStore
	exec     Executor
	types    TypeChecker
	hbs      HeartbeatStore
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	heartbeatID string
}

type Option func(*Service)

func WithTypeChecker(tc TypeChecker) Option { return func(s *Service) { s.types = tc } }

// WithHeartbeats makes the loop record its own liveness under the task
// type "scheduler".
func WithHeartbeats(h HeartbeatStore) Option { return func(s *Service) { s.hbs = h } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(cat Catalog, st RunStore, ex Executor, interval time.Duration, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		catalog:  cat,
		store:    st,
		exec:     ex,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs scheduling passes until ctx is done, sleeping interval between
// the end of one pass and the start of the next. It returns
// context.Cause(ctx).
func (s *Service) Start(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return context.Cause(ctx)
		case <-timer.C:
			rep := s.RunOnce(ctx, s.now())
			s.beat(ctx)
			if rep.Eligible > 0 {
				s.log.Info().Int("eligible", rep.Eligible).Int("dispatched", rep.Dispatched).Int("failed", rep.Failed).Msg("scheduling pass")
			}
			timer.Reset(s.interval)
		}
	}
}

// RunOnce performs a single pass at now. A failure on one task is logged
// and does not stop the others.
func (s *Service) RunOnce(ctx context.Context, now time.Time) Report {
	var rep Report
	tasks, err := s.catalog.Get(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load tasks")
		return rep
	}
	last, err := s.store.LastRunDS(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load last runs")
		return rep
	}

	due := Compute(now, tasks, last)
	rep.Eligible = len(due)
	for _, p := range due {
		if err := s.dispatch(ctx, p); err != nil {
			rep.Failed++
			ev := s.log.Error()
			var ce *domain.ConfigurationError
			if errors.As(err, &ce) {
				ev = s.log.Warn()
			}
			ev.Err(err).
				Str("task_id", p.TaskID).
				Str("task_name", p.TaskName).
				Str("task_type", p.TaskType).
				Time("run_ds", p.RunDS).
				Msg("failed to dispatch run")
			continue
		}
		rep.Dispatched++
	}
	return rep
}

// dispatch records the run as QUEUED and only then hands it to the
// executor. A run the executor refuses is marked FAILED.
func (s *Service) dispatch(ctx context.Context, p domain.RunParams) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching: %v", r)
		}
	}()

	if s.types != nil {
		if err := s.types.Validate(p.TaskType); err != nil {
			return err
		}
	}
	id, err := s.store.CreateRun(ctx, p)
	if err != nil {
		return err
	}
	p.RunID = id

	if err := s.exec.ExecuteAsync(ctx, p); err != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
		if terr := s.store.TransitionRun(fctx, id, domain.RunFailed, err.Error()); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}
	s.log.Info().
		Str("run_id", id).
		Str("task_id", p.TaskID).
		Str("task_name", p.TaskName).
		Time("run_ds", p.RunDS).
		Msg("run dispatched")
	return nil
}

func (s *Service) beat(ctx context.Context) {
	if s.hbs == nil {
		return
	}
	if s.heartbeatID != "" {
		err := s.hbs.TouchHeartbeat(ctx, s.heartbeatID)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn().Err(err).Msg("scheduler heartbeat failed")
			return
		}
	}
	hb, err := s.hbs.CreateHeartbeat(ctx, "", "scheduler")
	if err != nil {
		s.log.Warn().Err(err).Msg("scheduler heartbeat failed")
		return
	}
	s.heartbeatID = hb.ID
}
