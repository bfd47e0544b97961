// Package supervisor executes one run in an isolated child activity while
// recording heartbeats, enforcing deadlines and honouring cancellation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"cadence/internal/domain"
)

// finalWriteTimeout bounds the terminal state write, which runs even when
// the supervising context has been cancelled.
const finalWriteTimeout = 10 * time.Second

// Recorder is the part of the store a supervisor writes to.
type Recorder interface {
	TransitionRun(ctx context.Context, id string, to domain.RunState, errMsg string) error
	CreateHeartbeat(ctx context.Context, runID, taskType string) (domain.Heartbeat, error)
	TouchHeartbeat(ctx context.Context, id string) error
}

type Config struct {
	HeartbeatInterval time.Duration
	// SoftDeadline asks the child to stop; HardDeadline kills it. Zero
	// disables either.
	SoftDeadline time.Duration
	HardDeadline time.Duration
	// KillGrace is how long a child gets to exit after being asked to.
	KillGrace time.Duration
	// LogDir, when set, holds one output file per run at
	// <LogDir>/<task_id>/<run_id>.log.
	LogDir string
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		SoftDeadline:      600 * time.Second,
		HardDeadline:      720 * time.Second,
		KillGrace:         10 * time.Second,
	}
}

type Supervisor struct {
	rec      Recorder
	launcher Launcher
	cfg      Config
	log      zerolog.Logger
}

func New(rec Recorder, launcher Launcher, cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultConfig().KillGrace
	}
	return &Supervisor{rec: rec, launcher: launcher, cfg: cfg, log: log.With().Str("component", "supervisor").Logger()}
}

// Run owns the state of one dispatched run: it moves the run to RUNNING,
// supervises the child, and records SUCCESS or FAILED. A run that cannot
// be moved to RUNNING (already started, reaped, or unknown) is not
// executed. A run handed over with ctx already cancelled is recorded as
// FAILED without being started.
//
// The terminal write is made even if ctx is cancelled, so a cancelled
// run never stays RUNNING.
func (s *Supervisor) Run(ctx context.Context, p domain.RunParams) error {
	log := s.log.With().Str("run_id", p.RunID).Str("task_id", p.TaskID).Str("task_type", p.TaskType).Logger()

	if ctx.Err() != nil {
		return s.abandon(ctx, p, log)
	}
	if err := s.rec.TransitionRun(ctx, p.RunID, domain.RunRunning, ""); err != nil {
		if ctx.Err() != nil {
			return s.abandon(ctx, p, log)
		}
		log.Warn().Err(err).Msg("run not started")
		return fmt.Errorf("start run %s: %w", p.RunID, err)
	}
	log.Info().Time("run_ds", p.RunDS).Msg("run started")

	res, runErr := s.Supervise(ctx, Job{Params: p, LogPath: s.logPath(p)})

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if runErr != nil {
		if err := s.rec.TransitionRun(fctx, p.RunID, domain.RunFailed, runErr.Error()); err != nil {
			log.Error().Err(err).Msg("record failure")
			return errors.Join(runErr, err)
		}
		ev := log.Error().Err(runErr)
		var ee *domain.ExecutionError
		if errors.As(runErr, &ee) && ee.Trace != "" {
			ev = ev.Str("trace", ee.Trace)
		}
		ev.Msg("run failed")
		return runErr
	}
	if err := s.rec.TransitionRun(fctx, p.RunID, domain.RunSuccess, ""); err != nil {
		log.Error().Err(err).Msg("record success")
		return err
	}
	log.Info().Str("result", res.Message).Msg("run succeeded")
	return nil
}

// abandon fails a dequeued run that was cancelled before it could start.
// Without a start time the run does not count as the task's last run, so
// its slot is scheduled again.
func (s *Supervisor) abandon(ctx context.Context, p domain.RunParams, log zerolog.Logger) error {
	cerr := &domain.CancellationError{Reason: cancelReason(ctx)}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if err := s.rec.TransitionRun(fctx, p.RunID, domain.RunFailed, cerr.Error()); err != nil {
		log.Error().Err(err).Msg("record cancellation")
		return errors.Join(cerr, err)
	}
	log.Warn().Str("reason", cerr.Reason).Msg("run cancelled before start")
	return cerr
}

// Supervise launches the child for job and waits for it, writing a
// heartbeat every interval. It returns the child's result, the child's
// *domain.ExecutionError, or a *domain.CancellationError when ctx was
// cancelled, a deadline passed or the child was signalled directly.
func (s *Supervisor) Supervise(ctx context.Context, job Job) (domain.Result, error) {
	p := job.Params
	log := s.log.With().Str("run_id", p.RunID).Str("task_type", p.TaskType).Logger()

	child, err := s.launcher.Launch(ctx, job)
	if err != nil {
		return domain.Result{}, fmt.Errorf("launch child: %w", err)
	}
	log.Debug().Int("pid", child.Pid()).Msg("child launched")

	// heartbeats continue while a cancelled child winds down
	hbCtx := context.WithoutCancel(ctx)
	hb := &heartbeat{rec: s.rec, runID: p.RunID, taskType: p.TaskType, log: log}
	// a stalled write must not hold up the loop past the next tick
	beat := func() {
		bctx, cancel := context.WithTimeout(hbCtx, s.cfg.HeartbeatInterval)
		defer cancel()
		hb.beat(bctx)
	}
	beat()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	soft := timerC(s.cfg.SoftDeadline)
	hard := timerC(s.cfg.HardDeadline)
	var (
		grace  <-chan time.Time
		reason string
	)
	ctxDone := ctx.Done()

	terminate := func(why string) {
		if reason == "" {
			reason = why
		}
		if err := child.Terminate(); err != nil {
			log.Warn().Err(err).Msg("terminate child")
		}
		if grace == nil {
			grace = time.After(s.cfg.KillGrace)
		}
	}
	kill := func(why string) {
		if reason == "" {
			reason = why
		}
		if err := child.Kill(); err != nil {
			log.Warn().Err(err).Msg("kill child")
		}
	}

wait:
	for {
		select {
		case <-child.Done():
			break wait
		case <-ticker.C:
			beat()
		case <-ctxDone:
			ctxDone = nil
			log.Warn().Str("reason", cancelReason(ctx)).Msg("cancelling child")
			terminate(cancelReason(ctx))
		case <-soft:
			soft = nil
			log.Warn().Dur("deadline", s.cfg.SoftDeadline).Msg("soft deadline exceeded")
			terminate("soft deadline exceeded")
		case <-hard:
			hard = nil
			log.Warn().Dur("deadline", s.cfg.HardDeadline).Msg("hard deadline exceeded")
			kill("hard deadline exceeded")
		case <-grace:
			grace = nil
			log.Warn().Dur("grace", s.cfg.KillGrace).Msg("child ignored termination, killing")
			kill(reason)
		}
	}

	out := child.Outcome()
	switch {
	case reason != "":
		return domain.Result{}, &domain.CancellationError{Reason: reason}
	case out.Cancelled != "":
		return domain.Result{}, &domain.CancellationError{Reason: out.Cancelled}
	case out.Error != nil:
		return domain.Result{}, out.Error
	case out.Result != nil:
		return *out.Result, nil
	}
	msg := "child exited without a report"
	if out.Exit != nil {
		msg += ": " + out.Exit.Error()
	}
	return domain.Result{}, &domain.ExecutionError{Type: "ChildExited", Message: msg}
}

func (s *Supervisor) logPath(p domain.RunParams) string {
	if s.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.LogDir, p.TaskID, p.RunID+".log")
}

// heartbeat creates the row on the first beat and touches it afterwards.
// Write failures are logged and retried on the next beat.
type heartbeat struct {
	rec      Recorder
	runID    string
	taskType string
	log      zerolog.Logger
	id       string
}

func (h *heartbeat) beat(ctx context.Context) {
	if h.id != "" {
		err := h.rec.TouchHeartbeat(ctx, h.id)
		if err == nil {
			h.log.Debug().Str("heartbeat_id", h.id).Msg("heartbeat")
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.log.Warn().Err(err).Msg("heartbeat write failed")
			return
		}
		h.id = ""
	}
	row, err := h.rec.CreateHeartbeat(ctx, h.runID, h.taskType)
	if err != nil {
		h.log.Warn().Err(err).Msg("heartbeat create failed")
		return
	}
	h.id = row.ID
	h.log.Debug().Str("heartbeat_id", h.id).Msg("heartbeat started")
}

func timerC(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}
