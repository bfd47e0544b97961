package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cadence/internal/domain"
	"cadence/internal/tasks"
)

// GoroutineLauncher runs each job on its own goroutine inside the worker
// process. Panics are contained, but cancellation is cooperative: Kill
// abandons a task that ignores its context rather than stopping it.
type GoroutineLauncher struct {
	Registry *tasks.Registry
}

func (l *GoroutineLauncher) Launch(ctx context.Context, job Job) (Child, error) {
	if l.Registry == nil {
		return nil, fmt.Errorf("goroutine launcher: no task registry")
	}
	var logFile *os.File
	if job.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(job.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open run log: %w", err)
		}
		logFile = f
	}

	cctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	if logFile != nil {
		cctx = tasks.WithOutput(cctx, logFile)
	}
	c := &goroutineChild{cancel: cancel, done: make(chan struct{})}
	go func() {
		rep := execute(cctx, l.Registry, job.Params)
		if logFile != nil {
			logFile.Close()
		}
		c.finish(rep)
	}()
	return c, nil
}

type goroutineChild struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	once    sync.Once
	outcome Outcome
}

func (c *goroutineChild) Pid() int              { return os.Getpid() }
func (c *goroutineChild) Done() <-chan struct{} { return c.done }
func (c *goroutineChild) Outcome() Outcome      { return c.outcome }

func (c *goroutineChild) Terminate() error {
	c.cancel(&domain.CancellationError{Reason: "terminated"})
	return nil
}

func (c *goroutineChild) Kill() error {
	c.cancel(&domain.CancellationError{Reason: "killed"})
	c.finish(Report{Cancelled: "killed"})
	return nil
}

func (c *goroutineChild) finish(rep Report) {
	c.once.Do(func() {
		c.outcome = Outcome{Report: rep}
		close(c.done)
	})
}

var _ Child = (*goroutineChild)(nil)
