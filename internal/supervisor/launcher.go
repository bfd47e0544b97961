package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"cadence/internal/domain"
	"cadence/internal/tasks"
)

// Job is one execution attempt handed to a Launcher.
type Job struct {
	Params domain.RunParams
	// LogPath, when set, receives the child's output for the duration of
	// the attempt.
	LogPath string
}

// Launcher starts the isolated child activity for a job.
type Launcher interface {
	Launch(ctx context.Context, job Job) (Child, error)
}

// Child is a running activity. Done is closed once the child has exited
// and Outcome is ready.
type Child interface {
	Pid() int
	Done() <-chan struct{}
	Outcome() Outcome
	// Terminate asks the child to stop; Kill stops it without asking.
	Terminate() error
	Kill() error
}

// Report is what the child sends back to its supervisor. Exactly one of
// the fields is set by a child that ran to completion.
type Report struct {
	Result    *domain.Result         `json:"result,omitempty"`
	Error     *domain.ExecutionError `json:"error,omitempty"`
	Cancelled string                 `json:"cancelled,omitempty"`
}

// Outcome is the Report plus how the child exited. Exit is nil for
// in-process children and for processes that exited 0.
type Outcome struct {
	Report
	Exit error
}

// execute runs the task for p and returns as soon as ctx is cancelled,
// even if the task itself has not returned yet.
func execute(ctx context.Context, reg *tasks.Registry, p domain.RunParams) Report {
	task, err := reg.Lookup(p.TaskType)
	if err != nil {
		return Report{Error: newExecutionError(err)}
	}

	ch := make(chan Report, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Report{Error: &domain.ExecutionError{
					Type:    "panic",
					Message: fmt.Sprint(r),
					Trace:   string(debug.Stack()),
				}}
			}
		}()
		res, err := task.Execute(ctx, p)
		if err != nil {
			ch <- Report{Error: newExecutionError(err)}
			return
		}
		ch <- Report{Result: &res}
	}()

	select {
	case r := <-ch:
		if ctx.Err() != nil && r.Error != nil {
			return Report{Cancelled: cancelReason(ctx)}
		}
		return r
	case <-ctx.Done():
		return Report{Cancelled: cancelReason(ctx)}
	}
}

// newExecutionError flattens err into its transferable form. Trace lists
// every error in the wrap chain, outermost first.
func newExecutionError(err error) *domain.ExecutionError {
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	var trace strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&trace, "%T: %s\n", e, e.Error())
	}
	return &domain.ExecutionError{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Trace:   trace.String(),
	}
}

func cancelReason(ctx context.Context) string {
	var ce *domain.CancellationError
	if cause := context.Cause(ctx); errors.As(cause, &ce) {
		return ce.Reason
	}
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	return "cancelled"
}
