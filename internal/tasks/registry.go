// Package tasks holds the closed set of task implementations a worker can
// execute, keyed by task type.
package tasks

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"

	"cadence/internal/domain"
)

// Task is the one capability every plugin provides. Execute returns an
// error when the run should be recorded as failed.
type Task interface {
	Execute(ctx context.Context, p domain.RunParams) (domain.Result, error)
}

// Func adapts a plain function to Task.
type Func func(ctx context.Context, p domain.RunParams) (domain.Result, error)

func (f Func) Execute(ctx context.Context, p domain.RunParams) (domain.Result, error) {
	return f(ctx, p)
}

// Registry is built once at startup and never modified afterwards.
type Registry struct {
	tasks map[string]Task
}

func NewRegistry(tasks map[string]Task) *Registry {
	m := make(map[string]Task, len(tasks))
	for k, v := range tasks {
		m[k] = v
	}
	return &Registry{tasks: m}
}

// Lookup returns the implementation for taskType, or a
// *domain.ConfigurationError wrapping domain.ErrUnknownTaskType.
func (r *Registry) Lookup(taskType string) (Task, error) {
	t, ok := r.tasks[taskType]
	if !ok {
		return nil, &domain.ConfigurationError{Setting: "task_type", Value: taskType, Err: domain.ErrUnknownTaskType}
	}
	return t, nil
}

// Validate reports whether taskType is registered.
func (r *Registry) Validate(taskType string) error {
	_, err := r.Lookup(taskType)
	return err
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type outputKey struct{}

// WithOutput attaches the writer that task output should go to.
func WithOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, outputKey{}, w)
}

// Output returns the run's output writer, or os.Stdout when none is set.
func Output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey{}).(io.Writer); ok && w != nil {
		return w
	}
	return os.Stdout
}

// ErrMissingArg is wrapped by plugins when a required argument is absent.
var ErrMissingArg = errors.New("missing required argument")
