// Package shell runs an external command as a task.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"cadence/internal/domain"
	"cadence/internal/tasks"
)

// tailSize is how much trailing output is kept for the error message.
const tailSize = 2048

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

// Execute runs the command with the run window exported as CADENCE_*
// environment variables. Output goes to the run's output writer.
func (Shell) Execute(ctx context.Context, p domain.RunParams) (domain.Result, error) {
	var c Cmd
	if len(p.Args) > 0 {
		if err := json.Unmarshal(p.Args, &c); err != nil {
			return domain.Result{}, fmt.Errorf("shell args: %w", err)
		}
	}
	if c.Command == "" {
		return domain.Result{}, fmt.Errorf("shell: command: %w", tasks.ErrMissingArg)
	}

	tail := &tailBuffer{max: tailSize}
	out := io.MultiWriter(tasks.Output(ctx), tail)

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		"CADENCE_RUN_ID="+p.RunID,
		"CADENCE_TASK_ID="+p.TaskID,
		"CADENCE_RUN_DS="+p.RunDS.UTC().Format(time.RFC3339),
		"CADENCE_INTERVAL_START="+p.IntervalStartDS.UTC().Format(time.RFC3339),
		"CADENCE_INTERVAL_END="+p.IntervalEndDS.UTC().Format(time.RFC3339),
	)
	if err := cmd.Run(); err != nil {
		return domain.Result{}, fmt.Errorf("shell error: %w; out=%s", err, tail.String())
	}
	return domain.Result{Message: fmt.Sprintf("%s exited 0", c.Command)}, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
