package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// reportDrain bounds how long the report pipe is read after the child has
// exited, in case a grandchild still holds it open.
const reportDrain = time.Second

// ProcessLauncher runs each job in a fresh process, normally this binary
// re-executed with its hidden child command. The child reads the run
// parameters from stdin and writes its Report to file descriptor 3.
type ProcessLauncher struct {
	// Path defaults to the running executable.
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Output receives the child's stdout and stderr when the job has no
	// LogPath. Defaults to os.Stderr.
	Output io.Writer
}

func (l *ProcessLauncher) Launch(ctx context.Context, job Job) (Child, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	req, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}

	// Not CommandContext: the supervisor drives termination so that it can
	// ask first and kill after the grace period.
	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = bytes.NewReader(req)
	cmd.WaitDelay = reportDrain
	setProcessGroup(cmd)

	var logFile *os.File
	if job.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(job.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err = os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open run log: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		out := l.Output
		if out == nil {
			out = os.Stderr
		}
		cmd.Stdout = out
		cmd.Stderr = out
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		closeIfSet(logFile)
		return nil, fmt.Errorf("report pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{pw}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		closeIfSet(logFile)
		return nil, fmt.Errorf("start child: %w", err)
	}
	// the child holds its own copies now
	pw.Close()
	closeIfSet(logFile)

	c := &processChild{cmd: cmd, done: make(chan struct{})}
	go c.wait(pr)
	return c, nil
}

type processChild struct {
	cmd     *exec.Cmd
	done    chan struct{}
	outcome Outcome
}

func (c *processChild) Pid() int              { return c.cmd.Process.Pid }
func (c *processChild) Done() <-chan struct{} { return c.done }

// Outcome must only be called after Done is closed.
func (c *processChild) Outcome() Outcome { return c.outcome }

func (c *processChild) Terminate() error { return terminateProcess(c.cmd.Process) }
func (c *processChild) Kill() error      { return killProcess(c.cmd.Process) }

func (c *processChild) wait(pr *os.File) {
	defer close(c.done)

	reportc := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(pr)
		reportc <- b
	}()

	exitErr := c.cmd.Wait()

	var raw []byte
	select {
	case raw = <-reportc:
	case <-time.After(reportDrain):
	}
	pr.Close()

	var rep Report
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &rep); err != nil {
			rep = Report{}
			exitErr = fmt.Errorf("decode child report: %w (exit: %v)", err, exitErr)
		}
	}
	c.outcome = Outcome{Report: rep, Exit: exitErr}
}

func closeIfSet(f *os.File) {
	if f != nil {
		f.Close()
	}
}

var _ Child = (*processChild)(nil)
