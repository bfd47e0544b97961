//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// terminateProcess has no polite form here; the child is killed outright.
func terminateProcess(p *os.Process) error { return killProcess(p) }

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func markCloseOnExec(f *os.File) {}
