//go:build !unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killGroup(proc *os.Process) error {
	err := proc.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitCode(state *os.ProcessState) (int, bool) {
	return state.ExitCode(), false
}
