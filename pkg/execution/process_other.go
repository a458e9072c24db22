//go:build !unix

package execution

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
