//go:build windows

package localexec

import (
	"os/exec"
)

func configureProc(cmd *exec.Cmd) {
	// Windows doesn't use process groups here; Kill terminates the child.
}

func killProc(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
