//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes
func setupProcessAttributes(cmd *exec.Cmd) {
	// On Unix, create a new process group that we can signal as a whole.
	// Sending SIGTERM to -pid then reaches the worker and all its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
