//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the worker in its own process group
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
