//go:build windows

package process

import (
	"fmt"
	"os"
)

// SendTerminationSignal has no graceful equivalent for a console-less
// worker on Windows, so it terminates the process.
func SendTerminationSignal(pid int) error {
	return SendKillSignal(pid)
}

// SendKillSignal terminates the process
func SendKillSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
