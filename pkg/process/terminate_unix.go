//go:build !windows

package process

import (
	"syscall"
)

// SendTerminationSignal sends SIGTERM to the process group on Unix systems
func SendTerminationSignal(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// SendKillSignal sends SIGKILL to the process group on Unix systems
func SendKillSignal(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// signalGroup signals the group led by pid. An adopted process may not lead
// its own group, in which case only the process itself is signalled.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.EINVAL
	}
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		err = syscall.Kill(pid, sig)
	}
	return err
}
