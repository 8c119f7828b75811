// Package processstate answers liveness questions about PIDs the supervisor
// did not necessarily spawn.
package processstate

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

// IsProcessRunning reports whether pid names a live process. A process owned
// by another user counts as running.
func IsProcessRunning(pid int) (bool, error) {
	return IsProcessRunningContext(context.Background(), pid)
}

func IsProcessRunningContext(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	running, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, errors.NewDiscoveryError("failed to check process", err).WithContext("pid", pid)
	}
	return running, nil
}
