package process

import (
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processstate"
)

// VerifyFunc reports whether pid is still the process we launched.
// PIDs are recycled, so liveness alone is not enough to adopt one.
type VerifyFunc func(pid int) (bool, error)

// AttachByPID checks that a recorded PID can be taken over: it must be
// running and, when verify is set, pass the launch signature check.
func AttachByPID(pid int, verify VerifyFunc, id string, logger logging.Logger) error {
	if pid <= 0 {
		return errors.NewValidationError("PID must be positive", nil).WithContext("id", id).WithContext("pid", pid)
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		logger.Warnf("Failed to check recorded process, id: %s, PID: %d, error: %v", id, pid, err)
		return errors.NewDiscoveryError("failed to check recorded process", err).WithContext("id", id).WithContext("pid", pid)
	}
	if !running {
		return errors.NewNotFoundError("recorded process is not running", nil).WithContext("id", id).WithContext("pid", pid)
	}

	if verify != nil {
		matches, err := verify(pid)
		if err != nil {
			return errors.NewDiscoveryError("failed to verify recorded process", err).WithContext("id", id).WithContext("pid", pid)
		}
		if !matches {
			logger.Warnf("Recorded PID belongs to another program, id: %s, PID: %d", id, pid)
			return errors.NewConflictError("recorded PID belongs to another program", nil).WithContext("id", id).WithContext("pid", pid)
		}
	}

	logger.Infof("Attached to running process, id: %s, PID: %d", id, pid)
	return nil
}
