package domain

import (
	"context"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// WorkerStatus is the control API view of the managed worker
type WorkerStatus struct {
	State              string     `json:"state"`
	PID                int        `json:"pid"`
	Name               string     `json:"name,omitempty"`
	Desired            string     `json:"desired,omitempty"`
	Adopted            bool       `json:"adopted,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	ConsecutiveCrashes int        `json:"consecutive_crashes"`
	LastExitReason     string     `json:"last_exit_reason,omitempty"`
	Message            string     `json:"message,omitempty"`
}

// Contract is the control surface of the supervisor, served by the gateway
// and consumed by the CLI
type Contract interface {
	Start(ctx context.Context) (WorkerStatus, error)
	// Stop with a zero timeout uses the configured graceful timeout. A
	// stopped worker gives a NotRunning error and the current status.
	Stop(ctx context.Context, gracefulTimeout time.Duration) (WorkerStatus, error)
	Status(ctx context.Context) (WorkerStatus, error)
}

type RetryStatusOptions struct {
	RetryAttempts int
	RetryInterval time.Duration
}

// RetryStatus polls Status until it answers, for clients that race the
// supervisor start
func RetryStatus(ctx context.Context, contract Contract, options RetryStatusOptions, logger logging.Logger) (WorkerStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= options.RetryAttempts; attempt++ {
		status, err := contract.Status(ctx)
		if err == nil {
			return status, nil
		}
		// Credential problems do not go away by retrying
		if errors.IsUnauthorizedError(err) || errors.IsForbiddenError(err) {
			return WorkerStatus{}, err
		}
		lastErr = err
		logger.Debugf("Status attempt %d/%d failed: %v", attempt, options.RetryAttempts, err)

		if attempt == options.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return WorkerStatus{}, errors.NewCancelledError("status retry cancelled", ctx.Err())
		case <-time.After(options.RetryInterval):
		}
	}
	return WorkerStatus{}, errors.NewNetworkError("supervisor did not answer", lastErr).
		WithContext("attempts", options.RetryAttempts)
}
