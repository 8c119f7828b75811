package processcontrol

import (
	"context"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
)

// ProcessControl defines the interface for controlling the managed worker lifecycle
type ProcessControl interface {
	// Start spawns the worker and waits for the health probe. Allowed from
	// stopped, or from crash_detected through restarting.
	Start(ctx context.Context) error

	// Stop sends SIGTERM to the worker group, then SIGKILL after the
	// graceful timeout. A zero timeout uses the configured one.
	Stop(ctx context.Context, gracefulTimeout time.Duration) error

	// Status returns a copy of the current state
	Status() ManagedProcess

	// Reconcile restores the persisted state at boot and adopts a worker
	// that survived a supervisor restart
	Reconcile(ctx context.Context) error

	// Crashes delivers unexpected exits of a running worker
	Crashes() <-chan CrashEvent

	// ResetCrashes clears the consecutive crash counter
	ResetCrashes()

	// OnTransition registers an observer for state transitions
	OnTransition(hook TransitionHook)
}

type ExecuteCmd func(ctx context.Context) (*process.Execution, error)

// StateStore persists the controller state. processfile.ProcessFileManager implements it.
type StateStore interface {
	WriteStateRecord(record processfile.StateRecord) error
	ReadStateRecord(workerID string) (processfile.StateRecord, error)
}

// ProcessControlOptions provides configuration for ProcessControl instances
type ProcessControlOptions struct {
	// Descriptive fields copied into ManagedProcess
	Command          string
	Args             []string
	WorkingDirectory string
	Port             int

	// Process start
	ExecuteCmd ExecuteCmd

	// Readiness gate between starting and running, nil to skip
	HealthProbe monitoring.HealthProbe

	// Graceful shutdown
	GracefulTimeout time.Duration // Time to wait after SIGTERM
	KillTimeout     time.Duration // Time to wait after SIGKILL

	// Adoption at boot
	Verify           process.VerifyFunc // Checks a recorded PID is still our worker
	LivenessInterval time.Duration      // Poll period for adopted workers

	// Persistence, nil keeps state in memory only
	StateStore StateStore

	// Log collection, nil discards worker output
	LogCollector logcollection.LogCollector
}
