package processcontrol

import (
	"time"
)

// ProcessState represents the current lifecycle state of the managed worker
type ProcessState string

const (
	ProcessStateStopped       ProcessState = "stopped"        // No process, ready to start
	ProcessStateStarting      ProcessState = "starting"       // Spawned, waiting for the health probe
	ProcessStateRunning       ProcessState = "running"        // Healthy and serving
	ProcessStateStopping      ProcessState = "stopping"       // Graceful shutdown initiated
	ProcessStateCrashDetected ProcessState = "crash_detected" // Exited unexpectedly or failed to become healthy
	ProcessStateRestarting    ProcessState = "restarting"     // Leaving crash_detected for a new start
)

// AllProcessStates lists every state in lifecycle order
func AllProcessStates() []ProcessState {
	return []ProcessState{
		ProcessStateStopped,
		ProcessStateStarting,
		ProcessStateRunning,
		ProcessStateStopping,
		ProcessStateCrashDetected,
		ProcessStateRestarting,
	}
}

// allowedTransitions is the lifecycle graph. Beyond the main cycle:
// starting -> stopped and restarting -> stopped end a start whose context
// was cancelled before a process existed, and crash_detected -> stopped is
// a stop request while restarts are paused. None of them has a process to
// signal, so they skip stopping.
var allowedTransitions = map[ProcessState][]ProcessState{
	ProcessStateStopped:       {ProcessStateStarting},
	ProcessStateStarting:      {ProcessStateRunning, ProcessStateCrashDetected, ProcessStateStopped},
	ProcessStateRunning:       {ProcessStateStopping, ProcessStateCrashDetected},
	ProcessStateStopping:      {ProcessStateStopped},
	ProcessStateCrashDetected: {ProcessStateRestarting, ProcessStateStopped},
	ProcessStateRestarting:    {ProcessStateStarting, ProcessStateStopped},
}

// CanTransition reports whether the lifecycle allows moving from one state to another
func CanTransition(from, to ProcessState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DesiredState is what the operator last asked for
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ManagedProcess is a point-in-time copy of the controller state
type ManagedProcess struct {
	Name               string       `json:"name"`
	Command            string       `json:"command"`
	Args               []string     `json:"args,omitempty"`
	WorkingDirectory   string       `json:"working_directory,omitempty"`
	Port               int          `json:"port,omitempty"`
	PID                int          `json:"pid"`
	State              ProcessState `json:"state"`
	Desired            DesiredState `json:"desired"`
	Adopted            bool         `json:"adopted"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ConsecutiveCrashes int          `json:"consecutive_crashes"`
	LastExitReason     string       `json:"last_exit_reason,omitempty"`
}

// CrashEvent is emitted when a running worker exits without being asked to
type CrashEvent struct {
	Name               string    `json:"name"`
	PID                int       `json:"pid"`
	Reason             string    `json:"reason"`
	At                 time.Time `json:"at"`
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
}

// TransitionHook observes every applied state transition. It runs under the
// controller lock and must not call back into the controller.
type TransitionHook func(from, to ProcessState, snapshot ManagedProcess)
