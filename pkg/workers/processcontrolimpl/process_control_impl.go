package processcontrolimpl

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processstate"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

const (
	defaultGracefulTimeout  = 10 * time.Second
	defaultKillTimeout      = 5 * time.Second
	defaultLivenessInterval = time.Second
	crashEventBuffer        = 16
)

type processControl struct {
	config   processcontrol.ProcessControlOptions
	logger   logging.Logger
	workerID string

	// Serializes Start, Stop and Reconcile
	operationMutex sync.Mutex

	// Running process tracking
	pid               int
	adopted           bool
	generation        uint64
	processDoneSignal chan struct{} // closed when the current process is gone
	exitReason        string

	// Process lifecycle state management
	state              processcontrol.ProcessState
	desired            processcontrol.DesiredState
	startedAt          time.Time
	updatedAt          time.Time
	consecutiveCrashes int
	lastExitReason     string

	hooks   []processcontrol.TransitionHook
	crashes chan processcontrol.CrashEvent
	now     func() time.Time

	// Mutex to protect concurrent access to fields
	mutex sync.RWMutex
}

func NewProcessControl(config processcontrol.ProcessControlOptions, workerID string, logger logging.Logger) processcontrol.ProcessControl {
	return newProcessControl(config, workerID, logger)
}

func newProcessControl(config processcontrol.ProcessControlOptions, workerID string, logger logging.Logger) *processControl {
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = defaultGracefulTimeout
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = defaultKillTimeout
	}
	if config.LivenessInterval <= 0 {
		config.LivenessInterval = defaultLivenessInterval
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	return &processControl{
		config:   config,
		logger:   logger,
		workerID: workerID,
		state:    processcontrol.ProcessStateStopped,
		desired:  processcontrol.DesiredStopped,
		crashes:  make(chan processcontrol.CrashEvent, crashEventBuffer),
		now:      time.Now,
	}
}

func (pc *processControl) Start(ctx context.Context) error {
	// Validate context
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if pc.config.ExecuteCmd == nil {
		return errors.NewValidationError("no execute command configured", nil).WithContext("worker", pc.workerID)
	}

	pc.operationMutex.Lock()
	defer pc.operationMutex.Unlock()

	return pc.startInternal(ctx)
}

func (pc *processControl) Stop(ctx context.Context, gracefulTimeout time.Duration) error {
	// Validate context
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = pc.config.GracefulTimeout
	}

	pc.operationMutex.Lock()
	defer pc.operationMutex.Unlock()

	return pc.stopInternal(ctx, gracefulTimeout)
}

func (pc *processControl) Status() processcontrol.ManagedProcess {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()
	return pc.snapshotLocked()
}

func (pc *processControl) Crashes() <-chan processcontrol.CrashEvent {
	return pc.crashes
}

func (pc *processControl) ResetCrashes() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pc.consecutiveCrashes == 0 {
		return
	}
	pc.logger.Infof("Resetting crash counter, worker: %s, was: %d", pc.workerID, pc.consecutiveCrashes)
	pc.consecutiveCrashes = 0
	pc.persistLocked()
}

func (pc *processControl) OnTransition(hook processcontrol.TransitionHook) {
	if hook == nil {
		return
	}
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.hooks = append(pc.hooks, hook)
}

// ===== START =====

// startPlan holds data extracted under lock for start operations
type startPlan struct {
	shouldProceed bool
	errorToReturn error
}

func (pc *processControl) startInternal(ctx context.Context) error {
	pc.logger.Infof("Starting worker %s", pc.workerID)

	// Phase 1: State validation (defer-only lock)
	plan := pc.validateAndPlanStart()
	if !plan.shouldProceed {
		return plan.errorToReturn
	}

	// Phase 2: Spawn outside lock
	execution, err := pc.config.ExecuteCmd(ctx)
	if err != nil {
		pc.logger.Errorf("Failed to spawn worker %s: %v", pc.workerID, err)
		pc.failStart("spawn failed: "+err.Error(), true)
		return errors.NewProcessError("failed to start process", err).WithContext("worker", pc.workerID)
	}

	done, generation := pc.trackExecution(execution)
	pid := execution.Process.Pid

	// Phase 3: Readiness gate
	if err := pc.waitHealthy(ctx, done); err != nil {
		pc.logger.Warnf("Worker %s did not become healthy, PID: %d, error: %v", pc.workerID, pid, err)
		pc.killAndWait(pid, done)

		crashed := !errors.IsCancelledError(err)
		reason := err.Error()
		if errors.IsCrashDetectedError(err) {
			if exitReason := pc.exitReasonFor(generation); exitReason != "" {
				reason = "exited during startup: " + exitReason
			}
		}
		pc.failStart(reason, crashed)
		return err
	}

	// Phase 4: Final state transition (defer-only lock)
	return pc.finalizeStart(generation)
}

// validateAndPlanStart validates state and moves to starting (defer-only lock)
func (pc *processControl) validateAndPlanStart() *startPlan {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	plan := &startPlan{}

	switch pc.state {
	case processcontrol.ProcessStateStopped:
	case processcontrol.ProcessStateCrashDetected:
		if err := pc.transitionLocked(processcontrol.ProcessStateRestarting); err != nil {
			plan.errorToReturn = err
			return plan
		}
	default:
		plan.errorToReturn = errors.NewAlreadyRunningError(
			fmt.Sprintf("worker is already %s", pc.state), nil).
			WithContext("worker", pc.workerID).
			WithContext("current_state", string(pc.state)).
			WithContext("pid", pc.pid)
		return plan
	}

	if err := pc.transitionLocked(processcontrol.ProcessStateStarting); err != nil {
		plan.errorToReturn = err
		return plan
	}

	plan.shouldProceed = true
	return plan
}

// trackExecution records a spawned process and starts its exit watcher
func (pc *processControl) trackExecution(execution *process.Execution) (chan struct{}, uint64) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	pc.generation++
	generation := pc.generation
	done := make(chan struct{})

	pc.pid = execution.Process.Pid
	pc.adopted = false
	pc.startedAt = pc.now()
	pc.processDoneSignal = done
	pc.exitReason = ""
	pc.persistLocked()

	pc.startLogCollection(execution)

	go pc.waitForExit(execution, generation, done)

	return done, generation
}

// waitForExit reaps the process and reports its exit
func (pc *processControl) waitForExit(execution *process.Execution, generation uint64, done chan struct{}) {
	state, err := execution.Process.Wait()

	var reason string
	if err != nil {
		reason = fmt.Sprintf("wait failed: %v", err)
	} else {
		reason = state.String()
	}
	pc.logger.Infof("Worker %s PID %d exited: %s", pc.workerID, execution.Process.Pid, reason)

	pc.handleExit(generation, done, reason)
}

// handleExit records an exit. Closing done under the lock guarantees that a
// concurrent finalizeStart either sees the exit or is seen by it.
func (pc *processControl) handleExit(generation uint64, done chan struct{}, reason string) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	close(done)

	if generation != pc.generation {
		return
	}
	pc.exitReason = reason

	if pc.state != processcontrol.ProcessStateRunning {
		// Starting and stopping handle the exit themselves
		return
	}

	pid := pc.pid
	pc.consecutiveCrashes++
	pc.lastExitReason = reason
	pc.clearProcessLocked()

	pc.logger.Errorf("Worker %s crashed, PID: %d, reason: %s, consecutive crashes: %d",
		pc.workerID, pid, reason, pc.consecutiveCrashes)

	if err := pc.transitionLocked(processcontrol.ProcessStateCrashDetected); err != nil {
		return
	}

	event := processcontrol.CrashEvent{
		Name:               pc.workerID,
		PID:                pid,
		Reason:             reason,
		At:                 pc.now(),
		ConsecutiveCrashes: pc.consecutiveCrashes,
	}
	select {
	case pc.crashes <- event:
	default:
		pc.logger.Warnf("Crash notification dropped, worker: %s", pc.workerID)
	}
}

// waitHealthy runs the probe until it passes, the process exits or ctx ends
func (pc *processControl) waitHealthy(ctx context.Context, done chan struct{}) error {
	if pc.config.HealthProbe == nil {
		select {
		case <-done:
			return errors.NewCrashDetectedError("worker exited during startup", nil).WithContext("worker", pc.workerID)
		default:
			return nil
		}
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type probeResult struct {
		state *monitoring.HealthCheckState
		err   error
	}
	results := make(chan probeResult, 1)
	go func() {
		state, err := pc.config.HealthProbe.WaitHealthy(probeCtx)
		results <- probeResult{state: state, err: err}
	}()

	select {
	case result := <-results:
		return result.err
	case <-done:
		cancel()
		<-results
		return errors.NewCrashDetectedError("worker exited during startup", nil).WithContext("worker", pc.workerID)
	}
}

// killAndWait kills the process group of a worker that failed to start
func (pc *processControl) killAndWait(pid int, done chan struct{}) {
	if err := process.SendKillSignal(pid); err != nil {
		pc.logger.Debugf("Kill of PID %d failed: %v", pid, err)
	}
	select {
	case <-done:
	case <-time.After(pc.config.KillTimeout):
		pc.logger.Errorf("Worker %s PID %d still alive after kill", pc.workerID, pid)
	}
}

// failStart ends a start attempt in crash_detected, or stopped when cancelled
func (pc *processControl) failStart(reason string, crashed bool) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	pc.clearProcessLocked()
	pc.lastExitReason = reason

	target := processcontrol.ProcessStateStopped
	if crashed {
		pc.consecutiveCrashes++
		target = processcontrol.ProcessStateCrashDetected
	}
	_ = pc.transitionLocked(target)
}

// finalizeStart completes a start after a healthy probe (defer-only lock)
func (pc *processControl) finalizeStart(generation uint64) error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	select {
	case <-pc.processDoneSignal:
		reason := pc.exitReason
		pc.clearProcessLocked()
		pc.consecutiveCrashes++
		pc.lastExitReason = reason
		_ = pc.transitionLocked(processcontrol.ProcessStateCrashDetected)
		return errors.NewCrashDetectedError("worker exited during startup", nil).
			WithContext("worker", pc.workerID).
			WithContext("reason", reason)
	default:
	}

	if generation != pc.generation {
		return errors.NewInternalError("worker changed during startup", nil).WithContext("worker", pc.workerID)
	}

	pc.desired = processcontrol.DesiredRunning
	if err := pc.transitionLocked(processcontrol.ProcessStateRunning); err != nil {
		return err
	}

	pc.logger.Infof("Worker %s is running, PID: %d", pc.workerID, pc.pid)
	return nil
}

func (pc *processControl) exitReasonFor(generation uint64) string {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()
	if generation != pc.generation {
		return ""
	}
	return pc.exitReason
}

// ===== STOP =====

// stopPlan holds data extracted under lock for stop operations
type stopPlan struct {
	pidToTerminate    int
	processDoneSignal chan struct{}
	shouldProceed     bool
	errorToReturn     error
}

func (pc *processControl) stopInternal(ctx context.Context, gracefulTimeout time.Duration) error {
	pc.logger.Infof("Stopping worker %s", pc.workerID)

	// Phase 1: State validation and planning (defer-only lock)
	plan := pc.validateAndPlanStop()
	if !plan.shouldProceed {
		return plan.errorToReturn
	}

	// Phase 2: Termination outside lock
	terminationError := pc.terminateProcessExternal(ctx, plan.pidToTerminate, plan.processDoneSignal, gracefulTimeout)
	if terminationError != nil {
		pc.logger.Errorf("Failed to terminate worker %s: %v", pc.workerID, terminationError)
	}

	// Phase 3: Final state transition (defer-only lock)
	pc.finalizeStop()

	if terminationError != nil {
		return terminationError
	}

	pc.logger.Infof("Worker %s stopped", pc.workerID)
	return nil
}

// validateAndPlanStop validates state and creates stop plan (defer-only lock)
func (pc *processControl) validateAndPlanStop() *stopPlan {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	plan := &stopPlan{}
	pc.desired = processcontrol.DesiredStopped

	switch pc.state {
	case processcontrol.ProcessStateStopped:
		pc.persistLocked()
		pc.logger.Infof("Worker already stopped, worker: %s", pc.workerID)
		plan.errorToReturn = errors.NewNotRunningError("already stopped", nil).WithContext("worker", pc.workerID)
		return plan

	case processcontrol.ProcessStateCrashDetected:
		// Nothing left to kill
		plan.errorToReturn = pc.transitionLocked(processcontrol.ProcessStateStopped)
		return plan

	case processcontrol.ProcessStateRunning:
		if err := pc.transitionLocked(processcontrol.ProcessStateStopping); err != nil {
			plan.errorToReturn = err
			return plan
		}
		plan.pidToTerminate = pc.pid
		plan.processDoneSignal = pc.processDoneSignal
		plan.shouldProceed = true
		return plan

	default:
		plan.errorToReturn = errors.NewConflictError(
			fmt.Sprintf("cannot stop worker in state '%s'", pc.state), nil).
			WithContext("worker", pc.workerID).
			WithContext("current_state", string(pc.state))
		return plan
	}
}

// terminateProcessExternal sends SIGTERM to the group, waits, then SIGKILL
func (pc *processControl) terminateProcessExternal(ctx context.Context, pid int, done chan struct{}, gracefulTimeout time.Duration) error {
	if pid <= 0 || done == nil {
		return nil
	}

	pc.logger.Infof("Sending termination signal to PID %d, timeout: %v", pid, gracefulTimeout)
	if err := process.SendTerminationSignal(pid); err != nil {
		pc.logger.Warnf("Failed to send termination signal for PID %d: %v", pid, err)
	}

	graceful := time.NewTimer(gracefulTimeout)
	defer graceful.Stop()

	select {
	case <-done:
		pc.logger.Infof("Process PID %d terminated gracefully", pid)
		return nil
	case <-graceful.C:
		pc.logger.Warnf("Process PID %d did not terminate within %v, forcing termination", pid, gracefulTimeout)
	case <-ctx.Done():
		pc.logger.Warnf("Context cancelled during graceful termination of PID %d, forcing termination", pid)
	}

	if err := process.SendKillSignal(pid); err != nil {
		pc.logger.Warnf("Failed to send kill signal for PID %d: %v", pid, err)
	}

	forced := time.NewTimer(pc.config.KillTimeout)
	defer forced.Stop()

	select {
	case <-done:
		pc.logger.Infof("Process PID %d force terminated", pid)
		return nil
	case <-forced.C:
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
	}
}

// finalizeStop completes stop operation (defer-only lock)
func (pc *processControl) finalizeStop() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pc.exitReason != "" {
		pc.lastExitReason = pc.exitReason
	} else {
		pc.lastExitReason = "stopped"
	}
	pc.clearProcessLocked()
	_ = pc.transitionLocked(processcontrol.ProcessStateStopped)
}

// ===== RECONCILE =====

func (pc *processControl) Reconcile(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	pc.operationMutex.Lock()
	defer pc.operationMutex.Unlock()

	if pc.config.StateStore == nil {
		return nil
	}

	record, err := pc.config.StateStore.ReadStateRecord(pc.workerID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			pc.logger.Warnf("Unreadable state record for worker %s, starting from stopped: %v", pc.workerID, err)
		}
		pc.resetToStopped(processfile.StateRecord{}, "")
		return nil
	}

	pc.logger.Infof("Reconciling worker %s, recorded state: %s, PID: %d, desired: %s",
		pc.workerID, record.State, record.PID, record.Desired)

	if record.PID > 0 {
		attachErr := process.AttachByPID(record.PID, pc.config.Verify, pc.workerID, pc.logger)
		if attachErr == nil {
			pc.adopt(record)
			return nil
		}
		pc.logger.Infof("Recorded worker %s PID %d not adopted: %v", pc.workerID, record.PID, attachErr)
		pc.resetToStopped(record, fmt.Sprintf("PID %d not running at boot", record.PID))
		return nil
	}

	pc.resetToStopped(record, "")
	return nil
}

func (pc *processControl) resetToStopped(record processfile.StateRecord, reason string) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	pc.clearProcessLocked()
	pc.state = processcontrol.ProcessStateStopped
	pc.desired = desiredFromRecord(record.Desired)
	pc.consecutiveCrashes = record.ConsecutiveCrashes
	pc.lastExitReason = record.LastExitReason
	if reason != "" {
		pc.lastExitReason = reason
	}
	pc.updatedAt = pc.now()
	pc.persistLocked()
}

// adopt takes over a worker that outlived the previous supervisor. It is
// not our child, so its exit is detected by polling.
func (pc *processControl) adopt(record processfile.StateRecord) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	pc.generation++
	generation := pc.generation
	done := make(chan struct{})

	pc.pid = record.PID
	pc.adopted = true
	pc.startedAt = record.StartedAt
	pc.processDoneSignal = done
	pc.exitReason = ""
	pc.desired = desiredFromRecord(record.Desired)
	pc.consecutiveCrashes = record.ConsecutiveCrashes
	pc.lastExitReason = record.LastExitReason

	from := pc.state
	pc.state = processcontrol.ProcessStateRunning
	pc.updatedAt = pc.now()
	pc.persistLocked()
	pc.notifyLocked(from, pc.state)

	pc.logger.Infof("Adopted running worker %s, PID: %d", pc.workerID, record.PID)

	go pc.watchAdopted(record.PID, generation, done)
}

func (pc *processControl) watchAdopted(pid int, generation uint64, done chan struct{}) {
	ticker := time.NewTicker(pc.config.LivenessInterval)
	defer ticker.Stop()

	for range ticker.C {
		running, err := processstate.IsProcessRunning(pid)
		if err != nil {
			pc.logger.Debugf("Liveness check of adopted PID %d failed: %v", pid, err)
			continue
		}
		if !running {
			pc.handleExit(generation, done, "adopted process exited")
			return
		}
	}
}

func desiredFromRecord(desired string) processcontrol.DesiredState {
	if processcontrol.DesiredState(desired) == processcontrol.DesiredRunning {
		return processcontrol.DesiredRunning
	}
	return processcontrol.DesiredStopped
}

// ===== STATE HELPERS (caller holds pc.mutex) =====

// transitionLocked applies a transition allowed by the lifecycle table,
// persists it and notifies observers
func (pc *processControl) transitionLocked(to processcontrol.ProcessState) error {
	from := pc.state
	if !processcontrol.CanTransition(from, to) {
		pc.logger.Errorf("Rejected state transition %s -> %s, worker: %s", from, to, pc.workerID)
		return errors.NewInternalError(fmt.Sprintf("invalid state transition %s -> %s", from, to), nil).
			WithContext("worker", pc.workerID)
	}

	pc.state = to
	pc.updatedAt = pc.now()
	pc.logger.Debugf("State transition: %s -> %s, worker: %s", from, to, pc.workerID)

	pc.persistLocked()
	pc.notifyLocked(from, to)
	return nil
}

func (pc *processControl) notifyLocked(from, to processcontrol.ProcessState) {
	if len(pc.hooks) == 0 {
		return
	}
	snapshot := pc.snapshotLocked()
	for _, hook := range pc.hooks {
		hook(from, to, snapshot)
	}
}

func (pc *processControl) persistLocked() {
	if pc.config.StateStore == nil {
		return
	}
	record := processfile.StateRecord{
		Name:               pc.workerID,
		PID:                pc.pid,
		State:              string(pc.state),
		Desired:            string(pc.desired),
		StartedAt:          pc.startedAt,
		UpdatedAt:          pc.now().UTC(),
		ConsecutiveCrashes: pc.consecutiveCrashes,
		LastExitReason:     pc.lastExitReason,
	}
	if err := pc.config.StateStore.WriteStateRecord(record); err != nil {
		pc.logger.Errorf("Failed to persist state of worker %s: %v", pc.workerID, err)
	}
}

func (pc *processControl) clearProcessLocked() {
	pc.pid = 0
	pc.adopted = false
	pc.startedAt = time.Time{}
}

func (pc *processControl) snapshotLocked() processcontrol.ManagedProcess {
	snapshot := processcontrol.ManagedProcess{
		Name:               pc.workerID,
		Command:            pc.config.Command,
		Args:               append([]string(nil), pc.config.Args...),
		WorkingDirectory:   pc.config.WorkingDirectory,
		Port:               pc.config.Port,
		PID:                pc.pid,
		State:              pc.state,
		Desired:            pc.desired,
		Adopted:            pc.adopted,
		UpdatedAt:          pc.updatedAt,
		ConsecutiveCrashes: pc.consecutiveCrashes,
		LastExitReason:     pc.lastExitReason,
	}
	if !pc.startedAt.IsZero() {
		startedAt := pc.startedAt
		snapshot.StartedAt = &startedAt
	}
	return snapshot
}

// ===== LOG COLLECTION INTEGRATION =====

// startLogCollection feeds both worker streams to the collector
func (pc *processControl) startLogCollection(execution *process.Execution) {
	if pc.config.LogCollector == nil {
		// Keep the pipes drained so the worker never blocks on a full pipe
		pc.logger.Debugf("No log collector configured for worker %s", pc.workerID)
		for _, stream := range []io.ReadCloser{execution.Stdout, execution.Stderr} {
			if stream != nil {
				go func(stream io.ReadCloser) {
					io.Copy(io.Discard, stream)
					stream.Close()
				}(stream)
			}
		}
		return
	}

	if execution.Stdout != nil {
		if err := pc.config.LogCollector.CollectFromStream(pc.workerID, execution.Stdout, logcollection.StdoutStream); err != nil {
			pc.logger.Warnf("Failed to start stdout collection for worker %s: %v", pc.workerID, err)
		}
	}
	if execution.Stderr != nil {
		if err := pc.config.LogCollector.CollectFromStream(pc.workerID, execution.Stderr, logcollection.StderrStream); err != nil {
			pc.logger.Warnf("Failed to start stderr collection for worker %s: %v", pc.workerID, err)
		}
	}
}
