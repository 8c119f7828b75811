package processcontrolimpl

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processstate"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

func TestProcessControl_StartAndStop(t *testing.T) {
	pc, store := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
		Command:    "sh",
		Port:       9000,
	})

	require.NoError(t, pc.Start(context.Background()))

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateRunning, status.State)
	assert.Equal(t, processcontrol.DesiredRunning, status.Desired)
	assert.Equal(t, 9000, status.Port)
	require.Greater(t, status.PID, 0)
	require.NotNil(t, status.StartedAt)
	assert.Equal(t, status.PID, store.get("test-worker").PID)

	pid := status.PID
	require.NoError(t, pc.Stop(context.Background(), time.Second))

	status = pc.Status()
	assert.Equal(t, processcontrol.ProcessStateStopped, status.State)
	assert.Equal(t, processcontrol.DesiredStopped, status.Desired)
	assert.Zero(t, status.PID)
	assert.Nil(t, status.StartedAt)

	running, err := processstate.IsProcessRunning(pid)
	require.NoError(t, err)
	assert.False(t, running)

	assert.Equal(t, []string{"starting", "running", "stopping", "stopped"}, store.states())
	assert.Equal(t, "stopped", store.get("test-worker").State)
	assert.Zero(t, store.get("test-worker").PID)
}

func TestProcessControl_StartWhenRunningReturnsAlreadyRunning(t *testing.T) {
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
	})

	require.NoError(t, pc.Start(context.Background()))
	pid := pc.Status().PID

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyRunningError(err))
	assert.Equal(t, pid, pc.Status().PID)
	assert.Equal(t, processcontrol.ProcessStateRunning, pc.Status().State)
}

func TestProcessControl_StopWhenStoppedIsNoop(t *testing.T) {
	pc, store := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
	})

	err := pc.Stop(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.IsNotRunningError(err))
	assert.Equal(t, processcontrol.ProcessStateStopped, pc.Status().State)
	assert.Equal(t, "stopped", store.get("test-worker").Desired)
}

func TestProcessControl_StopEscalatesToKill(t *testing.T) {
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand(`trap "" TERM; while true; do sleep 0.1; done`),
	})

	require.NoError(t, pc.Start(context.Background()))
	pid := pc.Status().PID
	// Give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	started := time.Now()
	require.NoError(t, pc.Stop(context.Background(), 300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)

	assert.Equal(t, processcontrol.ProcessStateStopped, pc.Status().State)
	running, err := processstate.IsProcessRunning(pid)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestProcessControl_CrashIsDetectedAndReported(t *testing.T) {
	pc, store := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 0.3; exit 3"),
	})

	require.NoError(t, pc.Start(context.Background()))
	pid := pc.Status().PID

	select {
	case event := <-pc.Crashes():
		assert.Equal(t, "test-worker", event.Name)
		assert.Equal(t, pid, event.PID)
		assert.Contains(t, event.Reason, "exit status 3")
		assert.Equal(t, 1, event.ConsecutiveCrashes)
	case <-time.After(5 * time.Second):
		t.Fatal("no crash event")
	}

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateCrashDetected, status.State)
	assert.Equal(t, processcontrol.DesiredRunning, status.Desired)
	assert.Zero(t, status.PID)
	assert.Equal(t, 1, status.ConsecutiveCrashes)
	assert.Equal(t, "crash_detected", store.get("test-worker").State)
	assert.Equal(t, 1, store.get("test-worker").ConsecutiveCrashes)

	pc.ResetCrashes()
	assert.Zero(t, pc.Status().ConsecutiveCrashes)
	assert.Zero(t, store.get("test-worker").ConsecutiveCrashes)
}

func TestProcessControl_RestartFromCrashGoesThroughRestarting(t *testing.T) {
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 0.2; exit 1"),
	})

	var mu sync.Mutex
	var transitions []string
	pc.OnTransition(func(from, to processcontrol.ProcessState, snapshot processcontrol.ManagedProcess) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+">"+string(to))
	})

	require.NoError(t, pc.Start(context.Background()))
	waitForState(t, pc, processcontrol.ProcessStateCrashDetected)

	pc.config.ExecuteCmd = shellCommand("sleep 30")
	require.NoError(t, pc.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"stopped>starting",
		"starting>running",
		"running>crash_detected",
		"crash_detected>restarting",
		"restarting>starting",
		"starting>running",
	}, transitions)
}

func TestProcessControl_StopFromCrashDetected(t *testing.T) {
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCommand("exit 2"),
		HealthProbe: &blockingProbe{timeout: 5 * time.Second},
	})

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCrashDetectedError(err))
	assert.Equal(t, processcontrol.ProcessStateCrashDetected, pc.Status().State)
	assert.Contains(t, pc.Status().LastExitReason, "exit status 2")

	require.NoError(t, pc.Stop(context.Background(), 0))
	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateStopped, status.State)
	assert.Equal(t, processcontrol.DesiredStopped, status.Desired)
}

func TestProcessControl_HealthProbeTimeoutKillsWorker(t *testing.T) {
	var spawnedPID int
	execute := shellCommand("sleep 30")
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: func(ctx context.Context) (*process.Execution, error) {
			execution, err := execute(ctx)
			if err == nil {
				spawnedPID = execution.Process.Pid
			}
			return execution, err
		},
		HealthProbe: &blockingProbe{timeout: 200 * time.Millisecond},
	})

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsHealthProbeTimeoutError(err))

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateCrashDetected, status.State)
	assert.Equal(t, 1, status.ConsecutiveCrashes)
	assert.Zero(t, status.PID)
	assert.Equal(t, processcontrol.DesiredStopped, status.Desired)

	require.Greater(t, spawnedPID, 0)
	running, err := processstate.IsProcessRunning(spawnedPID)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestProcessControl_CancelledStartEndsStopped(t *testing.T) {
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCommand("sleep 30"),
		HealthProbe: &blockingProbe{timeout: 5 * time.Second},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := pc.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
	assert.Equal(t, processcontrol.ProcessStateStopped, pc.Status().State)
	assert.Zero(t, pc.Status().ConsecutiveCrashes)
}

func TestProcessControl_HealthyProbeGatesRunning(t *testing.T) {
	probe := &MockHealthProbe{}
	probe.On("WaitHealthy", mock.Anything).
		Return(&monitoring.HealthCheckState{Status: monitoring.HealthCheckStatusHealthy, Attempts: 1}, nil).
		Once()

	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCommand("sleep 30"),
		HealthProbe: probe,
	})

	require.NoError(t, pc.Start(context.Background()))
	assert.Equal(t, processcontrol.ProcessStateRunning, pc.Status().State)
	probe.AssertExpectations(t)
}

func TestProcessControl_SpawnFailureIsCrash(t *testing.T) {
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: func(ctx context.Context) (*process.Execution, error) {
			return nil, errors.NewValidationError("executable not found", nil)
		},
	})

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
	assert.Equal(t, processcontrol.ProcessStateCrashDetected, pc.Status().State)
	assert.Contains(t, pc.Status().LastExitReason, "spawn failed")
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []logstore.Entry
}

func (p *recordingPublisher) Publish(ctx context.Context, entry logstore.Entry) (logstore.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return entry, nil
}

func (p *recordingPublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var messages []string
	for _, entry := range p.entries {
		messages = append(messages, entry.Message)
	}
	return messages
}

func TestProcessControl_CollectsWorkerOutput(t *testing.T) {
	publisher := &recordingPublisher{}
	logger := logcollection.NewZapAdapterFromLogger(zap.NewNop())
	collector := logcollection.NewOutputCollector(logcollection.CollectorConfig{}, publisher, logger)
	defer collector.Stop()

	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd:   shellCommand("echo hello; echo oops 1>&2; sleep 30"),
		LogCollector: collector,
	})

	require.NoError(t, pc.Start(context.Background()))

	assert.Eventually(t, func() bool {
		messages := publisher.messages()
		sort.Strings(messages)
		return assert.ObjectsAreEqual([]string{"hello", "oops"}, messages)
	}, 5*time.Second, 20*time.Millisecond)
}
