package processcontrolimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

// spawnOrphan starts a process outside the controller, standing in for a
// worker left behind by a previous supervisor
func spawnOrphan(t *testing.T) *process.Execution {
	t.Helper()
	execution, err := shellCommand("sleep 30")(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = process.SendKillSignal(execution.Process.Pid)
		_, _ = execution.Process.Wait()
	})
	return execution
}

func TestProcessControl_ReconcileWithoutRecord(t *testing.T) {
	pc, store := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
	})

	require.NoError(t, pc.Reconcile(context.Background()))

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateStopped, status.State)
	assert.Equal(t, processcontrol.DesiredStopped, status.Desired)
	assert.Equal(t, "stopped", store.get("test-worker").State)
}

func TestProcessControl_ReconcileAdoptsLiveWorker(t *testing.T) {
	orphan := spawnOrphan(t)
	pid := orphan.Process.Pid

	store := newMemoryStateStore()
	started := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, store.WriteStateRecord(processfile.StateRecord{
		Name:      "test-worker",
		PID:       pid,
		State:     "running",
		Desired:   "running",
		StartedAt: started,
	}))

	var verified []int
	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
		StateStore: store,
		Verify: func(candidate int) (bool, error) {
			verified = append(verified, candidate)
			return true, nil
		},
	})

	require.NoError(t, pc.Reconcile(context.Background()))

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateRunning, status.State)
	assert.True(t, status.Adopted)
	assert.Equal(t, pid, status.PID)
	assert.Equal(t, processcontrol.DesiredRunning, status.Desired)
	require.NotNil(t, status.StartedAt)
	assert.True(t, started.Equal(*status.StartedAt))
	assert.Equal(t, []int{pid}, verified)

	// The adopted worker is not our child; its death is found by polling.
	require.NoError(t, process.SendKillSignal(pid))
	_, _ = orphan.Process.Wait()

	select {
	case event := <-pc.Crashes():
		assert.Equal(t, pid, event.PID)
		assert.Equal(t, "adopted process exited", event.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("adopted worker exit not detected")
	}
	assert.Equal(t, processcontrol.ProcessStateCrashDetected, pc.Status().State)
}

func TestProcessControl_StopAdoptedWorker(t *testing.T) {
	orphan := spawnOrphan(t)
	pid := orphan.Process.Pid

	store := newMemoryStateStore()
	require.NoError(t, store.WriteStateRecord(processfile.StateRecord{
		Name: "test-worker", PID: pid, State: "running", Desired: "running",
	}))

	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
		StateStore: store,
	})
	require.NoError(t, pc.Reconcile(context.Background()))
	require.True(t, pc.Status().Adopted)

	// Reap the orphan as soon as it dies so polling sees it gone
	go func() { _, _ = orphan.Process.Wait() }()

	require.NoError(t, pc.Stop(context.Background(), time.Second))
	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateStopped, status.State)
	assert.False(t, status.Adopted)
	assert.Equal(t, "stopped", store.get("test-worker").Desired)
}

func TestProcessControl_ReconcileDeadPIDResetsToStopped(t *testing.T) {
	orphan := spawnOrphan(t)
	pid := orphan.Process.Pid
	require.NoError(t, process.SendKillSignal(pid))
	_, _ = orphan.Process.Wait()

	store := newMemoryStateStore()
	require.NoError(t, store.WriteStateRecord(processfile.StateRecord{
		Name: "test-worker", PID: pid, State: "running", Desired: "running", ConsecutiveCrashes: 2,
	}))

	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
		StateStore: store,
	})
	require.NoError(t, pc.Reconcile(context.Background()))

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateStopped, status.State)
	assert.Equal(t, processcontrol.DesiredRunning, status.Desired)
	assert.Equal(t, 2, status.ConsecutiveCrashes)
	assert.Contains(t, status.LastExitReason, "not running at boot")
	assert.Zero(t, store.get("test-worker").PID)
}

func TestProcessControl_ReconcileRejectsForeignPID(t *testing.T) {
	orphan := spawnOrphan(t)

	store := newMemoryStateStore()
	require.NoError(t, store.WriteStateRecord(processfile.StateRecord{
		Name: "test-worker", PID: orphan.Process.Pid, State: "running", Desired: "stopped",
	}))

	pc, _ := newTestControl(t, processcontrol.ProcessControlOptions{
		ExecuteCmd: shellCommand("sleep 30"),
		StateStore: store,
		Verify:     func(int) (bool, error) { return false, nil },
	})
	require.NoError(t, pc.Reconcile(context.Background()))

	status := pc.Status()
	assert.Equal(t, processcontrol.ProcessStateStopped, status.State)
	assert.False(t, status.Adopted)
	assert.Zero(t, status.PID)
}
