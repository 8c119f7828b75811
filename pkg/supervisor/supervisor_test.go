package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/broadcast"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/gateway"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/reaper"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/watchdog"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

const testWorker = "sleeper"

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// newTestConfig keeps the reaper off: its default signature would match
// processes of other tests running on the host
func newTestConfig(t *testing.T, command string, args ...string) *Config {
	t.Helper()
	reaperEnabled := false
	config := &Config{
		Supervisor: SupervisorOptions{
			Name:            "test",
			StateDirectory:  t.TempDir(),
			ShutdownTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Name: testWorker,
			ManagedProcessControlConfig: processcontrol.ManagedProcessControlConfig{
				Execution:        process.ExecutionConfig{ExecutablePath: command, Args: args},
				GracefulTimeout:  2 * time.Second,
				KillTimeout:      2 * time.Second,
				LivenessInterval: 100 * time.Millisecond,
			},
		},
		Watchdog: watchdog.Policy{Interval: 100 * time.Millisecond},
		Reaper:   reaper.Config{Enabled: &reaperEnabled},
		Gateway: gateway.Config{
			Listen:    fmt.Sprintf("127.0.0.1:%d", freePort(t)),
			SharedKey: testSharedKey,
		},
	}
	setConfigDefaults(config)
	return config
}

type running struct {
	supervisor *Supervisor
	cancel     context.CancelFunc
	done       chan error
	baseURL    string
}

func startSupervisor(t *testing.T, config *Config) *running {
	t.Helper()

	structured := logcollection.NewZapAdapterFromLogger(zap.NewNop())
	s, err := New(config, structured, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		supervisor: s,
		cancel:     cancel,
		done:       make(chan error, 1),
		baseURL:    "http://" + config.Gateway.Listen,
	}
	go func() { r.done <- s.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })

	require.Eventually(t, func() bool {
		resp, err := http.Get(r.baseURL + "/_supervisor/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err, ok := <-r.done:
		if ok {
			assert.NoError(t, err)
			close(r.done)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func (r *running) messages(t *testing.T, channel string) []string {
	t.Helper()
	entries, err := r.supervisor.store.Read(channel, 0)
	require.NoError(t, err)
	messages := make([]string, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, entry.Message)
	}
	return messages
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestSupervisor_StartAndStopOnExit(t *testing.T) {
	skipOnWindows(t)

	config := newTestConfig(t, "/bin/sleep", "30")
	r := startSupervisor(t, config)
	ctx := context.Background()

	status, err := r.supervisor.Contract().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)

	status, err = r.supervisor.Contract().Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	require.Greater(t, status.PID, 0)
	pid := status.PID

	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: config.Supervisor.StateDirectory,
	}, logging.NewNullLogger())
	record, err := files.ReadStateRecord(testWorker)
	require.NoError(t, err)
	assert.Equal(t, "running", record.State)
	assert.Equal(t, pid, record.PID)

	require.Eventually(t, func() bool {
		messages := strings.Join(r.messages(t, SupervisorChannel), "\n")
		return strings.Contains(messages, "worker sleeper: stopped -> starting") &&
			strings.Contains(messages, "worker sleeper: starting -> running")
	}, 5*time.Second, 20*time.Millisecond)

	// Unauthenticated stop is refused and changes nothing
	resp, err := http.Post(r.baseURL+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	client, err := control.NewHTTPClientGateway(control.ClientOptions{BaseURL: r.baseURL, Key: testSharedKey}, logging.NewNullLogger())
	require.NoError(t, err)
	remote, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", remote.State)
	assert.Equal(t, pid, remote.PID)

	r.stop(t)

	assert.False(t, processAlive(pid), "worker we started is stopped on exit")
	record, err = files.ReadStateRecord(testWorker)
	require.NoError(t, err)
	assert.Equal(t, "stopped", record.State)

	messages := r.messages(t, SupervisorChannel)
	require.NotEmpty(t, messages)
	assert.Equal(t, "supervisor test stopped", messages[len(messages)-1])
}

func TestSupervisor_StopThroughGateway(t *testing.T) {
	skipOnWindows(t)

	r := startSupervisor(t, newTestConfig(t, "/bin/sleep", "30"))
	ctx := context.Background()

	client, err := control.NewHTTPClientGateway(control.ClientOptions{BaseURL: r.baseURL, Key: testSharedKey}, logging.NewNullLogger())
	require.NoError(t, err)

	status, err := client.Start(ctx)
	require.NoError(t, err)
	pid := status.PID

	_, err = client.Start(ctx)
	assert.True(t, errors.IsAlreadyRunningError(err))

	status, err = client.Stop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)
	assert.False(t, processAlive(pid))

	_, err = client.Stop(ctx, 0)
	assert.True(t, errors.IsNotRunningError(err))
}

func TestSupervisor_LeavesAdoptedWorkerRunning(t *testing.T) {
	skipOnWindows(t)

	orphan := exec.Command("/bin/sleep", "30")
	require.NoError(t, orphan.Start())
	t.Cleanup(func() {
		orphan.Process.Kill()
		orphan.Wait()
	})

	config := newTestConfig(t, "/bin/sleep", "30")
	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: config.Supervisor.StateDirectory,
	}, logging.NewNullLogger())
	now := time.Now().UTC()
	require.NoError(t, files.WriteStateRecord(processfile.StateRecord{
		Name:      testWorker,
		PID:       orphan.Process.Pid,
		State:     "running",
		Desired:   "running",
		StartedAt: now,
		UpdatedAt: now,
	}))

	r := startSupervisor(t, config)

	status, err := r.supervisor.Contract().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, orphan.Process.Pid, status.PID)
	assert.True(t, status.Adopted)

	r.stop(t)

	assert.True(t, processAlive(orphan.Process.Pid), "adopted worker survives the supervisor")
}

func TestSupervisor_CrashLoopEntersCooldownWithOneAlert(t *testing.T) {
	skipOnWindows(t)

	config := newTestConfig(t, "/bin/sh", "-c", "sleep 0.1; exit 3")
	config.Worker.Autostart = true
	config.Watchdog = watchdog.Policy{
		Interval:      100 * time.Millisecond,
		MaxRestarts:   3,
		Window:        10 * time.Second,
		Cooldown:      60 * time.Second,
		RetryDelay:    20 * time.Millisecond,
		BackoffRate:   1,
		MaxRetryDelay: 20 * time.Millisecond,
	}

	r := startSupervisor(t, config)

	require.Eventually(t, func() bool {
		return len(r.messages(t, broadcast.AlertsChannel)) == 1
	}, 10*time.Second, 50*time.Millisecond)

	// Restarts stay paused, no second alert
	time.Sleep(500 * time.Millisecond)
	alerts, err := r.supervisor.store.Read(broadcast.AlertsChannel, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, logstore.LevelAlert, alerts[0].Level)
	assert.Contains(t, alerts[0].Message, "crashed 3 times")

	status, err := r.supervisor.Contract().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "crash_detected", status.State)

	crashes := 0
	for _, message := range r.messages(t, SupervisorChannel) {
		if strings.HasSuffix(message, "running -> crash_detected") {
			crashes++
		}
	}
	assert.Equal(t, 3, crashes)
}
