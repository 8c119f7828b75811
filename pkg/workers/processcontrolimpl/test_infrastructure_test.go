package processcontrolimpl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

// ===== SHARED TEST INFRASTRUCTURE =====

// SimpleLogger implements a basic logger for testing
type SimpleLogger struct{}

func (l *SimpleLogger) Debugf(format string, args ...interface{})               {}
func (l *SimpleLogger) Infof(format string, args ...interface{})                {}
func (l *SimpleLogger) Warnf(format string, args ...interface{})                {}
func (l *SimpleLogger) Errorf(format string, args ...interface{})               {}
func (l *SimpleLogger) LogLevelf(level int, format string, args ...interface{}) {}

// MockHealthProbe implements monitoring.HealthProbe for testing
type MockHealthProbe struct {
	mock.Mock
}

func (m *MockHealthProbe) Check(ctx context.Context) (bool, string) {
	args := m.Called(ctx)
	return args.Bool(0), args.String(1)
}

func (m *MockHealthProbe) WaitHealthy(ctx context.Context) (*monitoring.HealthCheckState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*monitoring.HealthCheckState), args.Error(1)
}

// blockingProbe never becomes healthy and honours ctx
type blockingProbe struct {
	timeout time.Duration
}

func (p *blockingProbe) Check(ctx context.Context) (bool, string) { return false, "never healthy" }

func (p *blockingProbe) WaitHealthy(ctx context.Context) (*monitoring.HealthCheckState, error) {
	state := &monitoring.HealthCheckState{Status: monitoring.HealthCheckStatusUnhealthy}
	select {
	case <-ctx.Done():
		return state, errors.NewCancelledError("health probe cancelled", ctx.Err())
	case <-time.After(p.timeout):
		return state, errors.NewHealthProbeTimeoutError("worker did not become healthy in time", nil)
	}
}

// memoryStateStore records every persisted state
type memoryStateStore struct {
	mu      sync.Mutex
	records map[string]processfile.StateRecord
	history []string
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{records: make(map[string]processfile.StateRecord)}
}

func (s *memoryStateStore) WriteStateRecord(record processfile.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Name] = record
	if len(s.history) == 0 || s.history[len(s.history)-1] != record.State {
		s.history = append(s.history, record.State)
	}
	return nil
}

func (s *memoryStateStore) ReadStateRecord(workerID string) (processfile.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[workerID]
	if !ok {
		return processfile.StateRecord{}, errors.NewNotFoundError("state record not found", nil)
	}
	return record, nil
}

func (s *memoryStateStore) get(workerID string) processfile.StateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[workerID]
}

func (s *memoryStateStore) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// shellCommand runs script with sh in its own process group
func shellCommand(script string) processcontrol.ExecuteCmd {
	execute := process.NewStdExecuteCmd(process.ExecutionConfig{
		ExecutablePath: "sh",
		Args:           []string{"-c", script},
	}, "test-worker", &SimpleLogger{})
	return processcontrol.ExecuteCmd(execute)
}

func newTestControl(t *testing.T, options processcontrol.ProcessControlOptions) (*processControl, *memoryStateStore) {
	t.Helper()
	store := newMemoryStateStore()
	if options.StateStore == nil {
		options.StateStore = store
	}
	if options.GracefulTimeout == 0 {
		options.GracefulTimeout = 2 * time.Second
	}
	if options.KillTimeout == 0 {
		options.KillTimeout = 2 * time.Second
	}
	options.LivenessInterval = 20 * time.Millisecond

	pc := newProcessControl(options, "test-worker", &SimpleLogger{})
	t.Cleanup(func() {
		if pc.Status().State == processcontrol.ProcessStateRunning {
			_ = pc.Stop(context.Background(), 100*time.Millisecond)
		}
	})
	return pc, store
}

func waitForState(t *testing.T, pc processcontrol.ProcessControl, state processcontrol.ProcessState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pc.Status().State == state
	}, 5*time.Second, 10*time.Millisecond, "worker never reached %s, last: %s", state, pc.Status().State)
}
