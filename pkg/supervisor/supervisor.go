// Package supervisor wires the log store, the broadcast hub, the process
// controller, the watchdog, the reaper and the gateway into one daemon.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/broadcast"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/domain"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/gateway"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/metrics"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/reaper"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/watchdog"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrolimpl"
)

// SupervisorChannel receives worker transitions and supervisor lifecycle events
const SupervisorChannel = "supervisor"

type Supervisor struct {
	config *Config
	logger logging.Logger

	files      *processfile.ProcessFileManager
	store      *logstore.Store
	hub        *broadcast.Hub
	events     *eventQueue
	collector  logcollection.LogCollector
	table      reaper.ProcessTable
	controller processcontrol.ProcessControl
	contract   domain.Contract
	watchdog   *watchdog.Watchdog
	reaper     *reaper.Reaper
	gateway    *gateway.Gateway
	tree       *serviceTree
}

// Options replace parts of the supervisor, mostly for tests
type Options struct {
	// ProcessTable defaults to the system process table
	ProcessTable reaper.ProcessTable
	Tree         TreeConfig
}

// New validates config and builds every component. Nothing runs until Run.
func New(config *Config, structured logcollection.StructuredLogger, options Options) (*Supervisor, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	s := &Supervisor{
		config: config,
		logger: componentLogger(structured, "supervisor"),
	}

	s.files = processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory:   config.Supervisor.StateDirectory,
		ServiceContext:  config.Supervisor.ServiceContext,
		AppName:         config.Supervisor.Name,
		UseSubdirectory: config.Supervisor.StateDirectory == "",
	}, componentLogger(structured, "processfile"))

	logDirectory := config.Logs.Directory
	if logDirectory == "" {
		logDirectory = filepath.Join(s.files.BaseDirectory(), "logs")
	}

	store, err := logstore.NewStore(logstore.Config{
		Directory:         logDirectory,
		Rotation:          config.Logs.Rotation,
		Overrides:         config.Logs.Channels,
		OnRotationFailure: s.onRotationFailure,
		OnRotation:        s.onRotation,
	}, componentLogger(structured, "logstore"))
	if err != nil {
		return nil, err
	}
	s.store = store

	s.hub = broadcast.NewHub(store, broadcast.Config{
		HistoryLines: config.Logs.HistoryLines,
		QueueSize:    config.Logs.SubscriberQueue,
	}, componentLogger(structured, "broadcast"))
	s.events = newEventQueue(s.hub, s.logger)

	s.collector = logcollection.NewOutputCollector(logcollection.CollectorConfig{
		DefaultChannel: config.Logs.DefaultChannel,
	}, s.hub, structured)

	s.table = options.ProcessTable
	if s.table == nil {
		s.table = reaper.NewSystemProcessTable(componentLogger(structured, "proctable"))
	}

	s.controller = s.newController(structured)
	s.controller.OnTransition(s.onTransition)
	s.contract = newControllerContract(s.controller)

	s.watchdog, err = watchdog.New(config.Watchdog, s.controller, s.hub, componentLogger(structured, "watchdog"))
	if err != nil {
		return nil, err
	}

	if config.Reaper.IsEnabled() {
		s.reaper, err = reaper.New(config.Reaper, s.table, s.managedPID, componentLogger(structured, "reaper"))
		if err != nil {
			return nil, err
		}
	}

	s.gateway, err = gateway.New(config.Gateway, s.contract, s.hub, store, componentLogger(structured, "gateway"))
	if err != nil {
		return nil, err
	}

	s.tree = newServiceTree(config.Supervisor.Name, options.Tree, s.logger)
	s.tree.AddMessagingService(s.hub)
	s.tree.AddControlService(s.watchdog)
	if s.reaper != nil {
		s.tree.AddControlService(s.reaper)
	}
	s.tree.AddControlService(s.gateway)

	return s, nil
}

func (s *Supervisor) newController(structured logcollection.StructuredLogger) processcontrol.ProcessControl {
	worker := s.config.Worker
	logger := componentLogger(structured, "process")

	var probe monitoring.HealthProbe
	if worker.HealthCheck.Type != "" {
		probe = monitoring.NewHealthProbe(&worker.HealthCheck, worker.Name, logger)
	}

	execute := process.NewStdExecuteCmd(worker.Execution, worker.Name, logger)

	return processcontrolimpl.NewProcessControl(processcontrol.ProcessControlOptions{
		Command:          worker.Execution.ExecutablePath,
		Args:             worker.Execution.Args,
		WorkingDirectory: worker.Execution.WorkingDirectory,
		Port:             worker.Port,
		ExecuteCmd:       processcontrol.ExecuteCmd(execute),
		HealthProbe:      probe,
		GracefulTimeout:  worker.GracefulTimeout,
		KillTimeout:      worker.KillTimeout,
		Verify:           reaper.Verifier(s.table, s.config.Reaper.Signature),
		LivenessInterval: worker.LivenessInterval,
		StateStore:       s.files,
		LogCollector:     s.collector,
	}, worker.Name, logger)
}

// Contract is the control surface the gateway serves
func (s *Supervisor) Contract() domain.Contract {
	return s.contract
}

// Gateway exposes the HTTP surface, mostly for tests
func (s *Supervisor) Gateway() *gateway.Gateway {
	return s.gateway
}

// Run reconciles the worker, runs the service tree until ctx is done and
// then shuts down. The worker is stopped on exit only when
// WorkerConfig.StopWorkerOnExit says so.
func (s *Supervisor) Run(ctx context.Context) error {
	worker := s.config.Worker
	s.logger.Infof("Supervisor starting, name: %s, worker: %s, command: %s",
		s.config.Supervisor.Name, worker.Name, worker.Execution.ExecutablePath)

	s.events.start()

	if err := s.controller.Reconcile(ctx); err != nil {
		s.logger.Errorf("Failed to reconcile worker state, worker: %s, error: %v", worker.Name, err)
	}
	status := s.controller.Status()
	s.logger.Infof("Worker reconciled, worker: %s, state: %s, PID: %d, adopted: %t",
		worker.Name, status.State, status.PID, status.Adopted)

	treeCtx, cancelTree := context.WithCancel(context.Background())
	defer cancelTree()
	treeDone := s.tree.ServeBackground(treeCtx)

	s.events.push(logstore.Entry{
		Channel: SupervisorChannel,
		Level:   logstore.LevelInfo,
		Message: fmt.Sprintf("supervisor %s started", s.config.Supervisor.Name),
		Fields: map[string]interface{}{
			"worker_state": string(status.State),
			"adopted":      status.Adopted,
			"listen":       s.config.Gateway.Listen,
		},
	})

	var wg sync.WaitGroup
	if worker.Autostart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.autostart(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Infof("Supervisor shutting down, reason: %v", context.Cause(ctx))
	case err := <-treeDone:
		runErr = errors.NewInternalError("service tree stopped unexpectedly", err)
		treeDone = nil
	}

	wg.Wait()
	s.shutdown()

	cancelTree()
	if treeDone != nil {
		<-treeDone
	}
	if report, err := s.tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, unstopped := range report {
			s.logger.Errorf("Service did not stop in time: %s", unstopped.Name)
		}
	}

	s.collector.Stop()
	s.logger.Infof("Supervisor stopped")
	return runErr
}

func (s *Supervisor) autostart(ctx context.Context) {
	status := s.controller.Status()
	if status.State != processcontrol.ProcessStateStopped {
		return
	}
	s.logger.Infof("Autostarting worker, worker: %s", status.Name)
	err := s.controller.Start(ctx)
	switch {
	case err == nil, errors.IsAlreadyRunningError(err), errors.IsCancelledError(err):
	default:
		// The failed start left crash_detected behind, the watchdog takes it from here
		s.logger.Errorf("Autostart failed, worker: %s, error: %v", status.Name, err)
	}
}

// shutdown stops the control layer, then the worker when it should, while
// the hub still records the final transitions
func (s *Supervisor) shutdown() {
	if err := s.tree.StopControl(); err != nil {
		s.logger.Warnf("Failed to stop control services, error: %v", err)
	}

	status := s.controller.Status()
	switch {
	case status.State == processcontrol.ProcessStateStopped:
	case s.config.Worker.StopWorkerOnExit(status.Adopted):
		s.logger.Infof("Stopping worker, worker: %s, PID: %d", status.Name, status.PID)
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Supervisor.ShutdownTimeout)
		err := s.controller.Stop(ctx, 0)
		cancel()
		if err != nil && !errors.IsNotRunningError(err) {
			s.logger.Errorf("Failed to stop worker, worker: %s, error: %v", status.Name, err)
		}
	default:
		s.logger.Infof("Leaving worker running, worker: %s, PID: %d, adopted: %t", status.Name, status.PID, status.Adopted)
	}

	s.events.push(logstore.Entry{
		Channel: SupervisorChannel,
		Level:   logstore.LevelInfo,
		Message: fmt.Sprintf("supervisor %s stopped", s.config.Supervisor.Name),
	})
	s.events.stop()
}

func (s *Supervisor) managedPID() int {
	return s.controller.Status().PID
}

var workerStateNames = func() []string {
	states := processcontrol.AllProcessStates()
	names := make([]string, 0, len(states))
	for _, state := range states {
		names = append(names, string(state))
	}
	return names
}()

// onTransition runs under the controller lock
func (s *Supervisor) onTransition(from, to processcontrol.ProcessState, snapshot processcontrol.ManagedProcess) {
	metrics.SetWorkerState(string(to), workerStateNames)

	level := logstore.LevelInfo
	if to == processcontrol.ProcessStateCrashDetected {
		metrics.WorkerCrashes.Inc()
		level = logstore.LevelError
	}

	fields := map[string]interface{}{
		"from":    string(from),
		"to":      string(to),
		"pid":     snapshot.PID,
		"desired": string(snapshot.Desired),
	}
	if snapshot.LastExitReason != "" && to == processcontrol.ProcessStateCrashDetected {
		fields["reason"] = snapshot.LastExitReason
	}
	if snapshot.ConsecutiveCrashes > 0 {
		fields["consecutive_crashes"] = snapshot.ConsecutiveCrashes
	}

	s.events.push(logstore.Entry{
		Channel: SupervisorChannel,
		Level:   level,
		Message: fmt.Sprintf("worker %s: %s -> %s", snapshot.Name, from, to),
		Fields:  fields,
	})
}

// onRotation and onRotationFailure run under the store channel lock
func (s *Supervisor) onRotation(channel string, before, after int) {
	metrics.LogStoreRotations.Inc()
	s.logger.Debugf("Rotated log channel, channel: %s, lines: %d -> %d", channel, before, after)
}

func (s *Supervisor) onRotationFailure(channel string, err error) {
	metrics.LogStoreFailures.WithLabelValues("rotate").Inc()
	s.logger.Errorf("ALERT: log rotation failed, channel: %s, error: %v", channel, err)
	if channel == broadcast.AlertsChannel {
		return
	}
	s.events.push(logstore.Entry{
		Channel: broadcast.AlertsChannel,
		Level:   logstore.LevelAlert,
		Message: fmt.Sprintf("log rotation failed for channel %s", channel),
		Fields: map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		},
	})
}
