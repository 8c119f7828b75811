// Package watchdog restarts the managed worker after crashes and pauses
// restarts when the worker crashes too often.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/metrics"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

// Controller is the part of the process controller the watchdog drives
type Controller interface {
	Status() processcontrol.ManagedProcess
	Start(ctx context.Context) error
	Crashes() <-chan processcontrol.CrashEvent
	ResetCrashes()
}

// AlertSink receives cooldown alerts. broadcast.Hub implements it.
type AlertSink interface {
	Alert(ctx context.Context, message string, fields map[string]interface{})
}

type Watchdog struct {
	policy     Policy
	controller Controller
	alerts     AlertSink
	logger     logging.Logger

	mutex   sync.Mutex
	tracker *CooldownTracker
	now     func() time.Time
}

// New creates a watchdog. alerts may be nil.
func New(policy Policy, controller Controller, alerts AlertSink, logger logging.Logger) (*Watchdog, error) {
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Watchdog{
		policy:     policy,
		controller: controller,
		alerts:     alerts,
		logger:     logger,
		tracker:    NewCooldownTracker(policy),
		now:        time.Now,
	}, nil
}

// Serve evaluates on every tick, on every crash and when a backoff or
// cooldown ends. It returns when ctx is done.
func (w *Watchdog) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.policy.Interval)
	defer ticker.Stop()

	wake := time.NewTimer(0)
	defer wake.Stop()

	crashes := w.controller.Crashes()
	w.logger.Infof("Watchdog started, interval: %v, max restarts: %d in %v, cooldown: %v",
		w.policy.Interval, w.policy.MaxRestarts, w.policy.Window, w.policy.Cooldown)

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Watchdog stopped")
			return ctx.Err()
		case event := <-crashes:
			w.HandleCrash(ctx, event)
		case <-ticker.C:
		case <-wake.C:
		}

		next := w.Evaluate(ctx)
		if next.IsZero() {
			stopTimer(wake)
			continue
		}
		resetTimer(wake, next.Sub(w.now()))
	}
}

// HandleCrash counts an unexpected exit reported by the controller
func (w *Watchdog) HandleCrash(ctx context.Context, event processcontrol.CrashEvent) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.logger.Warnf("Worker crashed, worker: %s, PID: %d, reason: %s", event.Name, event.PID, event.Reason)
	w.recordCrashLocked(ctx, event.Name, event.Reason)
}

// Evaluate restarts the worker when it needs it and returns when the next
// evaluation is due. A zero time means only the periodic tick is needed.
func (w *Watchdog) Evaluate(ctx context.Context) (next time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("Watchdog evaluation panicked: %v", r)
			next = time.Time{}
		}
	}()

	w.mutex.Lock()
	defer w.mutex.Unlock()

	now := w.now()
	if w.tracker.Expired(now) {
		w.logger.Infof("Restart cooldown expired, resuming restarts")
		w.controller.ResetCrashes()
	}
	if w.tracker.InCooldown(now) {
		return w.tracker.CooldownUntil()
	}

	status := w.controller.Status()
	if !needsRestart(status) {
		return time.Time{}
	}

	if due := w.tracker.NextAttempt(now); now.Before(due) {
		w.logger.Debugf("Restart deferred by backoff, worker: %s, due in: %v", status.Name, due.Sub(now))
		return due
	}

	w.logger.Infof("Restarting worker, worker: %s, state: %s, consecutive crashes: %d",
		status.Name, status.State, status.ConsecutiveCrashes)
	metrics.WorkerRestarts.Inc()

	err := w.controller.Start(ctx)
	switch {
	case err == nil:
		w.logger.Infof("Worker restarted, worker: %s", status.Name)
		return time.Time{}
	case errors.IsAlreadyRunningError(err):
		w.logger.Debugf("Worker already running, worker: %s", status.Name)
		return time.Time{}
	case errors.IsCancelledError(err):
		return time.Time{}
	}

	w.logger.Warnf("Worker restart failed, worker: %s, error: %v", status.Name, err)
	w.recordCrashLocked(ctx, status.Name, err.Error())
	return w.tracker.NextAttempt(w.now())
}

// InCooldown reports whether restarts are currently suppressed
func (w *Watchdog) InCooldown() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.tracker.InCooldown(w.now())
}

func (w *Watchdog) String() string {
	return "watchdog"
}

func (w *Watchdog) recordCrashLocked(ctx context.Context, worker, reason string) {
	now := w.now()
	if !w.tracker.RecordCrash(now) {
		return
	}

	until := w.tracker.CooldownUntil()
	metrics.WatchdogCooldowns.Inc()

	message := fmt.Sprintf("worker %s crashed %d times within %v, restarts paused for %v",
		worker, w.policy.MaxRestarts, w.policy.Window, w.policy.Cooldown)
	w.logger.Errorf("ALERT: %s, last reason: %s", message, reason)

	if w.alerts != nil {
		w.alerts.Alert(ctx, message, map[string]interface{}{
			"worker":         worker,
			"crashes":        w.policy.MaxRestarts,
			"window":         w.policy.Window.String(),
			"cooldown":       w.policy.Cooldown.String(),
			"cooldown_until": until.UTC().Format(time.RFC3339),
			"last_reason":    reason,
		})
	}
}

func needsRestart(status processcontrol.ManagedProcess) bool {
	switch status.State {
	case processcontrol.ProcessStateCrashDetected:
		return true
	case processcontrol.ProcessStateStopped:
		return status.Desired == processcontrol.DesiredRunning
	default:
		return false
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	stopTimer(timer)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}
