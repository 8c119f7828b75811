// Package reaper terminates stray copies of the managed worker so only the
// supervised instance holds its port and files.
package reaper

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/metrics"
)

const (
	defaultInterval     = 60 * time.Second
	defaultGraceWindow  = 30 * time.Second
	defaultKillTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

type Config struct {
	// Enabled defaults to on whenever a signature is known
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	GraceWindow time.Duration `yaml:"grace_window"`
	KillTimeout time.Duration `yaml:"kill_timeout"`
	Signature   Signature     `yaml:"signature"`
}

func (c Config) WithDefaults() Config {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = defaultKillTimeout
	}
	return c
}

// IsEnabled reports whether passes should run
func (c Config) IsEnabled() bool {
	if c.Enabled == nil {
		return !c.Signature.IsEmpty()
	}
	return *c.Enabled
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.NewValidationError("reaper interval must be positive", nil)
	}
	if c.GraceWindow < 0 {
		return errors.NewValidationError("reaper grace window cannot be negative", nil)
	}
	if c.KillTimeout <= 0 {
		return errors.NewValidationError("reaper kill timeout must be positive", nil)
	}
	if c.IsEnabled() && c.Signature.IsEmpty() {
		return errors.NewValidationError("reaper signature is required when the reaper is enabled", nil)
	}
	return nil
}

// Report describes the outcome of one pass
type Report struct {
	Matched    int         `json:"matched"`
	Terminated []int       `json:"terminated,omitempty"` // exited after SIGTERM
	Killed     []int       `json:"killed,omitempty"`     // needed SIGKILL
	Failed     []int       `json:"failed,omitempty"`
	Skipped    []Exclusion `json:"skipped,omitempty"`
}

// Reaped returns every PID that is gone after the pass
func (r Report) Reaped() []int {
	reaped := append(append([]int(nil), r.Terminated...), r.Killed...)
	sort.Ints(reaped)
	return reaped
}

type Reaper struct {
	config     Config
	table      ProcessTable
	managedPID func() int
	selfPID    int
	logger     logging.Logger

	now          func() time.Time
	pollInterval time.Duration
}

// New creates a reaper. managedPID is read on every pass.
func New(config Config, table ProcessTable, managedPID func() int, logger logging.Logger) (*Reaper, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if managedPID == nil {
		managedPID = func() int { return 0 }
	}
	return &Reaper{
		config:       config,
		table:        table,
		managedPID:   managedPID,
		selfPID:      os.Getpid(),
		logger:       logger,
		now:          time.Now,
		pollInterval: defaultPollInterval,
	}, nil
}

// Serve runs a pass immediately and then on every interval
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Infof("Singleton reaper started, interval: %v, grace window: %v", r.config.Interval, r.config.GraceWindow)
	for {
		if _, err := r.Pass(ctx); err != nil && ctx.Err() == nil {
			r.logger.Errorf("Reaper pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Infof("Singleton reaper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass terminates every candidate found in one snapshot. Survivors of
// SIGTERM are killed once KillTimeout elapses.
func (r *Reaper) Pass(ctx context.Context) (Report, error) {
	var report Report

	snapshot, err := r.table.Snapshot(ctx)
	if err != nil {
		return report, err
	}

	managed := r.managedPID()
	selection := Select(snapshot, r.config.Signature, managed, r.selfPID, r.now(), r.config.GraceWindow)
	report.Matched = len(selection.Candidates) + len(selection.Skipped)
	report.Skipped = selection.Skipped

	if len(selection.Candidates) == 0 {
		r.logger.Debugf("Reaper pass found no duplicates, matched: %d, managed PID: %d", report.Matched, managed)
		return report, nil
	}

	errs := errors.NewErrorCollection()
	pending := make(map[int]bool, len(selection.Candidates))
	for _, candidate := range selection.Candidates {
		r.logger.Warnf("Terminating duplicate worker, PID: %d, name: %s, started: %s",
			candidate.PID, candidate.Name, candidate.CreateTime.Format(time.RFC3339))
		if err := r.table.Terminate(candidate.PID); err != nil {
			if r.gone(candidate.PID) {
				report.Terminated = append(report.Terminated, candidate.PID)
				continue
			}
			errs.Add(err)
			report.Failed = append(report.Failed, candidate.PID)
			continue
		}
		pending[candidate.PID] = true
	}

	r.waitForExit(ctx, pending, &report)

	for _, pid := range sortedPIDs(pending) {
		r.logger.Warnf("Duplicate worker ignored SIGTERM, killing, PID: %d", pid)
		if err := r.table.Kill(pid); err != nil && !r.gone(pid) {
			errs.Add(err)
			report.Failed = append(report.Failed, pid)
			continue
		}
		report.Killed = append(report.Killed, pid)
	}

	reaped := len(report.Terminated) + len(report.Killed)
	metrics.ReaperKilled.Add(float64(reaped))
	r.logger.Infof("Reaper pass complete, terminated: %d, killed: %d, failed: %d",
		len(report.Terminated), len(report.Killed), len(report.Failed))

	return report, errs.ToError()
}

func (r *Reaper) String() string {
	return "reaper"
}

func (r *Reaper) waitForExit(ctx context.Context, pending map[int]bool, report *Report) {
	deadline := time.NewTimer(r.config.KillTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(r.pollInterval)
	defer poll.Stop()

	for {
		for _, pid := range sortedPIDs(pending) {
			if r.gone(pid) {
				delete(pending, pid)
				report.Terminated = append(report.Terminated, pid)
			}
		}
		if len(pending) == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
		}
	}
}

func (r *Reaper) gone(pid int) bool {
	alive, err := r.table.Alive(pid)
	return err == nil && !alive
}

func sortedPIDs(set map[int]bool) []int {
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
