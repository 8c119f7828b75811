package watchdog

import (
	"math"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

// Policy controls restart cadence and the crash cooldown
type Policy struct {
	// Interval between two periodic evaluations
	Interval time.Duration `yaml:"interval"`

	// MaxRestarts crashes inside Window enter the cooldown
	MaxRestarts int           `yaml:"max_restarts"`
	Window      time.Duration `yaml:"window"`
	Cooldown    time.Duration `yaml:"cooldown"`

	// Backoff before a restart: RetryDelay * BackoffRate^(n-1), capped at MaxRetryDelay
	RetryDelay    time.Duration `yaml:"retry_delay"`
	BackoffRate   float64       `yaml:"backoff_rate"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// DefaultPolicy returns the policy used when no configuration is given
func DefaultPolicy() Policy {
	return Policy{
		Interval:      30 * time.Second,
		MaxRestarts:   3,
		Window:        10 * time.Second,
		Cooldown:      60 * time.Second,
		RetryDelay:    time.Second,
		BackoffRate:   2.0,
		MaxRetryDelay: 30 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultPolicy
func (p Policy) WithDefaults() Policy {
	defaults := DefaultPolicy()
	if p.Interval == 0 {
		p.Interval = defaults.Interval
	}
	if p.MaxRestarts == 0 {
		p.MaxRestarts = defaults.MaxRestarts
	}
	if p.Window == 0 {
		p.Window = defaults.Window
	}
	if p.Cooldown == 0 {
		p.Cooldown = defaults.Cooldown
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = defaults.RetryDelay
	}
	if p.BackoffRate == 0 {
		p.BackoffRate = defaults.BackoffRate
	}
	if p.MaxRetryDelay == 0 {
		p.MaxRetryDelay = defaults.MaxRetryDelay
	}
	return p
}

func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return errors.NewValidationError("watchdog interval must be positive", nil)
	}
	if p.MaxRestarts < 1 {
		return errors.NewValidationError("watchdog max_restarts must be at least 1", nil)
	}
	if p.Window <= 0 {
		return errors.NewValidationError("watchdog window must be positive", nil)
	}
	if p.Cooldown <= 0 {
		return errors.NewValidationError("watchdog cooldown must be positive", nil)
	}
	if p.RetryDelay < 0 {
		return errors.NewValidationError("watchdog retry_delay cannot be negative", nil)
	}
	if p.BackoffRate < 1 {
		return errors.NewValidationError("watchdog backoff_rate must be at least 1", nil).
			WithContext("backoff_rate", p.BackoffRate)
	}
	if p.MaxRetryDelay < p.RetryDelay {
		return errors.NewValidationError("watchdog max_retry_delay cannot be lower than retry_delay", nil)
	}
	return nil
}

// BackoffDelay returns the wait before the restart that follows the n-th crash
func (p Policy) BackoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.RetryDelay) * math.Pow(p.BackoffRate, float64(n-1))
	if delay > float64(p.MaxRetryDelay) || math.IsInf(delay, 1) {
		return p.MaxRetryDelay
	}
	return time.Duration(delay)
}

// CooldownTracker counts crashes in a sliding window. It does no I/O and
// takes the current time from its caller.
type CooldownTracker struct {
	policy        Policy
	crashes       []time.Time
	lastCrash     time.Time
	cooldownUntil time.Time
}

func NewCooldownTracker(policy Policy) *CooldownTracker {
	return &CooldownTracker{policy: policy}
}

// RecordCrash adds a crash and reports whether it entered the cooldown.
// Crashes during an active cooldown are ignored.
func (t *CooldownTracker) RecordCrash(now time.Time) bool {
	if t.InCooldown(now) {
		return false
	}

	t.prune(now)
	t.crashes = append(t.crashes, now)
	t.lastCrash = now

	if len(t.crashes) >= t.policy.MaxRestarts {
		t.cooldownUntil = now.Add(t.policy.Cooldown)
		return true
	}
	return false
}

func (t *CooldownTracker) InCooldown(now time.Time) bool {
	return !t.cooldownUntil.IsZero() && now.Before(t.cooldownUntil)
}

// CooldownUntil returns the end of the current cooldown, zero when none
func (t *CooldownTracker) CooldownUntil() time.Time {
	return t.cooldownUntil
}

// Expired reports the end of a cooldown once, and resets the counter
func (t *CooldownTracker) Expired(now time.Time) bool {
	if t.cooldownUntil.IsZero() || now.Before(t.cooldownUntil) {
		return false
	}
	t.cooldownUntil = time.Time{}
	t.crashes = nil
	t.lastCrash = time.Time{}
	return true
}

// CrashCount returns the crashes inside the window ending at now
func (t *CooldownTracker) CrashCount(now time.Time) int {
	t.prune(now)
	return len(t.crashes)
}

// NextAttempt returns the earliest time a restart is allowed
func (t *CooldownTracker) NextAttempt(now time.Time) time.Time {
	if t.InCooldown(now) {
		return t.cooldownUntil
	}
	if t.lastCrash.IsZero() {
		return now
	}
	return t.lastCrash.Add(t.policy.BackoffDelay(t.CrashCount(now)))
}

func (t *CooldownTracker) prune(now time.Time) {
	cutoff := now.Add(-t.policy.Window)
	kept := t.crashes[:0]
	for _, at := range t.crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.crashes = kept
}
