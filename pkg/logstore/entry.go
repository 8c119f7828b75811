package logstore

import (
	"regexp"
	"strings"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

// Level is the severity of a log entry
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelAlert Level = "alert"
)

// ParseLevel converts a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "err", "fatal":
		return LevelError
	case "alert", "critical":
		return LevelAlert
	default:
		return LevelInfo
	}
}

// Entry is one record of a channel. Seq and Channel are assigned by the store.
type Entry struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Channel   string                 `json:"channel"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidateChannel checks that a channel name is safe to use as a file name
func ValidateChannel(channel string) error {
	if !channelNamePattern.MatchString(channel) {
		return errors.NewValidationError("invalid channel name", nil).WithContext("channel", channel)
	}
	return nil
}

// RotationPolicy decides when a channel gets compacted and how much of it survives.
// A zero MaxLines or MaxBytes disables that trigger.
type RotationPolicy struct {
	MaxLines       int   `yaml:"max_lines"`
	MaxBytes       int64 `yaml:"max_bytes"`
	RetentionLines int   `yaml:"retention_lines"`
}

// Exceeded reports whether a channel with the given size must be rotated
func (p RotationPolicy) Exceeded(lines int, bytes int64) bool {
	if p.MaxLines > 0 && lines > p.MaxLines {
		return true
	}
	if p.MaxBytes > 0 && bytes > p.MaxBytes {
		return true
	}
	return false
}

func (p RotationPolicy) Validate() error {
	if p.RetentionLines < 1 {
		return errors.NewValidationError("retention_lines must be at least 1", nil).
			WithContext("retention_lines", p.RetentionLines)
	}
	if p.MaxLines < 0 || p.MaxBytes < 0 {
		return errors.NewValidationError("rotation thresholds cannot be negative", nil)
	}
	if p.MaxLines > 0 && p.RetentionLines > p.MaxLines {
		return errors.NewValidationError("retention_lines cannot exceed max_lines", nil).
			WithContext("retention_lines", p.RetentionLines).
			WithContext("max_lines", p.MaxLines)
	}
	return nil
}

// DefaultRotationPolicy keeps channels between 1000 and 2000 lines and under
// 1 MiB. Every append rewrites the whole channel file, so the file size
// bounds the cost of one publish.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxLines:       2000,
		MaxBytes:       1 << 20,
		RetentionLines: 1000,
	}
}
