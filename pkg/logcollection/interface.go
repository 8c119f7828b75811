package logcollection

import (
	"context"
	"io"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

// ===== CORE LOG COLLECTION INTERFACES =====

// StructuredLogger provides clean logging interface with complete backend hiding
type StructuredLogger interface {
	// Simple logging (compatible with logging.Logger)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Structured logging with our own types (no backend exposure)
	LogWithContext(ctx context.Context, level LogLevel, msg string, fields ...LogField)
	LogWithFields(level LogLevel, msg string, fields ...LogField)

	// Fluent interface for building context
	WithFields(fields ...LogField) StructuredLogger
	WithError(err error) StructuredLogger
	WithWorker(workerID string) StructuredLogger
	WithContext(ctx context.Context) StructuredLogger
}

// LogCollector turns the output streams of a worker into published entries
type LogCollector interface {
	CollectFromStream(workerID string, stream io.Reader, streamType StreamType) error
	ProcessLogLine(workerID string, line string, metadata LogMetadata) error
	Status() CollectorStatus
	Stop()
}

// Publisher receives every collected entry. The broadcast hub implements it.
type Publisher interface {
	Publish(ctx context.Context, entry logstore.Entry) (logstore.Entry, error)
}

// ===== CORE TYPES =====

// LogLevel represents logging levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

// LogMetadata contains contextual information about a log line
type LogMetadata struct {
	Timestamp time.Time
	WorkerID  string
	Stream    StreamType
	LineNum   int64
}

// StructuredLogLine is the JSON shape a worker may print to choose the
// channel and level of a line
type StructuredLogLine struct {
	Timestamp time.Time              `json:"timestamp"`
	Channel   string                 `json:"channel"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Msg       string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields"`
}

// ===== STATUS TYPES =====

// CollectorStatus provides status information for the output collector
type CollectorStatus struct {
	Active         bool      `json:"active"`
	Streams        int       `json:"streams"`
	LinesProcessed int64     `json:"lines_processed"`
	BytesProcessed int64     `json:"bytes_processed"`
	PublishErrors  int64     `json:"publish_errors"`
	StartTime      time.Time `json:"start_time"`
	LastActivity   time.Time `json:"last_activity"`
	Errors         []string  `json:"errors,omitempty"`
}

// ===== CONTEXT KEYS =====

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	principalKey contextKey = "principal"
)

// ContextWithRequestID stores a request ID for WithContext and LogWithContext
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID stored in ctx, if any
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextWithPrincipal stores the authenticated identity of a request
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext returns the identity stored in ctx, if any
func PrincipalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	principal, _ := ctx.Value(principalKey).(string)
	return principal
}
