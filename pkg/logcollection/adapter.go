package logcollection

import (
	"fmt"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// NewLoggingAdapter exposes a StructuredLogger through the printf-style
// logging.Logger used across the supervisor
func NewLoggingAdapter(prefix string, structured StructuredLogger) logging.Logger {
	return logging.NewLogger(prefix, logging.LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			structured.LogWithFields(levelFromLogging(level), fmt.Sprintf(format, args...))
		},
	})
}

func levelFromLogging(level int) LogLevel {
	switch level {
	case logging.LogLevelDebug:
		return DebugLevel
	case logging.LogLevelWarn:
		return WarnLevel
	case logging.LogLevelError:
		return ErrorLevel
	default:
		return InfoLevel
	}
}
