package supervisor

import (
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// NewStructuredLogger builds the zap backend for the supervisor's own logs.
// Callers Sync and Close it on exit.
func NewStructuredLogger(config logcollection.ZapConfig) (*logcollection.ZapAdapter, error) {
	adapter, err := logcollection.NewZapAdapter(config)
	if err != nil {
		return nil, errors.NewInternalError("failed to create logger", err).
			WithContext("level", config.Level).
			WithContext("output", config.Output)
	}
	return adapter, nil
}

// componentLogger tags every line with the component name
func componentLogger(structured logcollection.StructuredLogger, component string) logging.Logger {
	return logcollection.NewLoggingAdapter("", structured.WithFields(logcollection.Component(component)))
}
