package logcollection

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ===== ZAP BACKEND ADAPTER =====

// ZapAdapter provides a Zap backend implementation that hides zap types from users
type ZapAdapter struct {
	logger      *zap.Logger
	sugar       *zap.SugaredLogger
	closeOutput func()
}

// NewZapAdapter creates a new Zap backend adapter
func NewZapAdapter(config ZapConfig) (*ZapAdapter, error) {
	zapLogger, closeOutput, err := createZapLogger(config)
	if err != nil {
		return nil, err
	}

	return &ZapAdapter{
		logger:      zapLogger,
		sugar:       zapLogger.Sugar(),
		closeOutput: closeOutput,
	}, nil
}

// NewZapAdapterFromLogger wraps an existing zap logger
func NewZapAdapterFromLogger(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{
		logger: logger,
		sugar:  logger.Sugar(),
	}
}

// ===== STRUCTURED LOGGER IMPLEMENTATION =====

// Debugf implements simple logging interface
func (z *ZapAdapter) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

// Infof implements simple logging interface
func (z *ZapAdapter) Infof(format string, args ...interface{}) {
	z.sugar.Infof(format, args...)
}

// Warnf implements simple logging interface
func (z *ZapAdapter) Warnf(format string, args ...interface{}) {
	z.sugar.Warnf(format, args...)
}

// Errorf implements simple logging interface
func (z *ZapAdapter) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

// LogWithContext implements structured logging with context
func (z *ZapAdapter) LogWithContext(ctx context.Context, level LogLevel, msg string, fields ...LogField) {
	zapFields := z.convertFields(fields)

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		zapFields = append(zapFields, zap.String("request_id", requestID))
	}
	if principal := PrincipalFromContext(ctx); principal != "" {
		zapFields = append(zapFields, zap.String("principal", principal))
	}

	z.logAtLevel(level, msg, zapFields...)
}

// LogWithFields implements structured logging
func (z *ZapAdapter) LogWithFields(level LogLevel, msg string, fields ...LogField) {
	zapFields := z.convertFields(fields)
	z.logAtLevel(level, msg, zapFields...)
}

// WithFields creates a new logger with additional fields
func (z *ZapAdapter) WithFields(fields ...LogField) StructuredLogger {
	zapFields := z.convertFields(fields)
	newLogger := z.logger.With(zapFields...)

	return &ZapAdapter{
		logger: newLogger,
		sugar:  newLogger.Sugar(),
	}
}

// WithError creates a new logger with an error field
func (z *ZapAdapter) WithError(err error) StructuredLogger {
	return z.WithFields(Error(err))
}

// WithWorker creates a new logger with a worker field
func (z *ZapAdapter) WithWorker(workerID string) StructuredLogger {
	return z.WithFields(Worker(workerID))
}

// WithContext creates a new logger with context fields
func (z *ZapAdapter) WithContext(ctx context.Context) StructuredLogger {
	fields := make([]LogField, 0, 2)
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, RequestID(requestID))
	}
	if principal := PrincipalFromContext(ctx); principal != "" {
		fields = append(fields, String("principal", principal))
	}

	if len(fields) == 0 {
		return z
	}

	return z.WithFields(fields...)
}

// ===== LIFECYCLE =====

// Sync flushes any buffered log entries
func (z *ZapAdapter) Sync() error {
	return z.logger.Sync()
}

// Close flushes the logger and releases an output file, if one was opened
func (z *ZapAdapter) Close() error {
	err := z.logger.Sync()
	if z.closeOutput != nil {
		z.closeOutput()
	}
	return err
}

// ===== INTERNAL CONVERSION METHODS =====

// convertFields converts our LogField types to zap.Field types (internal only)
func (z *ZapAdapter) convertFields(fields []LogField) []zap.Field {
	zapFields := make([]zap.Field, len(fields))

	for i, field := range fields {
		zapFields[i] = z.convertSingleField(field)
	}

	return zapFields
}

// convertSingleField converts a single LogField to zap.Field
func (z *ZapAdapter) convertSingleField(field LogField) zap.Field {
	switch field.Type {
	case StringField:
		return zap.String(field.Key, field.Value.(string))
	case IntField:
		return zap.Int(field.Key, field.Value.(int))
	case Int64Field:
		return zap.Int64(field.Key, field.Value.(int64))
	case Float64Field:
		return zap.Float64(field.Key, field.Value.(float64))
	case BoolField:
		return zap.Bool(field.Key, field.Value.(bool))
	case DurationField:
		return zap.Duration(field.Key, field.Value.(time.Duration))
	case TimeField:
		return zap.Time(field.Key, field.Value.(time.Time))
	case ErrorField:
		if err, ok := field.Value.(error); ok {
			return zap.Error(err)
		}
		return zap.String(field.Key, "invalid error field")
	case ObjectField:
		return zap.Any(field.Key, field.Value)
	case ArrayField:
		return zap.Any(field.Key, field.Value)
	default:
		// Fallback to Any for unknown types
		return zap.Any(field.Key, field.Value)
	}
}

// logAtLevel logs at the specified level
func (z *ZapAdapter) logAtLevel(level LogLevel, msg string, fields ...zap.Field) {
	switch level {
	case DebugLevel:
		z.logger.Debug(msg, fields...)
	case InfoLevel:
		z.logger.Info(msg, fields...)
	case WarnLevel:
		z.logger.Warn(msg, fields...)
	case ErrorLevel:
		z.logger.Error(msg, fields...)
	default:
		z.logger.Info(msg, fields...)
	}
}

// ===== ZAP CONFIGURATION =====

// ZapConfig defines Zap-specific configuration
type ZapConfig struct {
	Level      string `yaml:"level"`      // "debug", "info", "warn", "error"
	Format     string `yaml:"format"`     // "json", "console"
	Output     string `yaml:"output"`     // "stdout", "stderr", file path
	Caller     bool   `yaml:"caller"`     // Include caller information
	Stacktrace bool   `yaml:"stacktrace"` // Include stacktrace on errors
}

// createZapLogger creates a zap logger from configuration
func createZapLogger(config ZapConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default: // "json" or anything else
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	closeOutput := func() {}
	switch config.Output {
	case "stdout", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		sink, closeSink, err := zap.Open(config.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		writeSyncer = sink
		closeOutput = closeSink
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...), closeOutput, nil
}

// DefaultZapConfig returns a sensible default Zap configuration
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		Caller:     true,
		Stacktrace: false,
	}
}
