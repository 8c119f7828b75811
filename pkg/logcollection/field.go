package logcollection

import (
	"fmt"
	"time"
)

// ===== FIELD TYPES (COMPLETE BACKEND HIDING) =====

// LogField represents a structured log field - completely independent of any backend
type LogField struct {
	Key   string
	Value interface{}
	Type  FieldType
}

// FieldType identifies how the field should be processed
type FieldType int

const (
	StringField FieldType = iota
	IntField
	Int64Field
	Float64Field
	BoolField
	DurationField
	TimeField
	ErrorField
	ObjectField
	ArrayField
)

// String returns a string representation of the field type
func (ft FieldType) String() string {
	switch ft {
	case StringField:
		return "string"
	case IntField:
		return "int"
	case Int64Field:
		return "int64"
	case Float64Field:
		return "float64"
	case BoolField:
		return "bool"
	case DurationField:
		return "duration"
	case TimeField:
		return "time"
	case ErrorField:
		return "error"
	case ObjectField:
		return "object"
	case ArrayField:
		return "array"
	default:
		return "unknown"
	}
}

// ===== FIELD CONSTRUCTORS =====

// String creates a string field
func String(key, value string) LogField {
	return LogField{Key: key, Value: value, Type: StringField}
}

// Int creates an integer field
func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value, Type: IntField}
}

// Int64 creates an int64 field
func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value, Type: Int64Field}
}

// Float64 creates a float64 field
func Float64(key string, value float64) LogField {
	return LogField{Key: key, Value: value, Type: Float64Field}
}

// Bool creates a boolean field
func Bool(key string, value bool) LogField {
	return LogField{Key: key, Value: value, Type: BoolField}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) LogField {
	return LogField{Key: key, Value: value, Type: DurationField}
}

// Time creates a time field
func Time(key string, value time.Time) LogField {
	return LogField{Key: key, Value: value, Type: TimeField}
}

// Error creates an error field (always uses "error" as key)
func Error(err error) LogField {
	return LogField{Key: "error", Value: err, Type: ErrorField}
}

// ErrorWithKey creates an error field with custom key
func ErrorWithKey(key string, err error) LogField {
	return LogField{Key: key, Value: err, Type: ErrorField}
}

// Object creates an object field for complex types
func Object(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value, Type: ObjectField}
}

// Array creates an array field
func Array(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value, Type: ArrayField}
}

// ===== SUPERVISOR CONVENIENCE FIELDS =====

// Worker creates a worker_id field
func Worker(workerID string) LogField {
	return String("worker_id", workerID)
}

// Stream creates a stream field
func Stream(stream StreamType) LogField {
	return String("stream", string(stream))
}

// Component creates a component field
func Component(component string) LogField {
	return String("component", component)
}

// Channel creates a log channel field
func Channel(channel string) LogField {
	return String("channel", channel)
}

// State creates a worker state field
func State(state string) LogField {
	return String("state", state)
}

// RequestID creates a request_id field
func RequestID(requestID string) LogField {
	return String("request_id", requestID)
}

// PID creates a process ID field
func PID(pid int) LogField {
	return Int("pid", pid)
}

// ===== FIELD UTILITIES =====

// ToMap converts a slice of LogFields to a map
func ToMap(fields []LogField) map[string]interface{} {
	result := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		result[field.Key] = field.Value
	}
	return result
}

// String returns a string representation of the field
func (f LogField) String() string {
	return fmt.Sprintf("%s=%v", f.Key, f.Value)
}
