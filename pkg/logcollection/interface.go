package logcollection

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ===== CORE LOGGING INTERFACE =====

// StructuredLogger provides clean logging interface with complete backend hiding
type StructuredLogger interface {
	// Simple logging (compatible with logging.Logger)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	LogLevelf(level int, format string, args ...interface{})

	// Structured logging with our own types (no backend exposure)
	LogWithContext(ctx context.Context, level LogLevel, msg string, fields ...LogField)
	LogWithFields(level LogLevel, msg string, fields ...LogField)

	// Fluent interface for building context
	WithFields(fields ...LogField) StructuredLogger
	WithError(err error) StructuredLogger
	WithProcess(trackingID string) StructuredLogger
	WithContext(ctx context.Context) StructuredLogger

	Sync() error
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

// ParseLogLevel accepts the names produced by LogLevel.String
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level '%s'", s)
	}
}

// LogField is a backend-neutral key/value pair
type LogField struct {
	Key   string
	Value interface{}
}

func String(key, value string) LogField {
	return LogField{Key: key, Value: value}
}

func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value}
}

func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value}
}

func Uint64(key string, value uint64) LogField {
	return LogField{Key: key, Value: value}
}

func Bool(key string, value bool) LogField {
	return LogField{Key: key, Value: value}
}

func Duration(key string, value time.Duration) LogField {
	return LogField{Key: key, Value: value}
}

func Any(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

func Error(err error) LogField {
	return LogField{Key: "error", Value: err}
}

// TrackingID tags an entry with the manager-assigned process id
func TrackingID(id string) LogField {
	return LogField{Key: "tracking_id", Value: id}
}

type contextFieldsKey struct{}

// ContextWithFields attaches fields that WithContext and LogWithContext pick up
func ContextWithFields(ctx context.Context, fields ...LogField) context.Context {
	existing := FieldsFromContext(ctx)
	merged := make([]LogField, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, contextFieldsKey{}, merged)
}

func FieldsFromContext(ctx context.Context) []LogField {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(contextFieldsKey{}).([]LogField)
	return fields
}
