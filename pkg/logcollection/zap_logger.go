package logcollection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewStructuredLogger creates a logger for the named backend. Only "zap" is supported.
func NewStructuredLogger(backend string, level LogLevel) (StructuredLogger, error) {
	switch backend {
	case "zap", "":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))
		cfg.Sampling = nil
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		logger, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			return nil, fmt.Errorf("failed to build zap logger: %v", err)
		}
		return &zapLogger{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported logging backend '%s'", backend)
	}
}

// NewStructuredLoggerFromZap wraps an existing zap logger, e.g. one built on an observer core in tests
func NewStructuredLoggerFromZap(logger *zap.Logger) StructuredLogger {
	return &zapLogger{logger: logger}
}

// NewNopStructuredLogger discards everything
func NewNopStructuredLogger() StructuredLogger {
	return &zapLogger{logger: zap.NewNop()}
}

type zapLogger struct {
	logger *zap.Logger
}

func (z *zapLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug(fmt.Sprintf(format, args...))
}

func (z *zapLogger) Infof(format string, args ...interface{}) {
	z.logger.Info(fmt.Sprintf(format, args...))
}

func (z *zapLogger) Warnf(format string, args ...interface{}) {
	z.logger.Warn(fmt.Sprintf(format, args...))
}

func (z *zapLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error(fmt.Sprintf(format, args...))
}

// LogLevelf takes the logging package level constants, which share LogLevel's ordering
func (z *zapLogger) LogLevelf(level int, format string, args ...interface{}) {
	if ce := z.logger.Check(toZapLevel(LogLevel(level)), fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

func (z *zapLogger) LogWithContext(ctx context.Context, level LogLevel, msg string, fields ...LogField) {
	all := append(FieldsFromContext(ctx), fields...)
	z.LogWithFields(level, msg, all...)
}

func (z *zapLogger) LogWithFields(level LogLevel, msg string, fields ...LogField) {
	if ce := z.logger.Check(toZapLevel(level), msg); ce != nil {
		ce.Write(toZapFields(fields)...)
	}
}

func (z *zapLogger) WithFields(fields ...LogField) StructuredLogger {
	return &zapLogger{logger: z.logger.With(toZapFields(fields)...)}
}

func (z *zapLogger) WithError(err error) StructuredLogger {
	return &zapLogger{logger: z.logger.With(zap.Error(err))}
}

func (z *zapLogger) WithProcess(trackingID string) StructuredLogger {
	return &zapLogger{logger: z.logger.With(zap.String("tracking_id", trackingID))}
}

func (z *zapLogger) WithContext(ctx context.Context) StructuredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return z
	}
	return z.WithFields(fields...)
}

func (z *zapLogger) Sync() error {
	return z.logger.Sync()
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []LogField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			result = append(result, zap.String(f.Key, v))
		case int:
			result = append(result, zap.Int(f.Key, v))
		case int64:
			result = append(result, zap.Int64(f.Key, v))
		case uint64:
			result = append(result, zap.Uint64(f.Key, v))
		case bool:
			result = append(result, zap.Bool(f.Key, v))
		case time.Duration:
			result = append(result, zap.Duration(f.Key, v))
		case error:
			result = append(result, zap.NamedError(f.Key, v))
		default:
			result = append(result, zap.Any(f.Key, v))
		}
	}
	return result
}
