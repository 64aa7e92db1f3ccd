package logcollection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
)

func newObservedLogger(level zapcore.Level) (StructuredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewStructuredLoggerFromZap(zap.New(core)), logs
}

func TestNewStructuredLogger(t *testing.T) {
	logger, err := NewStructuredLogger("zap", InfoLevel)
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewStructuredLogger("logrus", InfoLevel)
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for input, want := range tests {
		got, err := ParseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestZapLogger_FieldsAndProcess(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)

	logger.WithProcess("7").
		WithFields(String("component", "handler")).
		WithError(errors.New("broken pipe")).
		LogWithFields(WarnLevel, "write failed", Int("bytes", 12), Duration("elapsed", time.Second))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "write failed", entry.Message)

	ctx := entry.ContextMap()
	assert.Equal(t, "7", ctx["tracking_id"])
	assert.Equal(t, "handler", ctx["component"])
	assert.Equal(t, "broken pipe", ctx["error"])
	assert.Equal(t, int64(12), ctx["bytes"])
	assert.Equal(t, time.Second, ctx["elapsed"])
}

func TestZapLogger_Printf(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.InfoLevel)

	logger.Debugf("hidden %d", 1)
	logger.Infof("process %s started", "3")
	logger.Errorf("failed: %v", "boom")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "process 3 started", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestZapLogger_ContextFields(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)

	ctx := ContextWithFields(context.Background(), String("manager_id", "abc"))
	ctx = ContextWithFields(ctx, TrackingID("4"))

	logger.LogWithContext(ctx, InfoLevel, "ctx entry")
	logger.WithContext(ctx).Infof("derived")

	entries := logs.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "abc", e.ContextMap()["manager_id"])
		assert.Equal(t, "4", e.ContextMap()["tracking_id"])
	}
}

func TestLoggingHook(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)
	hook := NewLoggingHook(logger)

	hook.OnCall(CallRecord{
		Operation:  "stdio_send_line",
		TrackingID: "2",
		Inputs:     map[string]interface{}{"line": "hello"},
		Timestamp:  time.Now(),
	})
	hook.OnResult(ResultRecord{
		Operation:  "stdio_send_line",
		TrackingID: "2",
		Duration:   3 * time.Millisecond,
	})
	hook.OnResult(ResultRecord{
		Operation: "process_status",
		ErrorKind: "not_found",
		Error:     "unknown tracking id",
	})

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, "operation called", entries[0].Message)
	assert.Equal(t, "hello", entries[0].ContextMap()["input.line"])
	assert.Equal(t, "2", entries[0].ContextMap()["tracking_id"])

	assert.Equal(t, "operation completed", entries[1].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)

	assert.Equal(t, "operation failed", entries[2].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "not_found", entries[2].ContextMap()["error_kind"])
}

func TestTruncateForLogging(t *testing.T) {
	t.Run("long_string", func(t *testing.T) {
		got := TruncateForLogging(strings.Repeat("x", 80)).(string)
		assert.Equal(t, strings.Repeat("x", 47)+"...", got)
		assert.Len(t, got, 50)
	})

	t.Run("short_string_untouched", func(t *testing.T) {
		assert.Equal(t, "ls -la", TruncateForLogging("ls -la"))
	})

	t.Run("long_list", func(t *testing.T) {
		got := TruncateForLogging([]string{"a", "b", "c", "d", "e", "f", "g"}).([]interface{})
		require.Len(t, got, 6)
		assert.Equal(t, "e", got[4])
		assert.Equal(t, "...", got[5])
	})

	t.Run("nested_map", func(t *testing.T) {
		got := TruncateForLogging(map[string]interface{}{
			"env":  map[string]string{"K": strings.Repeat("v", 60)},
			"pids": []int{1, 2, 3, 4, 5, 6},
			"n":    3,
		}).(map[string]interface{})

		env := got["env"].(map[string]interface{})
		assert.Len(t, env["K"], 50)
		assert.Len(t, got["pids"], 6)
		assert.Equal(t, 3, got["n"])
	})
}

func TestZapLogger_SatisfiesLoggingLogger(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)

	var plain logging.Logger = logger
	plain.LogLevelf(logging.WarnLevel, "level %s", "warn")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	assert.Equal(t, "level warn", logs.All()[0].Message)
}
