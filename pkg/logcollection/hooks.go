package logcollection

import (
	"reflect"
	"sort"
	"time"
)

const (
	maxLoggedStringLen = 50
	maxLoggedListLen   = 5
)

// CallRecord is emitted before a manager operation runs
type CallRecord struct {
	Operation  string
	TrackingID string // empty for operations not bound to one process
	Inputs     map[string]interface{}
	Timestamp  time.Time
}

// ResultRecord is emitted once the operation has returned
type ResultRecord struct {
	Operation  string
	TrackingID string
	Duration   time.Duration
	ErrorKind  string // empty on success
	Error      string
	Summary    map[string]interface{}
	Timestamp  time.Time
}

// OperationHook observes manager calls. Implementations must not block; they are
// called on the caller's goroutine.
type OperationHook interface {
	OnCall(record CallRecord)
	OnResult(record ResultRecord)
}

type loggingHook struct {
	logger StructuredLogger
}

// NewLoggingHook writes every call and result as a structured log entry
func NewLoggingHook(logger StructuredLogger) OperationHook {
	return &loggingHook{logger: logger}
}

func (h *loggingHook) OnCall(record CallRecord) {
	fields := []LogField{String("operation", record.Operation)}
	if record.TrackingID != "" {
		fields = append(fields, TrackingID(record.TrackingID))
	}
	fields = append(fields, mapFields("input.", record.Inputs)...)
	h.logger.LogWithFields(DebugLevel, "operation called", fields...)
}

func (h *loggingHook) OnResult(record ResultRecord) {
	fields := []LogField{
		String("operation", record.Operation),
		Duration("duration", record.Duration),
	}
	if record.TrackingID != "" {
		fields = append(fields, TrackingID(record.TrackingID))
	}
	fields = append(fields, mapFields("result.", record.Summary)...)

	if record.ErrorKind != "" {
		fields = append(fields, String("error_kind", record.ErrorKind), String("error", record.Error))
		h.logger.LogWithFields(WarnLevel, "operation failed", fields...)
		return
	}
	h.logger.LogWithFields(InfoLevel, "operation completed", fields...)
}

func (h *loggingHook) Close() error {
	return h.logger.Sync()
}

func mapFields(prefix string, values map[string]interface{}) []LogField {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]LogField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, Any(prefix+k, values[k]))
	}
	return fields
}

// TruncateForLogging shortens strings to 50 characters and keeps the first 5
// items of lists, recursing into maps and slices
func TruncateForLogging(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return truncateString(v)
	case []string:
		result := make([]interface{}, 0, min(len(v), maxLoggedListLen)+1)
		for i, s := range v {
			if i == maxLoggedListLen {
				result = append(result, "...")
				break
			}
			result = append(result, truncateString(s))
		}
		return result
	case map[string]string:
		result := make(map[string]interface{}, len(v))
		for k, s := range v {
			result[k] = truncateString(s)
		}
		return result
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for k, item := range v {
			result[k] = TruncateForLogging(item)
		}
		return result
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		n := rv.Len()
		result := make([]interface{}, 0, min(n, maxLoggedListLen)+1)
		for i := 0; i < n; i++ {
			if i == maxLoggedListLen {
				result = append(result, "...")
				break
			}
			result = append(result, TruncateForLogging(rv.Index(i).Interface()))
		}
		return result
	}
	return value
}

func truncateString(s string) string {
	runes := []rune(s)
	if len(runes) <= maxLoggedStringLen {
		return s
	}
	return string(runes[:maxLoggedStringLen-3]) + "..."
}
