package processmanagement

import (
	"context"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logcollection"
)

const (
	opProcessStart       = "process_start"
	opProcessStatus      = "process_status"
	opProcessKill        = "process_kill"
	opProcessRemove      = "process_remove"
	opProcessList        = "process_list"
	opProcessDiagnostics = "process_diagnostics"
	opAllKill            = "all_kill"
	opAllRemove          = "all_remove"
	opStdioGetLines      = "stdio_get_lines"
	opStdioSearchLines   = "stdio_search_lines"
	opAllSearch          = "all_search"
	opStdioSendLine      = "stdio_send_line"
	opStdioSendChars     = "stdio_send_chars"
	opShutdown           = "shutdown"
)

// operationCall carries one public call's deadline and reports it to the hooks
type operationCall struct {
	pm         *processManager
	operation  string
	trackingID string
	start      time.Time
	cancel     context.CancelFunc
}

// beginOperation bounds ctx by timeout (DefaultTimeout when <= 0) and emits the call record
func (pm *processManager) beginOperation(ctx context.Context, timeout time.Duration, operation string, id TrackingID, inputs map[string]interface{}) (context.Context, *operationCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = pm.options.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	call := &operationCall{
		pm:        pm,
		operation: operation,
		start:     time.Now(),
		cancel:    cancel,
	}
	if id != 0 {
		call.trackingID = id.String()
	}

	if len(pm.options.Hooks) > 0 {
		record := logcollection.CallRecord{
			Operation:  operation,
			TrackingID: call.trackingID,
			Inputs:     truncateInputs(inputs, timeout),
			Timestamp:  call.start,
		}
		for _, hook := range pm.options.Hooks {
			hook.OnCall(record)
		}
	}
	return ctx, call
}

// finish releases the deadline and emits the result record
func (c *operationCall) finish(err error, summary map[string]interface{}) {
	c.cancel()

	duration := time.Since(c.start)
	if err != nil {
		c.pm.logger.Debugf("Operation failed, operation: %s, tracking id: %s, duration: %v, error: %v",
			c.operation, c.trackingID, duration, err)
	}

	if len(c.pm.options.Hooks) == 0 {
		return
	}

	record := logcollection.ResultRecord{
		Operation:  c.operation,
		TrackingID: c.trackingID,
		Duration:   duration,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
	if err != nil {
		record.ErrorKind = string(errors.TypeOf(err))
		if record.ErrorKind == "" {
			record.ErrorKind = string(errors.ErrorTypeInternal)
		}
		record.Error = err.Error()
	}
	for _, hook := range c.pm.options.Hooks {
		hook.OnResult(record)
	}
}

func truncateInputs(inputs map[string]interface{}, timeout time.Duration) map[string]interface{} {
	result := make(map[string]interface{}, len(inputs)+1)
	for k, v := range inputs {
		result[k] = logcollection.TruncateForLogging(v)
	}
	result["timeout"] = timeout
	return result
}
