package processhandler

import (
	"strings"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/processmanagement/processstatemachine"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

const (
	lastLinesCount    = 5
	lastLinesMaxBytes = 300
)

// ProcessStatus is a point-in-time view of a handler
type ProcessStatus struct {
	TrackingID       string                        `json:"tracking_id"`
	PID              int                           `json:"pid,omitempty"`
	Command          []string                      `json:"command"`
	WorkingDirectory string                        `json:"working_directory,omitempty"`
	State            processstatemachine.StateInfo `json:"state"`
	StartTime        *time.Time                    `json:"start_time,omitempty"`
	EndTime          *time.Time                    `json:"end_time,omitempty"`
	LastLines        string                        `json:"last_five_lines"`
	LinesCaptured    uint64                        `json:"lines_captured"`
}

// KillOutcome reports the state after a kill and whether the handler was already terminal
type KillOutcome struct {
	State           processstatemachine.StateInfo `json:"state"`
	AlreadyTerminal bool                          `json:"already_terminal"`
}

// StreamStats counts what a reader routine has stored
type StreamStats struct {
	Lines uint64 `json:"lines"`
	Bytes uint64 `json:"bytes"`
}

// ProcessDiagnostics carries detail beyond ProcessStatus for troubleshooting
type ProcessDiagnostics struct {
	TrackingID    string                                       `json:"tracking_id"`
	State         processstatemachine.StateInfo                `json:"state"`
	Transitions   []processstatemachine.ProcessStateTransition `json:"-"`
	Streams       map[ringbuffer.Stream]StreamStats            `json:"streams"`
	ReaderErrors  []string                                     `json:"reader_errors,omitempty"`
	ReadersJoined bool                                         `json:"readers_joined"`
	KillRequested bool                                         `json:"kill_requested"`
	Closed        bool                                         `json:"closed"`
}

// lastLinesExcerpt joins the final lines and keeps at most the trailing 300 bytes
func lastLinesExcerpt(lines []ringbuffer.Line) string {
	texts := make([]string, len(lines))
	for i, line := range lines {
		texts[i] = line.Text
	}
	excerpt := strings.Join(texts, "\n")
	if len(excerpt) <= lastLinesMaxBytes {
		return excerpt
	}
	excerpt = excerpt[len(excerpt)-lastLinesMaxBytes:]
	return strings.ToValidUTF8(excerpt, "")
}
