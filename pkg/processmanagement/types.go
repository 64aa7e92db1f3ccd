package processmanagement

import (
	"fmt"
	"strconv"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/process"
	"github.com/core-tools/hsu-stdio-procman/pkg/processhandler"
	"github.com/core-tools/hsu-stdio-procman/pkg/processmanagement/processstatemachine"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

// DefaultTimeout applies when an operation is given a non-positive timeout
const DefaultTimeout = 15 * time.Second

// TrackingID identifies a process within one manager. Ids start at 1 and are never reused.
type TrackingID uint64

func (id TrackingID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseTrackingID(s string) (TrackingID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, errors.NewValidationError(fmt.Sprintf("invalid tracking id '%s'", s), err)
	}
	return TrackingID(v), nil
}

// ProcessSpec describes a process to start. Environment entries are added to the
// manager's own environment.
type ProcessSpec struct {
	Command          []string          `yaml:"command" json:"command"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

func (s ProcessSpec) executionConfig() process.ExecutionConfig {
	return process.ExecutionConfig{
		Command:          s.Command,
		WorkingDirectory: s.WorkingDirectory,
		Environment:      s.Environment,
	}
}

// ProcessStatus is the status record returned by start, status and kill
type ProcessStatus = processhandler.ProcessStatus

type ProcessListEntry struct {
	TrackingID TrackingID                    `json:"tracking_id"`
	PID        int                           `json:"pid"`
	Command    []string                      `json:"command"`
	State      processstatemachine.StateInfo `json:"state"`
	CreatedAt  time.Time                     `json:"created_at"`
}

// BatchResult is one id's outcome in AllKill or AllRemove. Noop is set when the
// process was already terminal.
type BatchResult struct {
	State processstatemachine.StateInfo `json:"state"`
	Noop  bool                          `json:"noop"`
	Err   error                         `json:"-"`
}

// SearchResult is one id's outcome in AllSearch
type SearchResult struct {
	Matches []ringbuffer.Match `json:"matches"`
}

// ProcessManagerState represents the current state of the process manager
type ProcessManagerState string

const (
	// ProcessManagerStateRunning means the manager accepts new processes
	ProcessManagerStateRunning ProcessManagerState = "running"

	// ProcessManagerStateStopping means Shutdown is tearing down processes
	ProcessManagerStateStopping ProcessManagerState = "stopping"

	// ProcessManagerStateStopped means Shutdown has completed
	ProcessManagerStateStopped ProcessManagerState = "stopped"
)
