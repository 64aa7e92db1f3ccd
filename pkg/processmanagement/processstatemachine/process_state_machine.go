package processstatemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
)

// ProcessState represents the current state of a supervised process in its lifecycle
type ProcessState string

const (
	// ProcessStateStarting means spawn is in progress
	ProcessStateStarting ProcessState = "starting"

	// ProcessStateRunning means the process was spawned and has not been reaped
	ProcessStateRunning ProcessState = "running"

	// ProcessStateExited means the process ended on its own; the exit code is recorded
	ProcessStateExited ProcessState = "exited"

	// ProcessStateKilled means the process ended after a kill request
	ProcessStateKilled ProcessState = "killed"

	// ProcessStateError means spawn failed or the process could not be waited on
	ProcessStateError ProcessState = "error"
)

// IsTerminal reports whether no further transitions are possible from s
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateExited || s == ProcessStateKilled || s == ProcessStateError
}

// ProcessStateTransition represents a state transition with metadata
type ProcessStateTransition struct {
	From      ProcessState
	To        ProcessState
	Operation string
	Timestamp time.Time
	Error     error
}

// StateInfo is the state together with its terminal payload
type StateInfo struct {
	State    ProcessState `json:"state"`
	ExitCode *int         `json:"exit_code,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func (si StateInfo) String() string {
	switch {
	case si.State == ProcessStateExited && si.ExitCode != nil:
		return fmt.Sprintf("exited(%d)", *si.ExitCode)
	case si.State == ProcessStateError:
		return fmt.Sprintf("error(%s)", si.Error)
	default:
		return string(si.State)
	}
}

// ProcessStateMachine manages process state transitions with validation.
// Terminal states are final.
type ProcessStateMachine struct {
	trackingID       string
	info             StateInfo
	transitions      []ProcessStateTransition
	validTransitions map[ProcessState][]ProcessState
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewProcessStateMachine(trackingID string, logger logging.Logger) *ProcessStateMachine {
	return &ProcessStateMachine{
		trackingID:  trackingID,
		info:        StateInfo{State: ProcessStateStarting},
		transitions: make([]ProcessStateTransition, 0, 2),
		logger:      logger,
		validTransitions: map[ProcessState][]ProcessState{
			ProcessStateStarting: {
				ProcessStateRunning, // spawn success
				ProcessStateError,   // spawn failure
			},
			ProcessStateRunning: {
				ProcessStateExited, // reaped without kill request
				ProcessStateKilled, // reaped after kill request
				ProcessStateError,  // wait failed
			},
		},
	}
}

// GetCurrentState returns the current state (thread-safe)
func (sm *ProcessStateMachine) GetCurrentState() ProcessState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.info.State
}

// GetStateInfo returns the state with its exit code or error message
func (sm *ProcessStateMachine) GetStateInfo() StateInfo {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	info := sm.info
	if info.ExitCode != nil {
		code := *info.ExitCode
		info.ExitCode = &code
	}
	return info
}

func (sm *ProcessStateMachine) IsTerminal() bool {
	return sm.GetCurrentState().IsTerminal()
}

// CanTransition checks if a state transition is valid (thread-safe)
func (sm *ProcessStateMachine) CanTransition(to ProcessState) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition changes the state with validation. Use Exit and Fail for the
// terminal states that carry a payload.
func (sm *ProcessStateMachine) Transition(to ProcessState, operation string, err error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.transitionUnsafe(StateInfo{State: to}, operation, err)
}

// Exit records a natural exit with its code
func (sm *ProcessStateMachine) Exit(code int, operation string) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.transitionUnsafe(StateInfo{State: ProcessStateExited, ExitCode: &code}, operation, nil)
}

// Killed records an exit caused by a kill request
func (sm *ProcessStateMachine) Killed(operation string) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.transitionUnsafe(StateInfo{State: ProcessStateKilled}, operation, nil)
}

// Fail moves to the error state with cause as its message
func (sm *ProcessStateMachine) Fail(cause error, operation string) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return sm.transitionUnsafe(StateInfo{State: ProcessStateError, Error: msg}, operation, cause)
}

func (sm *ProcessStateMachine) transitionUnsafe(next StateInfo, operation string, err error) error {
	to := next.State
	if !sm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", sm.info.State, to),
			nil,
		).WithContext("tracking_id", sm.trackingID).
			WithContext("from_state", string(sm.info.State)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := sm.info.State
	sm.transitions = append(sm.transitions, ProcessStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	sm.info = next

	if err != nil {
		sm.logger.Warnf("Process state transition failed, tracking id: %s, %s->%s, operation: %s, error: %v",
			sm.trackingID, from, to, operation, err)
	} else {
		sm.logger.Infof("Process state transition, tracking id: %s, %s->%s, operation: %s",
			sm.trackingID, from, next, operation)
	}

	return nil
}

// canTransitionUnsafe checks transition validity without locking (internal use)
func (sm *ProcessStateMachine) canTransitionUnsafe(to ProcessState) bool {
	for _, validState := range sm.validTransitions[sm.info.State] {
		if validState == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns the complete transition history (thread-safe)
func (sm *ProcessStateMachine) GetTransitionHistory() []ProcessStateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]ProcessStateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}

// IsOperationAllowed checks if a specific operation is allowed in current state
func (sm *ProcessStateMachine) IsOperationAllowed(operation string) bool {
	currentState := sm.GetCurrentState()

	switch operation {
	case "send":
		return currentState == ProcessStateRunning
	case "kill":
		return currentState == ProcessStateRunning
	case "remove":
		return currentState.IsTerminal()
	default:
		return false
	}
}

// ValidateOperation checks if an operation can be performed and returns descriptive error
func (sm *ProcessStateMachine) ValidateOperation(operation string) error {
	if sm.IsOperationAllowed(operation) {
		return nil
	}

	currentState := sm.GetCurrentState()
	msg := fmt.Sprintf("operation '%s' not allowed in current state '%s'", operation, currentState)

	var err *errors.DomainError
	switch operation {
	case "send", "kill":
		err = errors.NewProcessNotRunningError(msg, nil)
	case "remove":
		err = errors.NewConflictError(msg, nil)
	default:
		err = errors.NewValidationError(msg, nil)
	}
	return err.WithContext("tracking_id", sm.trackingID).
		WithContext("current_state", string(currentState)).
		WithContext("operation", operation)
}
