package processstatemachine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newTestMachine() (*ProcessStateMachine, *MockLogger) {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return NewProcessStateMachine("1", logger), logger
}

func TestProcessStateMachine_InitialState(t *testing.T) {
	sm, _ := newTestMachine()

	assert.Equal(t, ProcessStateStarting, sm.GetCurrentState())
	assert.False(t, sm.IsTerminal())
	assert.Empty(t, sm.GetTransitionHistory())
}

func TestProcessStateMachine_NaturalExit(t *testing.T) {
	sm, logger := newTestMachine()

	require.NoError(t, sm.Transition(ProcessStateRunning, "start", nil))
	require.NoError(t, sm.Exit(3, "wait"))

	info := sm.GetStateInfo()
	assert.Equal(t, ProcessStateExited, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
	assert.Equal(t, "exited(3)", info.String())

	history := sm.GetTransitionHistory()
	require.Len(t, history, 2)
	assert.Equal(t, ProcessStateStarting, history[0].From)
	assert.Equal(t, ProcessStateRunning, history[0].To)
	assert.Equal(t, "wait", history[1].Operation)

	logger.AssertCalled(t, "Infof", mock.Anything, mock.Anything)
}

func TestProcessStateMachine_TerminalStatesAreFinal(t *testing.T) {
	terminate := map[string]func(sm *ProcessStateMachine) error{
		"exited": func(sm *ProcessStateMachine) error { return sm.Exit(0, "wait") },
		"killed": func(sm *ProcessStateMachine) error { return sm.Killed("kill") },
		"error":  func(sm *ProcessStateMachine) error { return sm.Fail(fmt.Errorf("wait failed"), "wait") },
	}

	for name, fn := range terminate {
		t.Run(name, func(t *testing.T) {
			sm, _ := newTestMachine()
			require.NoError(t, sm.Transition(ProcessStateRunning, "start", nil))
			require.NoError(t, fn(sm))
			assert.True(t, sm.IsTerminal())

			before := sm.GetStateInfo()

			err := sm.Exit(1, "wait")
			assert.True(t, errors.IsValidationError(err))
			assert.Error(t, sm.Killed("kill"))
			assert.Error(t, sm.Transition(ProcessStateRunning, "start", nil))

			assert.Equal(t, before, sm.GetStateInfo())
			assert.Len(t, sm.GetTransitionHistory(), 2)
		})
	}
}

func TestProcessStateMachine_SpawnFailure(t *testing.T) {
	sm, logger := newTestMachine()

	require.NoError(t, sm.Fail(fmt.Errorf("exec: not found"), "start"))

	info := sm.GetStateInfo()
	assert.Equal(t, ProcessStateError, info.State)
	assert.Equal(t, "exec: not found", info.Error)
	assert.Nil(t, info.ExitCode)
	assert.Equal(t, "error(exec: not found)", info.String())

	logger.AssertCalled(t, "Warnf", mock.Anything, mock.Anything)
}

func TestProcessStateMachine_CannotSkipRunning(t *testing.T) {
	sm, _ := newTestMachine()

	assert.False(t, sm.CanTransition(ProcessStateExited))
	assert.Error(t, sm.Exit(0, "wait"))
	assert.Error(t, sm.Killed("kill"))
	assert.Equal(t, ProcessStateStarting, sm.GetCurrentState())
}

func TestProcessStateMachine_StateInfoIsACopy(t *testing.T) {
	sm, _ := newTestMachine()
	require.NoError(t, sm.Transition(ProcessStateRunning, "start", nil))
	require.NoError(t, sm.Exit(0, "wait"))

	info := sm.GetStateInfo()
	*info.ExitCode = 99

	assert.Equal(t, 0, *sm.GetStateInfo().ExitCode)
}

func TestProcessStateMachine_ValidateOperation(t *testing.T) {
	sm, _ := newTestMachine()
	require.NoError(t, sm.Transition(ProcessStateRunning, "start", nil))

	assert.NoError(t, sm.ValidateOperation("send"))
	assert.NoError(t, sm.ValidateOperation("kill"))
	assert.True(t, errors.IsConflictError(sm.ValidateOperation("remove")))

	require.NoError(t, sm.Killed("kill"))

	assert.True(t, errors.IsProcessNotRunningError(sm.ValidateOperation("send")))
	assert.NoError(t, sm.ValidateOperation("remove"))
	assert.True(t, errors.IsValidationError(sm.ValidateOperation("restart")))
}
