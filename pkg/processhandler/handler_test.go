package processhandler

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/process"
	"github.com/core-tools/hsu-stdio-procman/pkg/processmanagement/processstatemachine"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
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

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func shell(script string) process.ExecutionConfig {
	return process.ExecutionConfig{Command: []string{"/bin/sh", "-c", script}}
}

func startHandler(t *testing.T, config process.ExecutionConfig, options HandlerOptions) *ProcessHandler {
	t.Helper()

	h := New("1", config, options, newMockLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Start(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func waitExited(t *testing.T, h *ProcessHandler) {
	t.Helper()
	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func lineTexts(lines []ringbuffer.Line) []string {
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = line.Text
	}
	return result
}

func TestHandler_EchoExitsZero(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, process.ExecutionConfig{Command: []string{"echo", "hi"}}, HandlerOptions{})
	waitExited(t, h)

	info := h.State()
	assert.Equal(t, processstatemachine.ProcessStateExited, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)

	assert.Eventually(t, func() bool {
		return len(h.Lines(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hi"}, lineTexts(h.Lines(0)))

	status := h.Status()
	assert.Equal(t, "hi", status.LastLines)
	assert.NotNil(t, status.EndTime)
	assert.Greater(t, status.PID, 0)
}

func TestHandler_NonZeroExitAndStderr(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, shell(`echo out; echo err >&2; exit 7`), HandlerOptions{})
	waitExited(t, h)

	info := h.State()
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 7, *info.ExitCode)

	assert.Eventually(t, func() bool {
		return len(h.Lines(0)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	streams := map[string]ringbuffer.Stream{}
	for _, line := range h.Lines(0) {
		streams[line.Text] = line.Stream
	}
	assert.Equal(t, ringbuffer.StdoutStream, streams["out"])
	assert.Equal(t, ringbuffer.StderrStream, streams["err"])
}

func TestHandler_SpawnFailure(t *testing.T) {
	h := New("9", process.ExecutionConfig{Command: []string{"/no/such/program"}}, HandlerOptions{}, newMockLogger())

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))

	info := h.State()
	assert.Equal(t, processstatemachine.ProcessStateError, info.State)
	assert.NotEmpty(t, info.Error)

	outcome, err := h.Kill(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyTerminal)
	assert.NoError(t, h.Close(context.Background()))
}

func TestHandler_SendLineAndChars(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, process.ExecutionConfig{Command: []string{"cat"}}, HandlerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.SendLine(ctx, "hello"))
	require.NoError(t, h.SendLine(ctx, "already terminated\n"))
	require.NoError(t, h.SendChars(ctx, "ab"))
	require.NoError(t, h.SendChars(ctx, "c\n"))

	assert.Eventually(t, func() bool {
		return len(h.Lines(0)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello", "already terminated", "abc"}, lineTexts(h.Lines(0)))
}

func TestHandler_PartialLineFlushedAsPrompt(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, shell(`printf 'Enter your name: '; read name; echo "hello $name"`),
		HandlerOptions{PartialLineFlush: 50 * time.Millisecond})

	matcher, err := ringbuffer.Compile(ringbuffer.SearchRegex, "^Enter")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(h.Search(matcher, 0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.SendLine(ctx, "bob"))
	waitExited(t, h)

	assert.Eventually(t, func() bool {
		lines := lineTexts(h.Lines(0))
		return len(lines) == 2 && lines[1] == "hello bob"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Enter your name: ", h.Lines(0)[0].Text)
}

func TestHandler_LongLinesAreSplit(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, shell(`printf '%0100d\n' 0`), HandlerOptions{MaxLineBytes: 40})
	waitExited(t, h)

	assert.Eventually(t, func() bool {
		return len(h.Lines(0)) == 3
	}, 2*time.Second, 10*time.Millisecond)

	lines := lineTexts(h.Lines(0))
	assert.Len(t, lines[0], 40)
	assert.Len(t, lines[1], 40)
	assert.Len(t, lines[2], 20)
}

func TestHandler_SendToExitedProcess(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, process.ExecutionConfig{Command: []string{"true"}}, HandlerOptions{})
	waitExited(t, h)

	err := h.SendLine(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.IsProcessNotRunningError(err), "got %v", err)
}

func TestHandler_SendTimesOutWhenChildNeverReads(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, process.ExecutionConfig{Command: []string{"sleep", "30"}}, HandlerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// Larger than any pipe buffer
	payload := strings.Repeat("x", 4<<20)
	start := time.Now()
	err := h.SendChars(ctx, payload)
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHandler_KillIsIdempotent(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, process.ExecutionConfig{Command: []string{"sleep", "30"}}, HandlerOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := h.Kill(ctx)
	require.NoError(t, err)
	assert.False(t, first.AlreadyTerminal)
	assert.Equal(t, processstatemachine.ProcessStateKilled, first.State.State)

	second, err := h.Kill(ctx)
	require.NoError(t, err)
	assert.True(t, second.AlreadyTerminal)
	assert.Equal(t, first.State, second.State)

	assert.Eventually(t, func() bool {
		return h.Diagnostics().ReadersJoined
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_KillEscalatesAfterGracePeriod(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, shell(`trap "" TERM; echo ready; while :; do sleep 1; done`),
		HandlerOptions{KillGracePeriod: 200 * time.Millisecond})

	assert.Eventually(t, func() bool {
		return len(h.Lines(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	outcome, err := h.Kill(ctx)
	require.NoError(t, err)
	assert.Equal(t, processstatemachine.ProcessStateKilled, outcome.State.State)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestHandler_KillWithinShortDeadline(t *testing.T) {
	skipOnWindows(t)

	// Default grace period is longer than the deadline below
	h := startHandler(t, shell(`trap "" TERM; echo ready; while :; do sleep 1; done`), HandlerOptions{})

	assert.Eventually(t, func() bool {
		return len(h.Lines(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	outcome, err := h.Kill(ctx)
	require.NoError(t, err)
	assert.Equal(t, processstatemachine.ProcessStateKilled, outcome.State.State)
	assert.True(t, h.IsTerminal())
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestHandler_KillAfterContextEndedStillReaps(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, shell(`trap "" TERM; while :; do sleep 1; done`), HandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The op lock cannot be taken with an ended context, so drive the escalation directly
	spawned, alreadyTerminal, err := h.requestKill(context.Background())
	require.NoError(t, err)
	require.False(t, alreadyTerminal)

	require.NoError(t, h.awaitTermination(ctx, spawned))
	assert.Equal(t, processstatemachine.ProcessStateKilled, h.State().State)
}

func TestHandler_CloseTearsDownLiveProcess(t *testing.T) {
	skipOnWindows(t)

	h := New("2", process.ExecutionConfig{Command: []string{"cat"}}, HandlerOptions{}, newMockLogger())
	require.NoError(t, h.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, h.Close(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.True(t, h.IsTerminal())
	diag := h.Diagnostics()
	assert.True(t, diag.Closed)
	assert.True(t, diag.ReadersJoined)
	assert.Empty(t, diag.ReaderErrors)

	assert.NoError(t, h.Close(ctx), "second close is a no-op")
	assert.True(t, errors.IsProcessNotRunningError(h.SendLine(ctx, "x")))
}

func TestHandler_DiagnosticsCountsAndHistory(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, shell(`echo one; echo two; echo three >&2`), HandlerOptions{})
	waitExited(t, h)

	assert.Eventually(t, func() bool {
		return h.Diagnostics().ReadersJoined
	}, 3*time.Second, 10*time.Millisecond)

	diag := h.Diagnostics()
	assert.Equal(t, uint64(2), diag.Streams[ringbuffer.StdoutStream].Lines)
	assert.Equal(t, uint64(1), diag.Streams[ringbuffer.StderrStream].Lines)
	assert.Equal(t, uint64(6), diag.Streams[ringbuffer.StdoutStream].Bytes)
	require.Len(t, diag.Transitions, 2)
	assert.Equal(t, processstatemachine.ProcessStateExited, diag.Transitions[1].To)
}

func TestHandler_StartTwiceRejected(t *testing.T) {
	skipOnWindows(t)

	h := startHandler(t, process.ExecutionConfig{Command: []string{"true"}}, HandlerOptions{})
	err := h.Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestLastLinesExcerpt(t *testing.T) {
	lines := []ringbuffer.Line{{Text: "a"}, {Text: "b"}}
	assert.Equal(t, "a\nb", lastLinesExcerpt(lines))

	long := []ringbuffer.Line{{Text: strings.Repeat("x", 200)}, {Text: strings.Repeat("y", 200)}}
	excerpt := lastLinesExcerpt(long)
	assert.Len(t, excerpt, 300)
	assert.True(t, strings.HasSuffix(excerpt, strings.Repeat("y", 200)))

	assert.Equal(t, "", lastLinesExcerpt(nil))
}
