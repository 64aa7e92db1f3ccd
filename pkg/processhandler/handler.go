// Package processhandler supervises a single child process: its pipes, the
// routines that capture its output, and its lifecycle state.
package processhandler

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/boundedlock"
	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
	"github.com/core-tools/hsu-stdio-procman/pkg/process"
	"github.com/core-tools/hsu-stdio-procman/pkg/processmanagement/processstatemachine"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

// ProcessHandler exclusively owns one OS process, its stdin pipe, two reader
// routines and one RingBuffer
type ProcessHandler struct {
	trackingID string
	config     process.ExecutionConfig
	options    HandlerOptions
	logger     logging.Logger

	// opLock serializes Start, Send*, the signalling part of Kill, and Close
	opLock       *boundedlock.Mutex
	stateMachine *processstatemachine.ProcessStateMachine
	buffer       *ringbuffer.RingBuffer
	counters     map[ringbuffer.Stream]*streamCounters

	readers     sync.WaitGroup
	readersDone chan struct{}
	exited      chan struct{} // closed once the terminal state is recorded

	// Mutex to protect concurrent access to fields below
	mutex         sync.RWMutex
	spawned       *process.Spawned
	startTime     *time.Time
	endTime       *time.Time
	killRequested bool
	closed        bool
	readerErrors  []string
}

func New(trackingID string, config process.ExecutionConfig, options HandlerOptions, logger logging.Logger) *ProcessHandler {
	options = options.withDefaults()
	return &ProcessHandler{
		trackingID:   trackingID,
		config:       config,
		options:      options,
		logger:       logger,
		opLock:       boundedlock.New("handler " + trackingID),
		stateMachine: processstatemachine.NewProcessStateMachine(trackingID, logger),
		buffer:       ringbuffer.New(options.BufferCapacity),
		counters: map[ringbuffer.Stream]*streamCounters{
			ringbuffer.StdoutStream: {},
			ringbuffer.StderrStream: {},
		},
		readersDone: make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

func (h *ProcessHandler) TrackingID() string {
	return h.trackingID
}

// Start spawns the process and returns once it is running. On spawn failure
// the handler moves to the error state and the spawn error is returned.
func (h *ProcessHandler) Start(ctx context.Context) error {
	if err := h.opLock.Lock(ctx); err != nil {
		return err
	}
	defer h.opLock.Unlock()

	if state := h.stateMachine.GetCurrentState(); state != processstatemachine.ProcessStateStarting {
		return errors.NewValidationError("process already started", nil).
			WithContext("tracking_id", h.trackingID).
			WithContext("state", string(state))
	}

	spawned, err := process.Execute(h.config, h.trackingID, h.logger)
	if err != nil {
		if !errors.IsSpawnError(err) {
			err = errors.NewSpawnError("failed to start process", err).WithContext("tracking_id", h.trackingID)
		}
		_ = h.stateMachine.Fail(err, "start")
		close(h.readersDone)
		close(h.exited)
		return err
	}

	now := time.Now()
	h.mutex.Lock()
	h.spawned = spawned
	h.startTime = &now
	h.mutex.Unlock()

	if err := h.stateMachine.Transition(processstatemachine.ProcessStateRunning, "start", nil); err != nil {
		return errors.NewInternalError("failed to record running state", err).WithContext("tracking_id", h.trackingID)
	}

	h.readers.Add(2)
	go (&streamReader{handler: h, file: spawned.Stdout, stream: ringbuffer.StdoutStream, counters: h.counters[ringbuffer.StdoutStream]}).run()
	go (&streamReader{handler: h, file: spawned.Stderr, stream: ringbuffer.StderrStream, counters: h.counters[ringbuffer.StderrStream]}).run()
	go func() {
		h.readers.Wait()
		close(h.readersDone)
	}()
	go h.watch(spawned)

	return nil
}

// watch reaps the process and records its terminal state
func (h *ProcessHandler) watch(spawned *process.Spawned) {
	waitErr := spawned.Cmd.Wait()

	now := time.Now()
	h.mutex.Lock()
	h.endTime = &now
	killRequested := h.killRequested
	h.mutex.Unlock()

	var exitErr *exec.ExitError
	switch {
	case killRequested:
		_ = h.stateMachine.Killed("kill")
	case waitErr == nil || stderrors.As(waitErr, &exitErr):
		_ = h.stateMachine.Exit(process.ExitCode(spawned.Cmd.ProcessState), "wait")
	default:
		_ = h.stateMachine.Fail(waitErr, "wait")
	}
	close(h.exited)

	h.releasePipes(spawned)
}

// releasePipes lets readers drain what the child wrote, then closes every pipe.
// Closing the read ends unblocks readers still held open by a grandchild.
func (h *ProcessHandler) releasePipes(spawned *process.Spawned) {
	select {
	case <-h.readersDone:
	case <-time.After(h.options.ReaderJoinTimeout):
		h.logger.Warnf("Output still open after exit, closing pipes, tracking id: %s", h.trackingID)
	}
	if err := spawned.ClosePipes(); err != nil {
		h.logger.Warnf("Failed to close pipes, tracking id: %s: %v", h.trackingID, err)
	}
}

func (h *ProcessHandler) recordReaderError(stream ringbuffer.Stream, err error) {
	h.logger.Errorf("Reader failed, tracking id: %s, stream: %s: %v", h.trackingID, stream, err)

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.readerErrors = append(h.readerErrors, fmt.Sprintf("%s: %v", stream, err))
}

// SendLine writes text followed by a newline unless it already ends with one
func (h *ProcessHandler) SendLine(ctx context.Context, text string) error {
	if len(text) == 0 || text[len(text)-1] != '\n' {
		text += "\n"
	}
	return h.write(ctx, text, "send_line")
}

// SendChars writes text exactly as given
func (h *ProcessHandler) SendChars(ctx context.Context, text string) error {
	return h.write(ctx, text, "send_chars")
}

func (h *ProcessHandler) write(ctx context.Context, data string, operation string) error {
	if err := h.opLock.Lock(ctx); err != nil {
		return err
	}
	defer h.opLock.Unlock()

	if err := h.stateMachine.ValidateOperation("send"); err != nil {
		return err
	}

	h.mutex.RLock()
	spawned, closed, killRequested := h.spawned, h.closed, h.killRequested
	h.mutex.RUnlock()
	if closed || killRequested || spawned == nil {
		return errors.NewProcessNotRunningError("process is being terminated", nil).WithContext("tracking_id", h.trackingID)
	}

	stdin := spawned.Stdin
	if deadline, ok := ctx.Deadline(); ok {
		if err := stdin.SetWriteDeadline(deadline); err == nil {
			defer stdin.SetWriteDeadline(time.Time{})
		}
	}

	n, err := stdin.WriteString(data)
	if err == nil {
		h.logger.Debugf("Wrote to stdin, tracking id: %s, operation: %s, bytes: %d", h.trackingID, operation, n)
		return nil
	}

	switch {
	case errors.IsDeadlineExceeded(err):
		return errors.NewTimeoutError("stdin write timed out", err).
			WithContext("tracking_id", h.trackingID).
			WithContext("bytes_written", n)
	case errors.IsAlreadyClosed(err) || stderrors.Is(err, syscall.EPIPE) || h.stateMachine.IsTerminal():
		return errors.NewProcessNotRunningError("process stdin is closed", err).WithContext("tracking_id", h.trackingID)
	default:
		return errors.NewIOError("failed to write to stdin", err).WithContext("tracking_id", h.trackingID)
	}
}

// Kill terminates the process group: SIGTERM, then SIGKILL after KillGracePeriod.
// It is idempotent; a terminal handler reports its state with AlreadyTerminal set.
func (h *ProcessHandler) Kill(ctx context.Context) (KillOutcome, error) {
	spawned, alreadyTerminal, err := h.requestKill(ctx)
	if err != nil {
		return KillOutcome{State: h.stateMachine.GetStateInfo()}, err
	}
	if alreadyTerminal {
		return KillOutcome{State: h.stateMachine.GetStateInfo(), AlreadyTerminal: true}, nil
	}

	if err := h.awaitTermination(ctx, spawned); err != nil {
		return KillOutcome{State: h.stateMachine.GetStateInfo()}, err
	}
	return KillOutcome{State: h.stateMachine.GetStateInfo()}, nil
}

// requestKill marks the kill and sends SIGTERM under the op lock. Waiting
// happens outside it so status and reads stay available.
func (h *ProcessHandler) requestKill(ctx context.Context) (*process.Spawned, bool, error) {
	if err := h.opLock.Lock(ctx); err != nil {
		return nil, false, err
	}
	defer h.opLock.Unlock()

	state := h.stateMachine.GetCurrentState()
	if state.IsTerminal() {
		h.logger.Debugf("Process already terminal, tracking id: %s, state: %s", h.trackingID, state)
		return nil, true, nil
	}

	h.mutex.Lock()
	spawned := h.spawned
	first := !h.killRequested
	if spawned != nil {
		h.killRequested = true
	}
	h.mutex.Unlock()

	if spawned == nil {
		return nil, false, errors.NewProcessNotRunningError("process was never started", nil).
			WithContext("tracking_id", h.trackingID)
	}

	if first {
		h.logger.Infof("Sending termination signal, tracking id: %s, PID: %d", h.trackingID, spawned.Pid())
		if err := process.SendTermination(spawned.Cmd.Process); err != nil {
			h.logger.Warnf("Failed to send termination signal, tracking id: %s: %v", h.trackingID, err)
		}
	}
	return spawned, false, nil
}

// awaitTermination escalates to SIGKILL after the grace period, or at half the
// remaining budget when that is shorter, so the kill leaves time for reaping
func (h *ProcessHandler) awaitTermination(ctx context.Context, spawned *process.Spawned) error {
	pid := spawned.Pid()

	gracePeriod := h.options.KillGracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		if half := time.Until(deadline) / 2; half < gracePeriod {
			gracePeriod = half
		}
	}

	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()

	select {
	case <-h.exited:
		h.logger.Infof("Process terminated gracefully, tracking id: %s, PID: %d", h.trackingID, pid)
		return nil
	case <-grace.C:
		h.logger.Warnf("Process did not terminate within %v, forcing termination, tracking id: %s, PID: %d",
			gracePeriod, h.trackingID, pid)
	case <-ctx.Done():
		h.logger.Warnf("Context ended during graceful termination, forcing termination, tracking id: %s, PID: %d",
			h.trackingID, pid)
	}

	if err := process.ForceKill(spawned.Cmd.Process); err != nil {
		return errors.NewIOError("failed to kill process", err).WithContext("tracking_id", h.trackingID).WithContext("pid", pid)
	}

	// SIGKILL cannot be ignored; allow at least the reap window even if ctx has ended
	reapWindow := h.reapWindow()
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > reapWindow {
			reapWindow = left
		}
	}
	reap := time.NewTimer(reapWindow)
	defer reap.Stop()

	select {
	case <-h.exited:
		h.logger.Infof("Process force terminated, tracking id: %s, PID: %d", h.trackingID, pid)
		return nil
	case <-reap.C:
		return errors.NewTimeoutError("process did not terminate before the deadline", ctx.Err()).
			WithContext("tracking_id", h.trackingID).
			WithContext("pid", pid)
	}
}

// reapWindow is the minimum wait for a SIGKILLed process to be reaped
func (h *ProcessHandler) reapWindow() time.Duration {
	if h.options.ReaderJoinTimeout < killReapWindow {
		return h.options.ReaderJoinTimeout
	}
	return killReapWindow
}

// Close tears the handler down: force-kills a live process, closes every pipe
// and joins the readers within ReaderJoinTimeout. A reader that does not finish
// in time is logged and abandoned.
func (h *ProcessHandler) Close(ctx context.Context) error {
	if err := h.opLock.Lock(ctx); err != nil {
		return err
	}
	defer h.opLock.Unlock()

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil
	}
	h.closed = true
	spawned := h.spawned
	if spawned != nil && !h.stateMachine.IsTerminal() {
		h.killRequested = true
	}
	h.mutex.Unlock()

	if spawned == nil {
		return nil
	}

	if !h.stateMachine.IsTerminal() {
		reap := time.NewTimer(h.options.ReaderJoinTimeout)
		defer reap.Stop()

		h.logger.Infof("Force killing process during teardown, tracking id: %s, PID: %d", h.trackingID, spawned.Pid())
		if err := process.ForceKill(spawned.Cmd.Process); err != nil {
			h.logger.Warnf("Failed to kill process during teardown, tracking id: %s: %v", h.trackingID, err)
		}
		select {
		case <-h.exited:
		case <-reap.C:
			h.logger.Errorf("Process not reaped within %v during teardown, tracking id: %s", h.options.ReaderJoinTimeout, h.trackingID)
		case <-ctx.Done():
		}
	}

	if err := spawned.ClosePipes(); err != nil {
		h.logger.Warnf("Failed to close pipes, tracking id: %s: %v", h.trackingID, err)
	}

	join := time.NewTimer(h.options.ReaderJoinTimeout)
	defer join.Stop()

	select {
	case <-h.readersDone:
		h.logger.Debugf("Readers joined, tracking id: %s", h.trackingID)
	case <-join.C:
		h.logger.Errorf("Readers did not finish within %v, abandoning them, tracking id: %s", h.options.ReaderJoinTimeout, h.trackingID)
	case <-ctx.Done():
		h.logger.Errorf("Deadline reached while joining readers, abandoning them, tracking id: %s", h.trackingID)
	}
	return nil
}

// Status returns a snapshot without taking the op lock
func (h *ProcessHandler) Status() ProcessStatus {
	h.mutex.RLock()
	status := ProcessStatus{
		TrackingID:       h.trackingID,
		Command:          append([]string(nil), h.config.Command...),
		WorkingDirectory: h.config.WorkingDirectory,
		StartTime:        copyTime(h.startTime),
		EndTime:          copyTime(h.endTime),
	}
	if h.spawned != nil {
		status.PID = h.spawned.Pid()
	}
	h.mutex.RUnlock()

	status.State = h.stateMachine.GetStateInfo()
	status.LastLines = lastLinesExcerpt(h.buffer.ReadLast(lastLinesCount))
	status.LinesCaptured = h.buffer.TotalAppended()
	return status
}

func (h *ProcessHandler) State() processstatemachine.StateInfo {
	return h.stateMachine.GetStateInfo()
}

func (h *ProcessHandler) IsTerminal() bool {
	return h.stateMachine.IsTerminal()
}

// Lines returns the n most recent lines; n <= 0 returns all retained lines
func (h *ProcessHandler) Lines(n int) []ringbuffer.Line {
	return h.buffer.ReadLast(n)
}

func (h *ProcessHandler) Search(matcher *ringbuffer.Matcher, maxResults int) []ringbuffer.Match {
	return h.buffer.Search(matcher, maxResults)
}

// Exited is closed once the handler has reached a terminal state
func (h *ProcessHandler) Exited() <-chan struct{} {
	return h.exited
}

func (h *ProcessHandler) Diagnostics() ProcessDiagnostics {
	h.mutex.RLock()
	diag := ProcessDiagnostics{
		TrackingID:    h.trackingID,
		ReaderErrors:  append([]string(nil), h.readerErrors...),
		KillRequested: h.killRequested,
		Closed:        h.closed,
	}
	h.mutex.RUnlock()

	diag.State = h.stateMachine.GetStateInfo()
	diag.Transitions = h.stateMachine.GetTransitionHistory()
	diag.Streams = make(map[ringbuffer.Stream]StreamStats, len(h.counters))
	for stream, c := range h.counters {
		diag.Streams[stream] = StreamStats{Lines: c.lines.Load(), Bytes: c.bytes.Load()}
	}

	select {
	case <-h.readersDone:
		diag.ReadersJoined = true
	default:
	}
	return diag
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
