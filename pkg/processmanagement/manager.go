package processmanagement

import (
	"context"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-stdio-procman/pkg/boundedlock"
	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/logcollection"
	"github.com/core-tools/hsu-stdio-procman/pkg/logging"
	"github.com/core-tools/hsu-stdio-procman/pkg/processhandler"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

type ProcessLifecycle interface {
	ProcessStart(ctx context.Context, spec ProcessSpec, timeout time.Duration) (ProcessStatus, TrackingID, error)
	ProcessStatus(ctx context.Context, id TrackingID, timeout time.Duration) (ProcessStatus, error)
	ProcessKill(ctx context.Context, id TrackingID, timeout time.Duration) (ProcessStatus, error)
	ProcessRemove(ctx context.Context, id TrackingID, force bool, timeout time.Duration) error
	ProcessList(ctx context.Context, timeout time.Duration) ([]ProcessListEntry, error)
	ProcessDiagnostics(ctx context.Context, id TrackingID, timeout time.Duration) (processhandler.ProcessDiagnostics, error)
}

type BatchOperations interface {
	AllKill(ctx context.Context, timeout time.Duration) (map[TrackingID]BatchResult, error)
	AllRemove(ctx context.Context, timeout time.Duration) (map[TrackingID]BatchResult, error)
	AllSearch(ctx context.Context, searchType string, pattern string, maxLinesPerProcess int, timeout time.Duration) (map[TrackingID]SearchResult, error)
}

type StdioOperations interface {
	StdioGetLines(ctx context.Context, id TrackingID, maxLines int, timeout time.Duration) ([]ringbuffer.Line, error)
	StdioSearchLines(ctx context.Context, id TrackingID, searchType string, pattern string, maxLines int, timeout time.Duration) ([]ringbuffer.Match, error)
	StdioSendLine(ctx context.Context, id TrackingID, line string, timeout time.Duration) error
	StdioSendChars(ctx context.Context, id TrackingID, chars string, timeout time.Duration) error
}

type ProcessManager interface {
	ProcessLifecycle
	BatchOperations
	StdioOperations

	InstanceID() string
	GetManagerState() ProcessManagerState
	Shutdown(ctx context.Context) error
}

type ProcessManagerOptions struct {
	// DefaultTimeout bounds operations called with a non-positive timeout
	DefaultTimeout time.Duration

	// Handler is applied to every process the manager starts
	Handler processhandler.HandlerOptions

	// Hooks observe every public call
	Hooks []logcollection.OperationHook
}

// processEntry is a registry record
type processEntry struct {
	ID        TrackingID
	PID       int
	Command   []string
	CreatedAt time.Time
	Handler   *processhandler.ProcessHandler
}

type processManager struct {
	instanceID string
	options    ProcessManagerOptions
	logger     logging.Logger

	// registryLock guards processes and state; it is never held while a handler lock is taken
	registryLock *boundedlock.Mutex
	processes    map[TrackingID]*processEntry
	state        ProcessManagerState

	lastID atomic.Uint64
}

func NewProcessManager(options ProcessManagerOptions, logger logging.Logger) ProcessManager {
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	pm := &processManager{
		instanceID:   uuid.NewString(),
		options:      options,
		logger:       logger,
		registryLock: boundedlock.New("registry"),
		processes:    make(map[TrackingID]*processEntry),
		state:        ProcessManagerStateRunning,
	}
	logger.Infof("Process manager created, instance: %s, default timeout: %v", pm.instanceID, options.DefaultTimeout)
	return pm
}

func (pm *processManager) InstanceID() string {
	return pm.instanceID
}

// GetManagerState returns the current state of the process manager
func (pm *processManager) GetManagerState() ProcessManagerState {
	ctx, cancel := context.WithTimeout(context.Background(), pm.options.DefaultTimeout)
	defer cancel()

	if err := pm.registryLock.Lock(ctx); err != nil {
		return ProcessManagerStateStopping
	}
	defer pm.registryLock.Unlock()
	return pm.state
}

func (pm *processManager) ProcessStart(ctx context.Context, spec ProcessSpec, timeout time.Duration) (status ProcessStatus, id TrackingID, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opProcessStart, 0, map[string]interface{}{
		"command":           spec.Command,
		"working_directory": spec.WorkingDirectory,
		"environment":       spec.Environment,
	})
	defer func() {
		call.trackingID = trackingIDString(id)
		call.finish(err, map[string]interface{}{"pid": status.PID, "state": status.State.String()})
	}()

	if err := spec.executionConfig().Validate(); err != nil {
		return ProcessStatus{}, 0, err
	}

	// Allocate the id under the registry lock, spawn outside it
	if err := pm.registryLock.Lock(ctx); err != nil {
		return ProcessStatus{}, 0, err
	}
	if pm.state != ProcessManagerStateRunning {
		state := pm.state
		pm.registryLock.Unlock()
		return ProcessStatus{}, 0, errors.NewValidationError("process manager is not running", nil).
			WithContext("state", string(state))
	}
	id = TrackingID(pm.lastID.Add(1))
	pm.registryLock.Unlock()

	pm.logger.Infof("Starting process, tracking id: %s, command: %v", id, logcollection.TruncateForLogging(spec.Command))

	handler := processhandler.New(id.String(), spec.executionConfig(), pm.options.Handler, pm.logger)
	if err := handler.Start(ctx); err != nil {
		pm.logger.Errorf("Failed to start process, tracking id: %s, error: %v", id, err)
		return handler.Status(), 0, err
	}

	status = handler.Status()
	entry := &processEntry{
		ID:        id,
		PID:       status.PID,
		Command:   append([]string(nil), spec.Command...),
		CreatedAt: time.Now(),
		Handler:   handler,
	}

	if err := pm.registryLock.Lock(ctx); err != nil {
		pm.abandonHandler(handler, "registry lock not acquired")
		return status, 0, err
	}
	if pm.state != ProcessManagerStateRunning {
		pm.registryLock.Unlock()
		pm.abandonHandler(handler, "manager stopped during start")
		return status, 0, errors.NewValidationError("process manager stopped during start", nil).
			WithContext("tracking_id", id.String())
	}
	pm.processes[id] = entry
	pm.registryLock.Unlock()

	pm.logger.Infof("Process started successfully, tracking id: %s, PID: %d", id, status.PID)
	return status, id, nil
}

// abandonHandler tears down a handler that never made it into the registry
func (pm *processManager) abandonHandler(handler *processhandler.ProcessHandler, reason string) {
	pm.logger.Warnf("Tearing down unregistered process, tracking id: %s, reason: %s", handler.TrackingID(), reason)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pm.options.DefaultTimeout)
		defer cancel()
		_ = handler.Close(ctx)
	}()
}

func (pm *processManager) ProcessStatus(ctx context.Context, id TrackingID, timeout time.Duration) (status ProcessStatus, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opProcessStatus, id, nil)
	defer func() { call.finish(err, map[string]interface{}{"state": status.State.String()}) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return ProcessStatus{}, err
	}
	return entry.Handler.Status(), nil
}

func (pm *processManager) ProcessKill(ctx context.Context, id TrackingID, timeout time.Duration) (status ProcessStatus, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opProcessKill, id, nil)
	defer func() { call.finish(err, map[string]interface{}{"state": status.State.String()}) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return ProcessStatus{}, err
	}

	pm.logger.Infof("Killing process, tracking id: %s", id)
	if _, err := entry.Handler.Kill(ctx); err != nil {
		return entry.Handler.Status(), err
	}
	return entry.Handler.Status(), nil
}

func (pm *processManager) ProcessRemove(ctx context.Context, id TrackingID, force bool, timeout time.Duration) (err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opProcessRemove, id, map[string]interface{}{"force": force})
	defer func() { call.finish(err, nil) }()

	_, err = pm.removeProcess(ctx, id, force)
	return err
}

// removeProcess checks removability, kills when forced, claims the registry
// entry and tears the handler down. The state before teardown is returned.
func (pm *processManager) removeProcess(ctx context.Context, id TrackingID, force bool) (BatchResult, error) {
	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return BatchResult{}, err
	}
	handler := entry.Handler

	if !handler.IsTerminal() {
		if !force {
			return BatchResult{State: handler.State()}, errors.NewConflictError(
				"cannot remove a running process: kill it first or remove with force", nil,
			).WithContext("tracking_id", id.String()).
				WithContext("current_state", string(handler.State().State))
		}

		pm.logger.Infof("Force removing process, tracking id: %s", id)
		if _, err := handler.Kill(ctx); err != nil {
			return BatchResult{State: handler.State()}, err
		}
	}

	// Claim the entry so concurrent removers see the id as unknown. A finished
	// kill may have used up the budget, so a free lock is taken regardless.
	if !pm.registryLock.TryLock() {
		if err := pm.registryLock.Lock(ctx); err != nil {
			return BatchResult{State: handler.State()}, err
		}
	}
	current, exists := pm.processes[id]
	if !exists || current != entry {
		pm.registryLock.Unlock()
		return BatchResult{}, notFound(id)
	}
	delete(pm.processes, id)
	pm.registryLock.Unlock()

	result := BatchResult{State: handler.State()}
	if err := handler.Close(ctx); err != nil {
		pm.logger.Warnf("Handler teardown incomplete, tracking id: %s, error: %v", id, err)
	}

	pm.logger.Infof("Process removed, tracking id: %s, state: %s", id, result.State)
	return result, nil
}

func (pm *processManager) ProcessList(ctx context.Context, timeout time.Duration) (entries []ProcessListEntry, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opProcessList, 0, nil)
	defer func() { call.finish(err, map[string]interface{}{"count": len(entries)}) }()

	snapshot, err := pm.getAllProcesses(ctx)
	if err != nil {
		return nil, err
	}

	entries = make([]ProcessListEntry, 0, len(snapshot))
	for _, entry := range snapshot {
		entries = append(entries, ProcessListEntry{
			TrackingID: entry.ID,
			PID:        entry.PID,
			Command:    append([]string(nil), entry.Command...),
			State:      entry.Handler.State(),
			CreatedAt:  entry.CreatedAt,
		})
	}
	return entries, nil
}

func (pm *processManager) ProcessDiagnostics(ctx context.Context, id TrackingID, timeout time.Duration) (diag processhandler.ProcessDiagnostics, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opProcessDiagnostics, id, nil)
	defer func() { call.finish(err, nil) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return processhandler.ProcessDiagnostics{}, err
	}
	return entry.Handler.Diagnostics(), nil
}

// Shutdown stops accepting processes, force-removes every tracked process and
// closes hooks that implement io.Closer
func (pm *processManager) Shutdown(ctx context.Context) (err error) {
	ctx, call := pm.beginOperation(ctx, shutdownBudget(ctx, pm.options.DefaultTimeout), opShutdown, 0, nil)
	defer func() { call.finish(err, nil) }()

	pm.logger.Infof("Shutting down process manager, instance: %s", pm.instanceID)

	if err := pm.setManagerState(ctx, ProcessManagerStateStopping); err != nil {
		return err
	}

	errorCollection := errors.NewErrorCollection()

	for id, result := range pm.forceRemoveAll(ctx) {
		if result.Err != nil {
			errorCollection.Add(errors.NewInternalError("failed to remove process during shutdown", result.Err).
				WithContext("tracking_id", id.String()))
		}
	}

	for _, hook := range pm.options.Hooks {
		if closer, ok := hook.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errorCollection.Add(err)
			}
		}
	}

	if err := pm.setManagerState(ctx, ProcessManagerStateStopped); err != nil {
		errorCollection.Add(err)
	}

	if errorCollection.HasErrors() {
		pm.logger.Errorf("Process manager shutdown incomplete: %v", errorCollection.Error())
	} else {
		pm.logger.Infof("Process manager stopped, instance: %s", pm.instanceID)
	}
	return errorCollection.ToError()
}

// lookup finds an entry under the registry lock; the lock is released before returning
func (pm *processManager) lookup(ctx context.Context, id TrackingID) (*processEntry, error) {
	if err := pm.registryLock.Lock(ctx); err != nil {
		return nil, err
	}
	defer pm.registryLock.Unlock()

	entry, exists := pm.processes[id]
	if !exists {
		return nil, notFound(id)
	}
	return entry, nil
}

// getAllProcesses returns the registry entries ordered by tracking id
func (pm *processManager) getAllProcesses(ctx context.Context) ([]*processEntry, error) {
	if err := pm.registryLock.Lock(ctx); err != nil {
		return nil, err
	}
	entries := make([]*processEntry, 0, len(pm.processes))
	for _, entry := range pm.processes {
		entries = append(entries, entry)
	}
	pm.registryLock.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (pm *processManager) setManagerState(ctx context.Context, state ProcessManagerState) error {
	if err := pm.registryLock.Lock(ctx); err != nil {
		return err
	}
	defer pm.registryLock.Unlock()

	pm.state = state
	return nil
}

func notFound(id TrackingID) error {
	return errors.NewNotFoundError("unknown tracking id", nil).WithContext("tracking_id", id.String())
}

func trackingIDString(id TrackingID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}

// shutdownBudget keeps the caller's deadline when there is one
func shutdownBudget(ctx context.Context, fallback time.Duration) time.Duration {
	if ctx == nil {
		return fallback
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	if left := time.Until(deadline); left > 0 {
		return left
	}
	return time.Nanosecond
}
