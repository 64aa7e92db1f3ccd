package processmanagement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

// AllKill kills every tracked process concurrently. Processes that were already
// terminal report Noop. A failure is recorded in that id's result only.
func (pm *processManager) AllKill(ctx context.Context, timeout time.Duration) (results map[TrackingID]BatchResult, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opAllKill, 0, nil)
	defer func() { call.finish(err, batchSummary(results)) }()

	snapshot, err := pm.getAllProcesses(ctx)
	if err != nil {
		return nil, err
	}

	pm.logger.Infof("Killing all processes, count: %d", len(snapshot))
	return pm.fanOut(ctx, snapshot, func(ctx context.Context, entry *processEntry) BatchResult {
		if entry.Handler.IsTerminal() {
			return BatchResult{State: entry.Handler.State(), Noop: true}
		}
		outcome, err := entry.Handler.Kill(ctx)
		return BatchResult{State: outcome.State, Noop: outcome.AlreadyTerminal, Err: err}
	}), nil
}

// AllRemove removes every tracked process that is terminal. Live processes get a
// conflict error in their slot and stay registered.
func (pm *processManager) AllRemove(ctx context.Context, timeout time.Duration) (results map[TrackingID]BatchResult, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opAllRemove, 0, nil)
	defer func() { call.finish(err, batchSummary(results)) }()

	snapshot, err := pm.getAllProcesses(ctx)
	if err != nil {
		return nil, err
	}

	pm.logger.Infof("Removing all processes, count: %d", len(snapshot))
	return pm.fanOut(ctx, snapshot, func(ctx context.Context, entry *processEntry) BatchResult {
		result, err := pm.removeProcess(ctx, entry.ID, false)
		result.Err = err
		return result
	}), nil
}

// forceRemoveAll kills and removes every tracked process
func (pm *processManager) forceRemoveAll(ctx context.Context) map[TrackingID]BatchResult {
	snapshot, err := pm.getAllProcesses(ctx)
	if err != nil {
		pm.logger.Errorf("Failed to snapshot processes: %v", err)
		return map[TrackingID]BatchResult{}
	}
	return pm.fanOut(ctx, snapshot, func(ctx context.Context, entry *processEntry) BatchResult {
		result, err := pm.removeProcess(ctx, entry.ID, true)
		result.Err = err
		return result
	})
}

// AllSearch runs one compiled search over every tracked process. Ids with no
// matches are left out of the result.
func (pm *processManager) AllSearch(ctx context.Context, searchType string, pattern string, maxLinesPerProcess int, timeout time.Duration) (results map[TrackingID]SearchResult, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opAllSearch, 0, map[string]interface{}{
		"search_type":           searchType,
		"pattern":               pattern,
		"max_lines_per_process": maxLinesPerProcess,
	})
	defer func() { call.finish(err, map[string]interface{}{"processes_matched": len(results)}) }()

	matcher, err := compileSearch(searchType, pattern)
	if err != nil {
		return nil, err
	}

	snapshot, err := pm.getAllProcesses(ctx)
	if err != nil {
		return nil, err
	}

	var mutex sync.Mutex
	results = make(map[TrackingID]SearchResult)

	var group errgroup.Group
	for _, entry := range snapshot {
		entry := entry
		group.Go(func() error {
			matches := entry.Handler.Search(matcher, maxLinesPerProcess)
			if len(matches) == 0 {
				return nil
			}
			mutex.Lock()
			results[entry.ID] = SearchResult{Matches: matches}
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return results, nil
}

// fanOut applies op to every entry concurrently under the shared deadline
func (pm *processManager) fanOut(ctx context.Context, entries []*processEntry, op func(context.Context, *processEntry) BatchResult) map[TrackingID]BatchResult {
	var mutex sync.Mutex
	results := make(map[TrackingID]BatchResult, len(entries))

	var group errgroup.Group
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			result := op(ctx, entry)
			if result.Err != nil {
				pm.logger.Warnf("Batch operation failed for process, tracking id: %s, error: %v", entry.ID, result.Err)
			}
			mutex.Lock()
			results[entry.ID] = result
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return results
}

func compileSearch(searchType string, pattern string) (*ringbuffer.Matcher, error) {
	parsed, err := ringbuffer.ParseSearchType(searchType)
	if err != nil {
		return nil, err
	}
	return ringbuffer.Compile(parsed, pattern)
}

func batchSummary(results map[TrackingID]BatchResult) map[string]interface{} {
	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
		}
	}
	return map[string]interface{}{"processes": len(results), "failed": failed}
}
