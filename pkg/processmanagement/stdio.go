package processmanagement

import (
	"context"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

// StdioGetLines returns the newest maxLines captured lines in chronological
// order; maxLines <= 0 returns everything retained
func (pm *processManager) StdioGetLines(ctx context.Context, id TrackingID, maxLines int, timeout time.Duration) (lines []ringbuffer.Line, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opStdioGetLines, id, map[string]interface{}{"max_lines": maxLines})
	defer func() { call.finish(err, map[string]interface{}{"lines": len(lines)}) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return entry.Handler.Lines(maxLines), nil
}

func (pm *processManager) StdioSearchLines(ctx context.Context, id TrackingID, searchType string, pattern string, maxLines int, timeout time.Duration) (matches []ringbuffer.Match, err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opStdioSearchLines, id, map[string]interface{}{
		"search_type": searchType,
		"pattern":     pattern,
		"max_lines":   maxLines,
	})
	defer func() { call.finish(err, map[string]interface{}{"matches": len(matches)}) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	matcher, err := compileSearch(searchType, pattern)
	if err != nil {
		return nil, err
	}
	return entry.Handler.Search(matcher, maxLines), nil
}

// StdioSendLine writes line to stdin, adding a trailing newline when missing
func (pm *processManager) StdioSendLine(ctx context.Context, id TrackingID, line string, timeout time.Duration) (err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opStdioSendLine, id, map[string]interface{}{"line": line})
	defer func() { call.finish(err, nil) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return err
	}
	return entry.Handler.SendLine(ctx, line)
}

// StdioSendChars writes chars to stdin unchanged
func (pm *processManager) StdioSendChars(ctx context.Context, id TrackingID, chars string, timeout time.Duration) (err error) {
	ctx, call := pm.beginOperation(ctx, timeout, opStdioSendChars, id, map[string]interface{}{"chars": chars})
	defer func() { call.finish(err, nil) }()

	entry, err := pm.lookup(ctx, id)
	if err != nil {
		return err
	}
	return entry.Handler.SendChars(ctx, chars)
}
