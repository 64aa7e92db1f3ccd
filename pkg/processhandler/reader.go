package processhandler

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

const readChunkSize = 4096

type streamCounters struct {
	lines atomic.Uint64
	bytes atomic.Uint64
}

// streamReader copies one output pipe into the buffer line by line. A pending
// partial line is flushed after PartialLineFlush of silence so prompts become
// searchable before the child writes a newline.
type streamReader struct {
	handler  *ProcessHandler
	file     *os.File
	stream   ringbuffer.Stream
	counters *streamCounters
	pending  []byte
}

func (r *streamReader) run() {
	defer r.handler.readers.Done()

	h := r.handler
	// Pipes without deadline support fall back to plain blocking reads
	useDeadline := r.file.SetReadDeadline(time.Time{}) == nil

	buf := make([]byte, readChunkSize)
	for {
		if useDeadline {
			deadline := time.Time{}
			if len(r.pending) > 0 {
				deadline = time.Now().Add(h.options.PartialLineFlush)
			}
			if err := r.file.SetReadDeadline(deadline); err != nil {
				useDeadline = false
			}
		}

		n, err := r.file.Read(buf)
		if n > 0 {
			r.pending = append(r.pending, buf[:n]...)
			r.emitCompleteLines()
		}
		if err == nil {
			continue
		}

		if errors.IsDeadlineExceeded(err) {
			r.flushPending()
			continue
		}

		r.flushPending()
		if err != io.EOF && !errors.IsAlreadyClosed(err) {
			h.recordReaderError(r.stream, err)
		}
		h.logger.Debugf("Reader finished, tracking id: %s, stream: %s, lines: %d",
			h.trackingID, r.stream, r.counters.lines.Load())
		return
	}
}

func (r *streamReader) emitCompleteLines() {
	maxLen := r.handler.options.MaxLineBytes
	for {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			// Split an overlong unterminated line instead of growing without bound
			for len(r.pending) >= maxLen {
				r.store(r.pending[:maxLen])
				r.pending = r.pending[maxLen:]
			}
			return
		}

		line := r.pending[:idx]
		r.pending = r.pending[idx+1:]
		for len(line) > maxLen {
			r.store(line[:maxLen])
			line = line[maxLen:]
		}
		r.store(bytes.TrimSuffix(line, []byte{'\r'}))
	}
}

func (r *streamReader) flushPending() {
	if len(r.pending) == 0 {
		return
	}
	r.store(bytes.TrimSuffix(r.pending, []byte{'\r'}))
	r.pending = r.pending[:0]
}

func (r *streamReader) store(raw []byte) {
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	r.handler.buffer.Append(text, r.stream)
	r.counters.lines.Add(1)
	r.counters.bytes.Add(uint64(len(raw)))
}
