// Package ringbuffer stores the most recent output lines of a process in a fixed
// number of slots and searches them.
package ringbuffer

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a buffer is created with a non-positive capacity
const DefaultCapacity = 10000

// Stream identifies the pipe a line was read from
type Stream string

const (
	StdoutStream Stream = "stdout"
	StderrStream Stream = "stderr"
)

// Line is a single captured output line, without its line terminator
type Line struct {
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
	Stream    Stream    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// RingBuffer keeps the last Capacity() appended lines. Appends never fail;
// the oldest line is overwritten once the buffer is full.
type RingBuffer struct {
	mutex    sync.Mutex
	slots    []Line
	next     int // slot the next append writes to
	count    int
	appended uint64
}

func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		slots: make([]Line, capacity),
	}
}

// Append stores text tagged with stream and the current time
func (rb *RingBuffer) Append(text string, stream Stream) {
	rb.AppendLine(Line{
		Text:      text,
		Stream:    stream,
		Timestamp: time.Now(),
	})
}

// AppendLine stores line, assigning its sequence number. Any Seq set by the
// caller is overwritten.
func (rb *RingBuffer) AppendLine(line Line) {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}

	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.appended++
	line.Seq = rb.appended
	rb.slots[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.slots)
	if rb.count < len(rb.slots) {
		rb.count++
	}
}

// ReadLast returns the n most recent lines, oldest first. n <= 0 returns every
// retained line.
func (rb *RingBuffer) ReadLast(n int) []Line {
	lines := rb.snapshot()
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func (rb *RingBuffer) Len() int {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	return rb.count
}

func (rb *RingBuffer) Capacity() int {
	return len(rb.slots)
}

// TotalAppended counts every line ever appended, including overwritten ones
func (rb *RingBuffer) TotalAppended() uint64 {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()
	return rb.appended
}

// Clear drops retained lines. Sequence numbers keep increasing.
func (rb *RingBuffer) Clear() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	for i := range rb.slots {
		rb.slots[i] = Line{}
	}
	rb.next = 0
	rb.count = 0
}

// snapshot copies the occupied slots in chronological order. The copy is the
// only work done under the lock, so appenders are never held up by a scan.
func (rb *RingBuffer) snapshot() []Line {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	lines := make([]Line, rb.count)
	start := (rb.next - rb.count + len(rb.slots)) % len(rb.slots)
	first := copy(lines, rb.slots[start:min(start+rb.count, len(rb.slots))])
	copy(lines[first:], rb.slots[:rb.count-first])
	return lines
}
