package processhandler

import (
	"time"

	"github.com/core-tools/hsu-stdio-procman/pkg/ringbuffer"
)

const (
	DefaultMaxLineBytes      = 64 * 1024
	DefaultPartialLineFlush  = 100 * time.Millisecond
	DefaultKillGracePeriod   = 5 * time.Second
	DefaultReaderJoinTimeout = 2 * time.Second

	killReapWindow = 250 * time.Millisecond
)

// HandlerOptions tunes a single handler. Zero values take the defaults.
type HandlerOptions struct {
	// BufferCapacity is the number of lines retained per process
	BufferCapacity int

	// MaxLineBytes splits longer lines into several buffer entries
	MaxLineBytes int

	// PartialLineFlush is how long an unterminated line (e.g. a prompt) may sit
	// idle before it is stored as a line of its own
	PartialLineFlush time.Duration

	// KillGracePeriod is the wait between SIGTERM and SIGKILL
	KillGracePeriod time.Duration

	// ReaderJoinTimeout bounds the wait for reader routines during teardown
	ReaderJoinTimeout time.Duration
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = ringbuffer.DefaultCapacity
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.PartialLineFlush <= 0 {
		o.PartialLineFlush = DefaultPartialLineFlush
	}
	if o.KillGracePeriod <= 0 {
		o.KillGracePeriod = DefaultKillGracePeriod
	}
	if o.ReaderJoinTimeout <= 0 {
		o.ReaderJoinTimeout = DefaultReaderJoinTimeout
	}
	return o
}
