// Package boundedlock provides a mutex whose acquisition is bounded by a context.
package boundedlock

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
)

// Mutex is a non-reentrant lock that can give up waiting when ctx ends
type Mutex struct {
	name string
	sem  *semaphore.Weighted
}

func New(name string) *Mutex {
	return &Mutex{
		name: name,
		sem:  semaphore.NewWeighted(1),
	}
}

// Lock waits until the lock is held or ctx ends. On failure the returned error is
// a Timeout or Cancelled domain error and the lock is not held.
func (m *Mutex) Lock(ctx context.Context) error {
	// Acquire may succeed on an already-expired ctx when the lock is free; check first
	if err := errors.FromContext(ctx, "acquire "+m.name+" lock"); err != nil {
		return err
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		if ctxErr := errors.FromContext(ctx, "acquire "+m.name+" lock"); ctxErr != nil {
			return ctxErr
		}
		return errors.NewInternalError("failed to acquire "+m.name+" lock", err)
	}
	return nil
}

// TryLock acquires without waiting
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

func (m *Mutex) Unlock() {
	m.sem.Release(1)
}
