// Package async provides a one-shot, externally completable future used to
// hand results across queue boundaries.
package async

import (
	"context"
	"sync"
)

// Deferred is a promise-like handle whose completion is triggered by code
// other than its creator. It is backed by a closed channel rather than
// callbacks; the first Resolve or Reject wins and later completions are
// no-ops.
type Deferred[T any] struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	value   T
	err     error
	settled bool
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{
		done: make(chan struct{}),
	}
}

// Resolved returns a Deferred already completed with value.
func Resolved[T any](value T) *Deferred[T] {
	d := NewDeferred[T]()
	d.Resolve(value)
	return d
}

// Rejected returns a Deferred already completed with err.
func Rejected[T any](err error) *Deferred[T] {
	d := NewDeferred[T]()
	d.Reject(err)
	return d
}

func (d *Deferred[T]) Resolve(value T) bool {
	settled := false
	d.once.Do(func() {
		d.mu.Lock()
		d.value = value
		d.settled = true
		d.mu.Unlock()
		close(d.done)
		settled = true
	})
	return settled
}

func (d *Deferred[T]) Reject(err error) bool {
	settled := false
	d.once.Do(func() {
		d.mu.Lock()
		d.err = err
		d.settled = true
		d.mu.Unlock()
		close(d.done)
		settled = true
	})
	return settled
}

// Done is closed once the deferred has been resolved or rejected.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Settled reports whether the deferred has completed, without blocking.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Result returns the completion value and error. It must only be called after
// Done is closed; Wait is the blocking form.
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err
}

// Wait blocks until the deferred completes or ctx is cancelled.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
