// Package completion hands a single result from the goroutine that produced
// it to the goroutine waiting for it.
//
// New returns a write-once Handle for the producer and a Waiter for the
// consumer. The producer never blocks and never runs consumer code: the result
// is parked in a one-slot buffer and the waiter picks it up on its own
// goroutine.
package completion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrAlreadyObserved = errors.New("completion result already observed")

type result[T any] struct {
	value T
	err   error
}

// Handle is the producer side. A nil *Handle is valid and discards results,
// so fire-and-forget work can carry no handle at all.
type Handle[T any] struct {
	once sync.Once
	ch   chan result[T]
}

// Waiter is the consumer side.
type Waiter[T any] struct {
	ch       <-chan result[T]
	observed atomic.Bool
}

func New[T any]() (*Handle[T], *Waiter[T]) {
	ch := make(chan result[T], 1)
	return &Handle[T]{ch: ch}, &Waiter[T]{ch: ch}
}

// Resolve delivers a success value. It reports false if the handle was
// already resolved.
func (h *Handle[T]) Resolve(value T) bool {
	return h.deliver(result[T]{value: value})
}

// Reject delivers a failure. A nil err is replaced so the waiter always sees
// a failure.
func (h *Handle[T]) Reject(err error) bool {
	if err == nil {
		err = errors.New("completion rejected")
	}
	return h.deliver(result[T]{err: err})
}

func (h *Handle[T]) deliver(r result[T]) bool {
	if h == nil {
		return false
	}
	delivered := false
	h.once.Do(func() {
		h.ch <- r
		delivered = true
	})
	return delivered
}

// Wait blocks until the handle is resolved or ctx is done. A rejected handle
// surfaces as the returned error. Once a result has been returned, later
// calls fail with ErrAlreadyObserved.
func (w *Waiter[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	if w.observed.Load() {
		return zero, ErrAlreadyObserved
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-w.ch:
		w.observed.Store(true)
		return r.value, r.err
	}
}
