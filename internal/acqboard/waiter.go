package acqboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Waiter is a signal plus a single value slot used to hand one reply from
// the listener to one blocked caller.
//
// A fresh Waiter is signaled (idle). The issuing side calls Clear before
// sending its request, then Wait. The listener calls Deliver or Fail, which
// stores the result and signals. A Waiter must be cleared before each new
// request, otherwise Wait returns the previous result immediately.
type Waiter[T any] struct {
	mu    sync.Mutex
	ready chan struct{}
	value T
	err   error

	signals atomic.Uint64
}

// NewWaiter returns a signaled Waiter with a zero value.
func NewWaiter[T any]() *Waiter[T] {
	ready := make(chan struct{})
	close(ready)
	return &Waiter[T]{ready: ready}
}

// Clear resets the Waiter to busy so the next Wait blocks until a delivery.
func (w *Waiter[T]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.ready:
		w.ready = make(chan struct{})
	default:
	}
	var zero T
	w.value = zero
	w.err = nil
}

// Deliver stores value and signals. It reports whether this call moved the
// Waiter from busy to signaled; a delivery to an idle Waiter only replaces
// the stored value.
func (w *Waiter[T]) Deliver(value T) bool {
	return w.complete(value, nil)
}

// Fail signals the Waiter with an error instead of a value.
func (w *Waiter[T]) Fail(err error) bool {
	var zero T
	return w.complete(zero, err)
}

func (w *Waiter[T]) complete(value T, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.value = value
	w.err = err

	select {
	case <-w.ready:
		return false
	default:
		close(w.ready)
		w.signals.Add(1)
		return true
	}
}

// Wait blocks until the Waiter is signaled, ctx is done, or dead is closed.
//
// A context deadline is reported as ErrTimeout; cancellation returns the
// context error. A closed dead channel means no reply can ever arrive and
// is reported as ErrNotConnected.
func (w *Waiter[T]) Wait(ctx context.Context, dead <-chan struct{}) (T, error) {
	w.mu.Lock()
	ready := w.ready
	w.mu.Unlock()

	var zero T
	select {
	case <-ready:
	case <-ctx.Done():
		return zero, waitError(ctx)
	case <-dead:
		// A reply may have raced the listener shutdown.
		select {
		case <-ready:
		default:
			return zero, ErrNotConnected
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.err
}

// Signaled reports whether the Waiter is currently idle.
func (w *Waiter[T]) Signaled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// Signals returns how many busy→signaled transitions have happened.
func (w *Waiter[T]) Signals() uint64 {
	return w.signals.Load()
}

// waitError maps a finished context to the error a blocked caller sees:
// ErrTimeout for an expired deadline, the context error otherwise.
func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
