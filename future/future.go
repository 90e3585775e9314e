// Package future provides a result handle that settles exactly once.
package future

import (
	"context"
	"sync"
)

// Future holds the eventual result of an asynchronous operation.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Settled returns a future that is already settled with v and err.
func Settled[T any](v T, err error) *Future[T] {
	f := New[T]()
	f.Settle(v, err)
	return f
}

// Settle stores the result. Only the first call has an effect; it reports
// whether this call settled the future.
func (f *Future[T]) Settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsSettled reports whether a result is available.
func (f *Future[T]) IsSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done. A done context does
// not settle the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
