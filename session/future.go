package session

import (
	"context"
	"sync"
)

// Future is the result of a computation running in the background.
type Future[T any] struct {
	// Concurrently accessed by computation function and user code
	done   chan struct{}
	cancel context.CancelFunc

	// Written once, before done is closed
	res T

	mu        sync.Mutex
	callbacks []func(T)
}

// Immediate returns a future that is already done.
func Immediate[T any](value T) *Future[T] {
	ft := &Future[T]{
		done:   make(chan struct{}),
		cancel: func() {},
		res:    value,
	}
	close(ft.done)
	return ft
}

// NewFuture runs fn in a new goroutine. The context passed to fn is cancelled by Cancel.
func NewFuture[T any](ctx context.Context, fn func(ctx context.Context) T) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	ft := &Future[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		res := fn(ctx)

		ft.mu.Lock()
		ft.res = res
		close(ft.done)
		cbs := ft.callbacks
		ft.callbacks = nil
		ft.mu.Unlock()

		for _, cb := range cbs {
			cb(res)
		}
	}()
	return ft
}

// Cancel asks the computation to stop. The future still completes, with whatever the computation returns
// after noticing the cancellation.
func (ft *Future[T]) Cancel() { ft.cancel() }

// Done returns a channel that is closed once the result is available.
func (ft *Future[T]) Done() <-chan struct{} { return ft.done }

// Result returns the result if it is available, without blocking.
func (ft *Future[T]) Result() (T, bool) {
	select {
	case <-ft.done:
		return ft.res, true
	default:
		return *new(T), false
	}
}

// Wait blocks until the result is available or ctx is done.
func (ft *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ft.done:
		return ft.res, nil
	case <-ctx.Done():
		return *new(T), ctx.Err()
	}
}

// Then arranges for fn to be called with the result. If the result is already available, fn is called
// immediately, otherwise it is called on the computation's goroutine.
func (ft *Future[T]) Then(fn func(T)) {
	ft.mu.Lock()
	select {
	case <-ft.done:
		ft.mu.Unlock()
		fn(ft.res)
	default:
		ft.callbacks = append(ft.callbacks, fn)
		ft.mu.Unlock()
	}
}
