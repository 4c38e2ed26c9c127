// Package async runs blocking work on worker goroutines and hands back futures.
package async

import (
	"context"
)

// Future is the eventual result of a background call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go starts fn on its own goroutine. fn receives a context detached from the
// caller's cancellation so a started write always runs to completion.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(f.done)
		f.val, f.err = fn(wctx)
	}()
	return f
}

// Run is Go for calls that only return an error.
func Run(ctx context.Context, fn func(context.Context) error) *Future[struct{}] {
	return Go(ctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
}

// Resolved returns an already completed future.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: v, err: err}
	close(f.done)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the call finishes.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.val, f.err
}

// Then registers fn to run with the result on a new goroutine once resolved.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.val, f.err)
	}()
}
