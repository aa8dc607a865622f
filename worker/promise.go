package worker

import (
	"context"
	"sync/atomic"

	"github.com/BaSui01/envbatch/types"
)

// Promise is the deferred result of a dispatched request. It may be awaited
// exactly once; the first Await performs the receive and a second one fails
// with ErrPromiseConsumed.
type Promise[T any] struct {
	consumed atomic.Bool
	await    func(ctx context.Context) (T, error)
}

func newPromise[T any](await func(ctx context.Context) (T, error)) *Promise[T] {
	return &Promise[T]{await: await}
}

// Resolved returns a promise that is already settled with v and err.
func Resolved[T any](v T, err error) *Promise[T] {
	return newPromise(func(context.Context) (T, error) { return v, err })
}

// Rejected returns a promise that is already settled with err.
func Rejected[T any](err error) *Promise[T] {
	var zero T
	return Resolved(zero, err)
}

// Await blocks until the result is available.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if !p.consumed.CompareAndSwap(false, true) {
		return zero, types.NewError(types.ErrPromiseConsumed, "promise already awaited")
	}
	return p.await(ctx)
}

// Consumed reports whether Await has been called.
func (p *Promise[T]) Consumed() bool {
	return p.consumed.Load()
}

// Then chains f onto p. Awaiting the returned promise consumes p.
func Then[A, B any](p *Promise[A], f func(A) (B, error)) *Promise[B] {
	return newPromise(func(ctx context.Context) (B, error) {
		a, err := p.Await(ctx)
		if err != nil {
			var zero B
			return zero, err
		}
		return f(a)
	})
}
