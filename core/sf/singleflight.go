package sf

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent calls with the same key. Only the first
// caller runs fn; the others wait for it and share its result.
type Group[T any] struct {
	group singleflight.Group
}

func New[T any]() *Group[T] { return &Group[T]{} }

// Do runs fn for key unless a call for key is already in flight. shared
// reports whether the result was handed to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	return out.(T), shared, nil
}

// DoContext is like Do, but fn runs under a context that no single caller
// can cancel and that ends after timeout. A caller whose ctx is done stops
// waiting while the call goes on for the others.
func (g *Group[T]) DoContext(
	ctx context.Context,
	key string,
	timeout time.Duration,
	fn func(context.Context) (T, error),
) (v T, shared bool, err error) {
	ch := g.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	}
}

// Forget drops key so the next Do runs fn again even if a call is in flight.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }
