// Package inflight coalesces concurrent work for the same key so only one
// caller (the owner) performs it and every other caller shares the outcome.
package inflight

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group is safe for concurrent use. The zero value is not usable; use New.
type Group[T any] struct {
	g singleflight.Group
}

func New[T any]() *Group[T] {
	return &Group[T]{}
}

// Flight is the owner's handle on a registered call. Waiters attached to the
// key stay blocked until the owner Runs it.
type Flight[T any] struct {
	key   string
	fn    func(context.Context) (T, error)
	owned chan struct{}
	out   chan outcome[T]
	res   <-chan singleflight.Result
	once  sync.Once
}

type outcome[T any] struct {
	v   T
	err error
}

// Join registers the caller for key. Registration and removal of a key are
// atomic: the first caller gets a *Flight and owns fn, a later caller attaches
// to the running call and blocks until it resolves.
//
// A waiter whose ctx ends stops waiting and gets ctx.Err(). A caller that gives
// up before learning it owns the call still has fn run for whoever attached.
func (g *Group[T]) Join(ctx context.Context, key string, fn func(context.Context) (T, error)) (*Flight[T], T, error) {
	f := &Flight[T]{key: key, fn: fn, owned: make(chan struct{}), out: make(chan outcome[T], 1)}
	f.res = g.g.DoChan(key, func() (any, error) {
		close(f.owned)
		o := <-f.out
		return o.v, o.err
	})

	var zero T
	select {
	case <-f.owned:
		return f, zero, nil
	case r := <-f.res:
		v, err := unpack[T](r)
		return nil, v, err
	case <-ctx.Done():
	}
	select {
	case <-f.owned:
		return f, zero, nil
	default:
	}
	go func() {
		select {
		case <-f.owned:
			f.start(ctx)
		case <-f.res:
		}
	}()
	return nil, zero, ctx.Err()
}

// Run starts fn on a context detached from ctx and waits for the shared result.
// An owner whose ctx ends gets ctx.Err(); fn keeps running for the waiters.
func (f *Flight[T]) Run(ctx context.Context) (T, error) {
	f.start(ctx)
	select {
	case r := <-f.res:
		return unpack[T](r)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Flight[T]) start(ctx context.Context) {
	f.once.Do(func() {
		dctx := context.WithoutCancel(ctx)
		go func() {
			var o outcome[T]
			defer func() {
				if p := recover(); p != nil {
					o = outcome[T]{err: fmt.Errorf("inflight %q: panic: %v", f.key, p)}
				}
				f.out <- o
			}()
			o.v, o.err = f.fn(dctx)
		}()
	})
}

// Do is Join followed by Run for the owner.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, owner bool, err error) {
	f, v, err := g.Join(ctx, key, fn)
	if f == nil {
		return v, false, err
	}
	v, err = f.Run(ctx)
	return v, true, err
}

func unpack[T any](r singleflight.Result) (T, error) {
	if r.Err != nil {
		var zero T
		return zero, r.Err
	}
	v, _ := r.Val.(T)
	return v, nil
}
