// Package loadgroup deduplicates concurrent loads of the same key so that a
// thundering herd of goroutines requesting the same missing tensor or
// expert triggers exactly one load; the rest wait for its result.
//
// Adapted from the teacher's pkg/loader.go singleflight wrapper, generalized
// from a cache-internal helper parameterized over the cache's K/V into a
// standalone package any loader (expert cache, tensor loader, manifest
// fetch) can share.
// © 2025 moe-engine authors. MIT License.
package loadgroup

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Func loads the value for one key. The key is captured by the closure;
// only its 64-bit hash is passed to Do, for deduplication.
type Func[V any] func(ctx context.Context) (V, error)

// Result is the outcome of an asynchronous load.
type Result[V any] struct {
	Value  V
	Err    error
	Shared bool
}

// Group deduplicates loads keyed by a uint64 hash (callers already compute
// hashes for their domain keys — e.g. tensorcache.ExpertKey.Hash()).
type Group[V any] struct {
	g singleflight.Group
}

// New constructs an empty Group.
func New[V any]() *Group[V] { return &Group[V]{} }

// Do executes fn exactly once for the given key hash across all concurrent
// callers; every waiter receives the same value/error.
func (g *Group[V]) Do(ctx context.Context, keyHash uint64, fn Func[V]) (val V, err error, shared bool) {
	k := strconv.FormatUint(keyHash, 16)
	res, err, shared := g.g.Do(k, func() (any, error) {
		return fn(ctx)
	})
	if ctx.Err() != nil {
		return val, ctx.Err(), shared
	}
	if err != nil {
		return val, err, shared
	}
	return res.(V), nil, shared
}

// DoChan is the asynchronous counterpart, delivering a Result on a channel.
func (g *Group[V]) DoChan(ctx context.Context, keyHash uint64, fn Func[V]) <-chan Result[V] {
	out := make(chan Result[V], 1)
	k := strconv.FormatUint(keyHash, 16)

	ch := g.g.DoChan(k, func() (any, error) {
		return fn(context.Background())
	})

	go func() {
		defer close(out)
		select {
		case res := <-ch:
			if res.Err != nil {
				out <- Result[V]{Err: res.Err, Shared: res.Shared}
				return
			}
			out <- Result[V]{Value: res.Val.(V), Shared: res.Shared}
		case <-ctx.Done():
			var zero V
			out <- Result[V]{Value: zero, Err: ctx.Err()}
		}
	}()
	return out
}
