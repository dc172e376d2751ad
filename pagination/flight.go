package pagination

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type flightCall[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// flightGroup deduplicates concurrent computations of the same key: the
// first caller runs fn, later callers for the key wait and share the
// leader's result.
type flightGroup[T any] struct {
	calls *xsync.MapOf[string, *flightCall[T]]
}

func newFlightGroup[T any]() *flightGroup[T] {
	return &flightGroup[T]{calls: xsync.NewMapOf[string, *flightCall[T]]()}
}

// Do runs fn once per key across concurrent callers. shared reports whether
// the caller received another caller's result. A waiting caller still
// honors its own context.
func (g *flightGroup[T]) Do(ctx context.Context, key string, fn func() (T, error)) (val T, shared bool, err error) {
	call := &flightCall[T]{done: make(chan struct{})}
	existing, loaded := g.calls.LoadOrStore(key, call)
	if loaded {
		select {
		case <-existing.done:
			return existing.val, true, existing.err
		case <-ctx.Done():
			return val, true, ctx.Err()
		}
	}
	call.val, call.err = fn()
	g.calls.Delete(key)
	close(call.done)
	return call.val, false, call.err
}
