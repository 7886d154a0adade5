package conio

import (
	"context"
)

// coContextKey is the context key under which a Co is stored.
type coContextKey struct{}

func withCoContext(ctx context.Context, co *Co) context.Context {
	return context.WithValue(ctx, coContextKey{}, co)
}

// CoFromContext returns the coroutine a context was derived from.
func CoFromContext(ctx context.Context) (*Co, bool) {
	co, ok := ctx.Value(coContextKey{}).(*Co)
	return co, ok
}

// MustCoFromContext is like CoFromContext but panics when ctx does
// not belong to a coroutine.
func MustCoFromContext(ctx context.Context) *Co {
	co, ok := CoFromContext(ctx)
	if !ok {
		panic("conio: coroutine not found in context")
	}
	return co
}
