package conio

import "context"

// ErrGroup runs child coroutines of one parent and collects the first
// error any of them returns.
type ErrGroup struct {
	co     *Co                     // parent that spawns and waits
	ctx    context.Context         // cancelled with the first error
	cancel context.CancelCauseFunc // cancels ctx
	wg     WaitGroup               // tracks running children
	err    error                   // first error
}

// ErrGroup returns an empty ErrGroup whose children are spawned by co.
func (co *Co) ErrGroup() *ErrGroup {
	ctx, cancel := context.WithCancelCause(co.ctx)
	return &ErrGroup{co: co, ctx: ctx, cancel: cancel}
}

// Context is cancelled, with the error as cause, once a child fails
// or Wait returns.
func (eg *ErrGroup) Context() context.Context {
	return eg.ctx
}

// Go spawns fn as a child coroutine. It runs until it first parks
// before Go returns.
func (eg *ErrGroup) Go(name string, fn func(*Co) error) {
	eg.wg.Add(1)
	eg.co.Spawn(name, func(co *Co) {
		defer eg.wg.Done()
		if err := fn(co); err != nil && eg.err == nil {
			eg.err = err
			eg.cancel(err)
		}
	})
}

// Wait parks the parent until every child has returned and reports
// the first error.
func (eg *ErrGroup) Wait() error {
	if err := eg.wg.Wait(eg.co); err != nil && eg.err == nil {
		eg.err = err
	}
	eg.cancel(eg.err)
	return eg.err
}
