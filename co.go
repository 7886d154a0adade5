package conio

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"

	"github.com/webriots/coro"
)

const (
	coTraceRegionType = "conio-co"
	coTraceCategory   = "conio"
)

// wake is the value a parked coroutine is resumed with.
type wake struct {
	val any
	err error
}

// Co is a coroutine bound to a Group. It runs on the Group's loop
// goroutine and gives control back to the loop whenever it parks on
// an operation whose result is not yet available.
type Co struct {
	id      int
	name    string
	ctx     context.Context
	group   *Group
	parent  *Co
	suspend func() wake
	resume  func(wake) (struct{}, bool)
	cancel  func()
	done    bool
}

func newCo(g *Group, name string, fn func(*Co), parent *Co) *Co {
	g.coSeq++
	co := &Co{
		id:     g.coSeq,
		name:   name,
		group:  g,
		parent: parent,
	}

	ctx := g.ctx
	if parent != nil {
		ctx = parent.ctx
	}
	co.ctx = withCoContext(ctx, co)

	resume, cancel := coro.New(
		func(_ func(struct{}) wake, suspend func() wake) (z struct{}) {
			region := trace.StartRegion(co.ctx, coTraceRegionType)
			defer region.End()

			co.suspend = suspend
			fn(co)

			return
		},
	)

	co.resume = resume
	co.cancel = cancel
	return co
}

// ID returns the coroutine's sequence number within its Group.
func (co *Co) ID() int {
	return co.id
}

// Name returns the diagnostic name given at spawn time.
func (co *Co) Name() string {
	return co.name
}

// Group returns the Group the coroutine runs in.
func (co *Co) Group() *Group {
	return co.group
}

// Context returns the coroutine's context. CoFromContext recovers
// the coroutine from it.
func (co *Co) Context() context.Context {
	return co.ctx
}

// Spawn starts fn in a new child coroutine of the same Group. The
// child runs immediately until it first parks, then control returns
// to co.
func (co *Co) Spawn(name string, fn func(*Co)) *Co {
	co.Log("SPAWN " + name)
	return co.group.spawn(name, fn, co)
}

// Yield parks co and queues it behind every coroutine that is
// already runnable.
func (co *Co) Yield() {
	g := co.group
	if g.halted {
		return
	}
	g.parked[co] = struct{}{}
	g.wake(co, wake{})
	co.suspend()
}

func (co *Co) park() wake {
	g := co.group
	if g.halted {
		return wake{err: ErrGroupStopped}
	}

	co.Log("PARK")
	g.parked[co] = struct{}{}
	return co.suspend()
}

func (co *Co) run(w wake) {
	g := co.group
	co.Log("RUN")

	prev := g.current.Swap(co)
	_, ok := co.resume(w)
	g.current.Store(prev)

	if !ok {
		co.done = true
		g.retire(co)
	}
}

// Log records msg in the execution trace, prefixed by the
// coroutine's path. It is a no-op when tracing is disabled.
func (co *Co) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		copath(&sb, co)
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(co.ctx, coTraceCategory, sb.String())
	}
}

// Logf is the formatted variant of Log.
func (co *Co) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		copath(&sb, co)
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Log(co.ctx, coTraceCategory, sb.String())
	}
}

func (co *Co) String() string {
	return fmt.Sprintf("%s/%s#%d", co.group.Name(), co.name, co.id)
}

func copath(sb *strings.Builder, co *Co) {
	if co == nil {
		return
	}
	copath(sb, co.parent)
	fmt.Fprintf(sb, "%s#%d|", co.name, co.id)
}
