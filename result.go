package conio

import (
	"io"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// result is a completion record handed to the loop goroutine. handle
// runs exactly once, on the loop goroutine, in enqueue order.
type result interface {
	handle()
}

type resultFunc func()

func (f resultFunc) handle() { f() }

// ioResult carries the outcome of one asynchronous operation back to
// the coroutine that issued it.
type ioResult struct {
	co  *Co
	val any
	err error
}

func (r *ioResult) handle() {
	if !r.co.group.wake(r.co, wake{val: r.val, err: r.err}) {
		closeValue(r.val)
	}
}

// discard releases whatever resource an undelivered result carries.
func discard(r result) {
	if ir, ok := r.(*ioResult); ok {
		closeValue(ir.val)
	}
}

func closeValue(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// resultQueue is the only structure shared between the loop
// goroutine and the rest of the process. Producers push from any
// goroutine; the loop pops.
type resultQueue struct {
	mu     sync.Mutex
	q      deque.Deque[result]
	closed bool
	notify chan struct{}
	wakeup func()
}

func newResultQueue() *resultQueue {
	return &resultQueue{notify: make(chan struct{}, 1)}
}

// push enqueues r. It reports false once the queue was closed.
func (rq *resultQueue) push(r result) bool {
	rq.mu.Lock()
	if rq.closed {
		rq.mu.Unlock()
		return false
	}
	rq.q.PushBack(r)
	if rq.wakeup != nil {
		rq.wakeup()
	}
	rq.mu.Unlock()

	select {
	case rq.notify <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the oldest result without blocking.
func (rq *resultQueue) pop() (result, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	if rq.q.Len() == 0 {
		return nil, false
	}
	return rq.q.PopFront(), true
}

// poll dequeues the oldest result, waiting up to timeout for one to
// arrive.
func (rq *resultQueue) poll(timeout time.Duration) (result, bool) {
	if r, ok := rq.pop(); ok {
		return r, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rq.notify:
	case <-timer.C:
	}
	return rq.pop()
}

// wake unblocks a pending poll without enqueueing anything.
func (rq *resultQueue) wake() {
	select {
	case rq.notify <- struct{}{}:
	default:
	}
	rq.mu.Lock()
	if rq.wakeup != nil {
		rq.wakeup()
	}
	rq.mu.Unlock()
}

// close rejects further pushes and returns whatever was still
// queued. The wakeup hook is dropped under the lock, so its resources
// may be released once close returns.
func (rq *resultQueue) close() []result {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	rq.closed = true
	rq.wakeup = nil

	left := make([]result, 0, rq.q.Len())
	for rq.q.Len() > 0 {
		left = append(left, rq.q.PopFront())
	}
	return left
}

// setWakeup installs a hook called under the queue lock on every push,
// used by backends that block outside of poll.
func (rq *resultQueue) setWakeup(fn func()) {
	rq.mu.Lock()
	rq.wakeup = fn
	rq.mu.Unlock()
}
