package conio

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
)

// waiter is one coroutine parked in a waitQueue.
type waiter struct {
	co    *Co
	done  bool         // woken or timed out
	timer *clock.Timer // pending expiry, if any
}

// waitQueue is a FIFO of parked coroutines. Entries that expire are
// flagged and skipped lazily when the queue is popped.
type waitQueue struct {
	noCopy noCopy
	w      deque.Deque[*waiter]
	n      int
}

// wait parks co at the back of the queue. With timeout > 0 the
// coroutine is resumed with expired once timeout elapses without a
// wakeup.
func (q *waitQueue) wait(co *Co, timeout time.Duration, expired error) wake {
	g := co.group
	w := &waiter{co: co}
	q.w.PushBack(w)
	q.n++

	if timeout > 0 {
		w.timer = g.clock.AfterFunc(timeout, func() {
			g.post(resultFunc(func() {
				if w.done {
					return
				}
				w.done = true
				q.n--
				g.wake(co, wake{err: expired})
			}))
		})
	}

	v := co.park()
	if !w.done {
		// woken by something other than the queue, e.g. teardown
		w.done = true
		q.n--
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	return v
}

// wakeOne resumes the oldest live waiter with v. It reports whether a
// waiter was found.
func (q *waitQueue) wakeOne(v wake) bool {
	w := q.pop()
	if w == nil {
		return false
	}
	q.release(w, v)
	return true
}

// pop removes the oldest live waiter without waking it.
func (q *waitQueue) pop() *waiter {
	for q.w.Len() > 0 {
		if w := q.w.PopFront(); !w.done {
			return w
		}
	}
	return nil
}

// wakeAll resumes every live waiter with v, oldest first.
func (q *waitQueue) wakeAll(v wake) {
	for q.wakeOne(v) {
	}
}

func (q *waitQueue) release(w *waiter, v wake) {
	w.done = true
	q.n--
	if w.timer != nil {
		w.timer.Stop()
	}
	w.co.group.wake(w.co, v)
}

// len returns the number of coroutines still waiting.
func (q *waitQueue) len() int {
	return q.n
}
