package conio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// ScheduledFuture is a Future driven by the Group clock. Every firing
// runs the scheduled function in a fresh coroutine of the Group. A
// periodic ScheduledFuture re-arms itself after each firing until it
// is cancelled; a one-shot one resolves when its function returns.
type ScheduledFuture struct {
	*Future[struct{}]

	group     *Group
	name      string
	fn        func(*Co)
	period    time.Duration
	cancelled atomic.Bool
	firings   atomic.Int64

	mu    sync.Mutex
	timer *clock.Timer
	next  time.Time
}

// Schedule runs fn in a new coroutine after delay and, when period is
// positive, every period after that. It is safe to call from any
// goroutine.
func (g *Group) Schedule(name string, delay, period time.Duration, fn func(*Co)) (*ScheduledFuture, error) {
	if err := g.acceptingWork(); err != nil {
		return nil, err
	}

	sf := &ScheduledFuture{
		Future: NewFuture[struct{}](),
		group:  g,
		name:   name,
		fn:     fn,
		period: period,
	}
	sf.arm(delay)
	return sf, nil
}

func (sf *ScheduledFuture) arm(d time.Duration) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.cancelled.Load() {
		return
	}

	g := sf.group
	sf.next = g.clock.Now().Add(d)
	sf.timer = g.clock.AfterFunc(d, func() {
		g.post(resultFunc(sf.fire))
	})
}

func (sf *ScheduledFuture) fire() {
	if sf.cancelled.Load() {
		return
	}

	sf.firings.Add(1)
	if sf.period > 0 {
		sf.arm(sf.period)
	}

	sf.group.spawn(sf.name, func(co *Co) {
		sf.fn(co)
		if sf.period <= 0 {
			sf.Complete(struct{}{}, nil)
		}
	}, nil)
}

// Cancel stops future firings. A firing that is already running is
// not interrupted. The Future resolves with ErrCancelled. Cancel
// reports whether this call did the cancellation.
func (sf *ScheduledFuture) Cancel() bool {
	if !sf.cancelled.CompareAndSwap(false, true) {
		return false
	}

	sf.mu.Lock()
	if sf.timer != nil {
		sf.timer.Stop()
	}
	sf.mu.Unlock()

	sf.group.post(resultFunc(func() {
		sf.Complete(struct{}{}, ErrCancelled)
	}))
	return true
}

// IsCancelled reports whether Cancel was called.
func (sf *ScheduledFuture) IsCancelled() bool {
	return sf.cancelled.Load()
}

// Delay returns the time left until the next firing, or zero once
// cancelled or overdue.
func (sf *ScheduledFuture) Delay() time.Duration {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.cancelled.Load() {
		return 0
	}
	if d := sf.next.Sub(sf.group.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Firings returns how many times the schedule has fired.
func (sf *ScheduledFuture) Firings() int64 {
	return sf.firings.Load()
}
