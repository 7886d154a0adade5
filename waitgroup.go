package conio

// WaitGroup waits for a collection of coroutines to finish. It is
// the coroutine counterpart of sync.WaitGroup and must only be used
// by coroutines of a single Group.
type WaitGroup struct {
	noCopy noCopy
	v      int
	q      waitQueue
}

// Add adds delta to the counter. When the counter drops to zero every
// waiting coroutine is resumed. A negative counter panics.
func (wg *WaitGroup) Add(delta int) {
	wg.v += delta

	if wg.v < 0 {
		panic("conio: negative WaitGroup counter")
	}

	if wg.v == 0 {
		wg.q.wakeAll(wake{})
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait parks co until the counter is zero. It returns immediately if
// the counter already is.
func (wg *WaitGroup) Wait(co *Co) error {
	if wg.v == 0 {
		return nil
	}

	w := wg.q.wait(co, 0, nil)
	return w.err
}
