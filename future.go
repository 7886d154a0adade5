package conio

// Future is a single-assignment value-or-error cell. Coroutines park
// on it with Get; plain callbacks observe it with AddListener.
//
// A Future belongs to the Group of the coroutines that use it and
// must only be touched on that Group's loop goroutine.
type Future[V any] struct {
	noCopy    noCopy
	done      bool
	val       V
	err       error
	listeners []func(V, error)
	waiters   waitQueue
}

// NewFuture returns an unresolved Future.
func NewFuture[V any]() *Future[V] {
	return new(Future[V])
}

// ResolvedFuture returns a Future already resolved with v and err.
func ResolvedFuture[V any](v V, err error) *Future[V] {
	f := NewFuture[V]()
	f.Complete(v, err)
	return f
}

// Get returns the resolved value. If the Future is still pending, co
// parks until Complete is called; concurrent Gets resume in the order
// they were issued.
func (f *Future[V]) Get(co *Co) (V, error) {
	if f.done {
		return f.val, f.err
	}

	var z V
	if !inGroup(co) {
		return z, ErrNotInGroup
	}

	w := f.waiters.wait(co, 0, nil)
	if !f.done {
		return z, w.err
	}
	return f.val, f.err
}

// AddListener registers fn to be called with the resolution. If the
// Future is already resolved fn is called immediately.
func (f *Future[V]) AddListener(fn func(V, error)) {
	if f.done {
		fn(f.val, f.err)
		return
	}
	f.listeners = append(f.listeners, fn)
}

// Complete resolves the Future. Listeners run first, in registration
// order, then parked coroutines are queued for resumption in the
// order they called Get. Only the first call has any effect.
func (f *Future[V]) Complete(v V, err error) bool {
	if f.done {
		return false
	}

	f.done = true
	f.val, f.err = v, err

	listeners := f.listeners
	f.listeners = nil
	for _, fn := range listeners {
		fn(v, err)
	}

	f.waiters.wakeAll(wake{})
	return true
}

// IsDone reports whether the Future is resolved.
func (f *Future[V]) IsDone() bool {
	return f.done
}

// Waiting returns the number of coroutines parked in Get.
func (f *Future[V]) Waiting() int {
	return f.waiters.len()
}

func inGroup(co *Co) bool {
	return co != nil && co.group.InGroup(co)
}
