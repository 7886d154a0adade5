package conio

// Mutex provides mutual exclusion between coroutines of one Group.
// A coroutine that finds the mutex held parks until the holder
// unlocks it; ownership is handed to waiters in FIFO order.
type Mutex struct {
	noCopy noCopy
	owner  *Co
	q      waitQueue
}

// Lock acquires m for co, parking co while another coroutine holds
// it. It only fails when the Group stops while co is waiting.
func (m *Mutex) Lock(co *Co) error {
	if m.owner == nil {
		m.owner = co
		return nil
	}

	w := m.q.wait(co, 0, nil)
	return w.err
}

// TryLock acquires m for co if it is free.
func (m *Mutex) TryLock(co *Co) bool {
	if m.owner != nil {
		return false
	}
	m.owner = co
	return true
}

// Unlock releases m and hands it to the oldest waiter, if any.
func (m *Mutex) Unlock() {
	if m.owner == nil {
		panic("conio: unlock of unlocked mutex")
	}

	m.owner = nil
	if w := m.q.pop(); w != nil {
		m.owner = w.co
		m.q.release(w, wake{})
	}
}

// WaitCount returns the number of coroutines waiting for m.
func (m *Mutex) WaitCount() int {
	return m.q.len()
}
