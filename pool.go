package conio

import (
	"sync/atomic"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// PriorityKey partitions the free channels of one destination.
// Partitions are a preference: an acquirer falls back to free
// channels of other partitions before it creates a new one.
type PriorityKey string

// SinglePriority is the partition used when callers do not
// distinguish channel classes.
const SinglePriority PriorityKey = "single"

// Pool keeps bounded per-destination sets of reusable client
// channels of one Group. At most MaxSize channels are open per
// destination; further acquirers wait in FIFO order. A released
// channel, or the capacity of a destroyed one, goes straight to the
// oldest waiter.
//
// Except for NewPool, every method must be called from a coroutine of
// the Pool's Group.
type Pool struct {
	noCopy noCopy

	cfg     PoolConfig
	group   *Group
	log     *zap.Logger
	metrics *poolMetrics

	closed    bool
	dests     map[string]*subPool
	heartbeat atomic.Pointer[ScheduledFuture]
	beat      Mutex
}

// PoolStats is a snapshot of one destination.
type PoolStats struct {
	Live    int
	Free    int
	Waiting int
}

// NewPool creates a Pool on g. A positive HeartbeatInterval schedules
// the heartbeat on g right away.
func NewPool(g *Group, cfg PoolConfig) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Registerer == nil {
		cfg.Registerer = g.cfg.Registerer
	}

	p := &Pool{
		cfg:     cfg,
		group:   g,
		log:     cfg.Logger.Named("pool").With(zap.String("pool", cfg.Name)),
		metrics: newPoolMetrics(cfg.Registerer, cfg.Name),
		dests:   make(map[string]*subPool),
	}

	if d := cfg.HeartbeatInterval; d > 0 {
		sf, err := g.Schedule(cfg.Name+"-heartbeat", d, d, p.heartbeatRun)
		if err != nil {
			return nil, err
		}
		p.heartbeat.Store(sf)
	}
	return p, nil
}

// Name returns the configured pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// IsClosed reports whether Close was called.
func (p *Pool) IsClosed() bool {
	return p.closed
}

// GetChannel acquires a channel to addr, preferring free channels of
// partition key. It parks co while the destination is at capacity;
// when a new channel has to be opened the returned Future resolves
// once the connection is established.
func (p *Pool) GetChannel(co *Co, addr string, key PriorityKey) *Future[*PooledChannel] {
	f := NewFuture[*PooledChannel]()
	if !inGroup(co) || co.group != p.group {
		f.Complete(nil, ErrNotInGroup)
		return f
	}
	if p.closed {
		p.metrics.acquire("closed")
		f.Complete(nil, ErrPoolClosed)
		return f
	}

	p.subPool(addr).get(co, key, f)
	return f
}

// Acquire is GetChannel followed by Get.
func (p *Pool) Acquire(co *Co, addr string, key PriorityKey) (*PooledChannel, error) {
	return p.GetChannel(co, addr, key).Get(co)
}

// Close destroys every free channel, fails all waiters with
// ErrPoolClosed and cancels the heartbeat. Channels still checked out
// are destroyed when they are released.
func (p *Pool) Close(co *Co) error {
	if !inGroup(co) || co.group != p.group {
		return ErrNotInGroup
	}
	if p.closed {
		return nil
	}
	p.closed = true

	if sf := p.heartbeat.Load(); sf != nil {
		sf.Cancel()
	}

	for _, sp := range p.dests {
		sp.close()
	}
	p.log.Info("pool closed")
	return nil
}

// Stats reports the state of destination addr.
func (p *Pool) Stats(co *Co, addr string) (PoolStats, error) {
	if !inGroup(co) || co.group != p.group {
		return PoolStats{}, ErrNotInGroup
	}
	sp, ok := p.dests[addr]
	if !ok {
		return PoolStats{}, nil
	}
	return PoolStats{
		Live:    sp.live,
		Free:    sp.free(),
		Waiting: sp.waiters.len(),
	}, nil
}

func (p *Pool) subPool(addr string) *subPool {
	sp, ok := p.dests[addr]
	if !ok {
		sp = &subPool{
			pool:  p,
			addr:  addr,
			parts: make(map[PriorityKey]*deque.Deque[*PooledChannel]),
		}
		p.dests[addr] = sp
	}
	return sp
}

// subPool holds the channels of one destination. live counts open
// channels, checked out or free, plus connects in flight.
type subPool struct {
	pool    *Pool
	addr    string
	parts   map[PriorityKey]*deque.Deque[*PooledChannel]
	keys    []PriorityKey
	live    int
	waiters waitQueue
}

func (sp *subPool) get(co *Co, key PriorityKey, f *Future[*PooledChannel]) {
	p := sp.pool
	for {
		if p.closed {
			p.metrics.acquire("closed")
			f.Complete(nil, ErrPoolClosed)
			return
		}

		if pc := sp.takeFree(key); pc != nil {
			pc.lastAccess = p.group.clock.Now()
			p.metrics.acquire("reused")
			f.Complete(pc, nil)
			return
		}

		if sp.live < p.cfg.MaxSize {
			sp.create(co, key, f)
			return
		}

		p.metrics.destination(sp.addr, sp.live, sp.waiters.len()+1)
		w := sp.waiters.wait(co, p.cfg.MaxWait, ErrPoolTimeout)
		sp.gauge()
		if w.err != nil {
			p.metrics.acquire("failed")
			f.Complete(nil, w.err)
			return
		}

		switch v := w.val.(type) {
		case *PooledChannel:
			if p.closed {
				_ = v.destroy()
				continue
			}
			v.lastAccess = p.group.clock.Now()
			p.metrics.acquire("reused")
			f.Complete(v, nil)
			return
		case slot:
			if p.closed {
				sp.live--
				sp.gauge()
				continue
			}
			sp.connect(co, key, f)
			return
		}
	}
}

// slot is handed to a waiter in place of a channel when capacity
// frees up. The slot stays counted in live; the waiter opens the
// channel itself.
type slot struct{}

// handOff gives v, a checked-out *PooledChannel or a slot, to the
// oldest waiter. It reports false when nobody is waiting or the pool
// is closed.
func (sp *subPool) handOff(v any) bool {
	if sp.pool.closed {
		return false
	}
	w := sp.waiters.pop()
	if w == nil {
		return false
	}
	sp.waiters.release(w, wake{val: v})
	return true
}

// releaseSlot gives up one unit of capacity, passing it to the oldest
// waiter if there is one.
func (sp *subPool) releaseSlot() {
	if !sp.handOff(slot{}) {
		sp.live--
	}
	sp.gauge()
}

// create reserves a slot and opens a new channel in it.
func (sp *subPool) create(co *Co, key PriorityKey, f *Future[*PooledChannel]) {
	sp.live++
	sp.gauge()
	sp.connect(co, key, f)
}

// connect opens a channel in an already reserved slot from a helper
// coroutine that resolves f.
func (sp *subPool) connect(co *Co, key PriorityKey, f *Future[*PooledChannel]) {
	p := sp.pool
	co.Spawn(p.cfg.Name+"-connect", func(cc *Co) {
		ch, err := p.group.Dial(cc, sp.addr)
		if err == nil && p.closed {
			_ = ch.Close()
			err = ErrPoolClosed
		}
		if err != nil {
			sp.releaseSlot()
			p.log.Warn("connect failed", zap.String("remote", sp.addr), zap.Error(err))
			p.metrics.acquire("failed")
			f.Complete(nil, err)
			return
		}

		pc := &PooledChannel{
			ch:         ch,
			sp:         sp,
			key:        key,
			lastAccess: p.group.clock.Now(),
		}
		p.log.Debug("channel created",
			zap.String("remote", sp.addr),
			zap.String("channel", ch.Name()),
			zap.String("key", string(key)))
		p.metrics.acquire("created")
		f.Complete(pc, nil)
	})
}

func (sp *subPool) part(key PriorityKey) *deque.Deque[*PooledChannel] {
	d, ok := sp.parts[key]
	if !ok {
		d = new(deque.Deque[*PooledChannel])
		sp.parts[key] = d
		sp.keys = append(sp.keys, key)
	}
	return d
}

// takeFree checks out a free channel of partition key, falling back
// to the other partitions in the order they were created.
func (sp *subPool) takeFree(key PriorityKey) *PooledChannel {
	if d, ok := sp.parts[key]; ok {
		if pc := sp.popFree(d); pc != nil {
			return pc
		}
	}
	for _, k := range sp.keys {
		if k == key {
			continue
		}
		if pc := sp.popFree(sp.parts[k]); pc != nil {
			return pc
		}
	}
	return nil
}

// popFree takes the oldest free channel of d, destroying the ones
// whose underlying channel closed while they sat in the pool.
func (sp *subPool) popFree(d *deque.Deque[*PooledChannel]) *PooledChannel {
	for d.Len() > 0 {
		pc := d.PopFront()
		pc.free = false
		if pc.ch.IsOpen() {
			return pc
		}
		_ = pc.destroy()
	}
	return nil
}

// evict removes a free channel from its partition without changing
// its state.
func (sp *subPool) evict(pc *PooledChannel) bool {
	d, ok := sp.parts[pc.key]
	if !ok {
		return false
	}
	i := d.Index(func(c *PooledChannel) bool { return c == pc })
	if i < 0 {
		return false
	}
	d.Remove(i)
	return true
}

func (sp *subPool) free() int {
	n := 0
	for _, d := range sp.parts {
		n += d.Len()
	}
	return n
}

func (sp *subPool) close() {
	for _, k := range sp.keys {
		d := sp.parts[k]
		for d.Len() > 0 {
			pc := d.PopFront()
			pc.free = false
			_ = pc.destroy()
		}
	}
	sp.waiters.wakeAll(wake{})
	sp.gauge()
}

func (sp *subPool) gauge() {
	sp.pool.metrics.destination(sp.addr, sp.live, sp.waiters.len())
}
