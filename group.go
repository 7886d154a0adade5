package conio

import (
	"context"
	"net"
	"runtime"
	"runtime/trace"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const groupTraceTaskType = "conio-group"

// haltRounds bounds how many times teardown wakes parked coroutines
// before it cancels the stragglers.
const haltRounds = 3

type readyCo struct {
	co *Co
	w  wake
}

// Group owns one loop goroutine and one I/O backend. Every coroutine,
// channel, Future and Pool of the Group is driven by that goroutine.
//
// Start, Shutdown, Await, Done, Connect, Go, Schedule and the state
// accessors may be called from any goroutine; everything else must be
// called from a coroutine running in the Group.
type Group struct {
	noCopy noCopy

	cfg     GroupConfig
	log     *zap.Logger
	clock   clock.Clock
	metrics *groupMetrics
	ctx     context.Context
	queue   *resultQueue

	started  atomic.Bool
	stopped  atomic.Bool
	shutdown atomic.Bool
	done     chan struct{}

	mu    sync.Mutex
	b     backend
	laddr net.Addr

	// Loop goroutine only.
	current  atomic.Pointer[Co]
	coSeq    int
	chanSeq  int
	halted   bool
	parked   map[*Co]struct{}
	live     map[*Co]struct{}
	ready    deque.Deque[readyCo]
	channels map[int]Channel
}

// NewGroup validates cfg and returns a Group that has not been
// started yet.
func NewGroup(cfg GroupConfig) (*Group, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Group{
		cfg:      cfg,
		log:      cfg.Logger.Named("group").With(zap.String("group", cfg.Name)),
		clock:    cfg.Clock,
		metrics:  newGroupMetrics(cfg.Registerer, cfg.Name),
		ctx:      context.Background(),
		queue:    newResultQueue(),
		done:     make(chan struct{}),
		parked:   make(map[*Co]struct{}),
		live:     make(map[*Co]struct{}),
		channels: make(map[int]Channel),
	}
	return g, nil
}

// Name returns the configured group name.
func (g *Group) Name() string {
	return g.cfg.Name
}

// Config returns the effective configuration.
func (g *Group) Config() GroupConfig {
	return g.cfg
}

// Clock returns the clock driving the Group's timers.
func (g *Group) Clock() clock.Clock {
	return g.clock
}

// Logger returns the Group's logger.
func (g *Group) Logger() *zap.Logger {
	return g.log
}

// Start boots the backend, binding the listener of a server group,
// and launches the loop goroutine. A Group can be started once.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shutdown.Load() {
		return ErrGroupStopped
	}
	if !g.started.CompareAndSwap(false, true) {
		return stateError("%s already started", g.Name())
	}

	b, err := newBackend(g)
	if err != nil {
		g.log.Error("backend start failed", zap.Error(err))
		g.shutdown.Store(true)
		g.stopped.Store(true)
		g.queue.close()
		close(g.done)
		return err
	}

	g.b = b
	g.laddr = b.addr()

	fields := []zap.Field{
		zap.Stringer("backend", b.kind()),
		zap.Bool("daemon", g.cfg.Daemon),
	}
	if g.laddr != nil {
		fields = append(fields, zap.Stringer("addr", g.laddr))
	}
	g.log.Info("group started", fields...)

	go g.run(b)
	return nil
}

// Shutdown asks the loop to stop accepting, finish the queued results
// and exit. It does not wait; see Await.
func (g *Group) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.shutdown.CompareAndSwap(false, true) {
		return
	}
	g.log.Info("group shutdown requested")

	if !g.started.Load() {
		g.stopped.Store(true)
		g.queue.close()
		close(g.done)
		return
	}
	g.queue.wake()
}

// Await blocks until the loop goroutine has exited, whether the Group
// stopped cleanly or because of a fatal backend failure.
func (g *Group) Await() {
	<-g.done
}

// Done is closed once the loop goroutine has exited.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

// IsStopped reports whether the loop goroutine has exited.
func (g *Group) IsStopped() bool {
	return g.stopped.Load()
}

// IsShutdown reports whether Shutdown was requested.
func (g *Group) IsShutdown() bool {
	return g.shutdown.Load()
}

// Addr returns the bound listener address, or nil for a client-only
// or unstarted group.
func (g *Group) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.laddr
}

// InGroup reports whether co is the coroutine currently running on
// this Group's loop.
func (g *Group) InGroup(co *Co) bool {
	return co != nil && co.group == g && g.current.Load() == co
}

func (g *Group) acceptingWork() error {
	if g.shutdown.Load() || g.stopped.Load() {
		return ErrGroupStopped
	}
	return nil
}

// Go runs fn in a new coroutine of the Group. It is safe to call from
// any goroutine.
func (g *Group) Go(name string, fn func(*Co)) error {
	if err := g.acceptingWork(); err != nil {
		return err
	}
	if !g.post(resultFunc(func() { g.spawn(name, fn, nil) })) {
		return ErrGroupStopped
	}
	return nil
}

// Connect opens a channel to addr from any goroutine. On success the
// initializer runs and h, or the handler the initializer attached,
// drives the channel; on failure h.Uncaught receives the cause.
func (g *Group) Connect(addr string, h Handler) error {
	if err := g.acceptingWork(); err != nil {
		return err
	}
	ok := g.post(resultFunc(func() {
		g.spawn("connect", func(co *Co) {
			_ = g.connect(co, addr, h)
		}, nil)
	}))
	if !ok {
		return ErrGroupStopped
	}
	return nil
}

// ConnectCo is the coroutine form of Connect: co parks until the
// connection is established and its handler coroutine has started.
// The connect failure is also returned to co.
func (g *Group) ConnectCo(co *Co, addr string, h Handler) error {
	if !g.InGroup(co) {
		return ErrNotInGroup
	}
	if err := g.acceptingWork(); err != nil {
		return err
	}
	return g.connect(co, addr, h)
}

// Dial opens a channel to addr and hands it to co without running
// the initializer. The caller owns the channel.
func (g *Group) Dial(co *Co, addr string) (Channel, error) {
	if !g.InGroup(co) {
		return nil, ErrNotInGroup
	}
	if g.halted {
		return nil, ErrGroupStopped
	}
	return g.b.dial(co, addr)
}

func (g *Group) connect(co *Co, addr string, h Handler) error {
	ch, err := g.b.dial(co, addr)
	if err != nil {
		g.log.Warn("connect failed", zap.String("remote", addr), zap.Error(err))
		if h != nil {
			h.Uncaught(err)
		}
		return err
	}
	g.startChannel(ch, false, h)
	return nil
}

// startChannel runs the initializer on a freshly accepted or
// connected channel and starts its handler coroutine. A channel left
// without a handler is closed.
func (g *Group) startChannel(ch Channel, serverSide bool, h Handler) {
	if init := g.cfg.Initializer; init != nil {
		init.InitChannel(ch, serverSide)
	}
	if h != nil {
		ch.SetHandler(h)
	}

	handler := ch.Handler()
	if handler == nil {
		g.log.Warn("no handler attached, closing channel",
			zap.String("channel", ch.Name()),
			zap.Bool("server", serverSide))
		_ = ch.Close()
		return
	}

	g.spawn(ch.Name(), func(co *Co) {
		defer ch.Close()
		handler.Handle(co, ch)
	}, nil)
}

// spawn creates a coroutine and runs it until it first parks.
func (g *Group) spawn(name string, fn func(*Co), parent *Co) *Co {
	co := newCo(g, name, fn, parent)
	g.live[co] = struct{}{}
	g.metrics.coroutines.Inc()
	co.run(wake{})
	return co
}

func (g *Group) retire(co *Co) {
	if _, ok := g.live[co]; !ok {
		return
	}
	delete(g.live, co)
	delete(g.parked, co)
	g.metrics.coroutines.Dec()
}

// post hands r to the loop goroutine. It reports false once the loop
// has stopped taking results.
func (g *Group) post(r result) bool {
	return g.queue.push(r)
}

// dispatch handles one result and runs every coroutine it made
// runnable.
func (g *Group) dispatch(r result) {
	r.handle()
	g.metrics.results.Inc()
	g.runReady()
}

// drain dispatches everything queued without blocking.
func (g *Group) drain() {
	for {
		r, ok := g.queue.pop()
		if !ok {
			break
		}
		g.dispatch(r)
	}
	g.runReady()
}

// wake makes a parked coroutine runnable with w. A coroutine that is
// not parked is left alone and wake reports false, so every park
// receives exactly one wake.
func (g *Group) wake(co *Co, w wake) bool {
	if _, ok := g.parked[co]; !ok {
		return false
	}
	delete(g.parked, co)
	g.ready.PushBack(readyCo{co: co, w: w})
	return true
}

// runReady resumes runnable coroutines in the order they were woken.
func (g *Group) runReady() {
	for g.ready.Len() > 0 {
		r := g.ready.PopFront()
		r.co.run(r.w)
	}
}

func (g *Group) nextChannelID() int {
	g.chanSeq++
	return g.chanSeq
}

func (g *Group) register(ch Channel) {
	g.channels[ch.ID()] = ch
	g.metrics.channels.Inc()
}

func (g *Group) unregister(ch Channel) {
	if _, ok := g.channels[ch.ID()]; !ok {
		return
	}
	delete(g.channels, ch.ID())
	g.metrics.channels.Dec()
}

func (g *Group) run(b backend) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, task := trace.NewTask(g.ctx, groupTraceTaskType)
	defer task.End()
	g.ctx = ctx

	trace.Log(ctx, coTraceCategory, "LOOP")
	if g.laddr != nil {
		g.spawn("acceptor", g.acceptLoop, nil)
	}
	g.runReady()

	if err := b.loop(); err != nil {
		g.shutdown.Store(true)
		g.log.Error("backend failed, stopping group", zap.Error(err))
	}

	if err := g.halt(b); err != nil {
		g.log.Warn("teardown", zap.Error(err))
	}
	trace.Log(ctx, coTraceCategory, "LOOP DONE")

	g.stopped.Store(true)
	g.mu.Lock()
	g.b = nil
	g.mu.Unlock()

	g.log.Info("group stopped")
	close(g.done)
}

// halt tears the loop down: the listener and every channel are
// closed, parked coroutines are woken with ErrGroupStopped and
// undelivered results are released.
func (g *Group) halt(b backend) error {
	err := b.closeListener()
	g.halted = true

	ids := make([]int, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if ch, ok := g.channels[id]; ok {
			err = multierr.Append(err, ch.Close())
		}
	}
	g.runReady()

	for i := 0; i < haltRounds && len(g.parked) > 0; i++ {
		parked := make([]*Co, 0, len(g.parked))
		for co := range g.parked {
			parked = append(parked, co)
		}
		slices.SortFunc(parked, func(a, b *Co) int { return a.id - b.id })
		for _, co := range parked {
			g.wake(co, wake{err: ErrGroupStopped})
		}
		g.runReady()
	}

	for co := range g.live {
		if !co.done {
			g.log.Warn("cancelling coroutine", zap.Stringer("co", co))
			co.cancel()
		}
		g.retire(co)
	}

	for _, r := range g.queue.close() {
		discard(r)
	}
	return multierr.Append(err, b.close())
}
