package conio

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// aioBackend is the completion backend. Every accept, connect, read
// and write is issued on an executor goroutine served by the Go
// netpoller, and its completion travels back to the loop as an
// ioResult.
type aioBackend struct {
	group    *Group
	log      *zap.Logger
	ln       net.Listener
	dialer   net.Dialer
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func newAioBackend(g *Group) (backend, error) {
	b := &aioBackend{
		group: g,
		log:   g.log.Named("aio"),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if g.cfg.Host != "" {
		addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
		var lc net.ListenConfig
		ln, err := lc.Listen(b.ctx, "tcp", addr)
		if err != nil {
			b.cancel()
			return nil, err
		}
		b.ln = ln
	}
	return b, nil
}

func (b *aioBackend) kind() BackendKind {
	return CompletionBackend
}

func (b *aioBackend) loop() error {
	g := b.group
	for {
		if r, ok := g.queue.poll(pollInterval); ok {
			g.dispatch(r)
		}
		if g.shutdown.Load() {
			g.drain()
			return nil
		}
	}
}

// exec runs op on an executor goroutine and parks co until its
// completion has been dispatched by the loop.
func (b *aioBackend) exec(co *Co, op func() (any, error)) (any, error) {
	g := b.group
	if g.halted {
		return nil, ErrGroupStopped
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		v, err := op()
		if !g.post(&ioResult{co: co, val: v, err: err}) {
			closeValue(v)
		}
	}()

	w := co.park()
	return w.val, w.err
}

func (b *aioBackend) accept(co *Co) (Channel, error) {
	if b.ln == nil {
		return nil, stateError("%s has no listener", b.group.Name())
	}

	v, err := b.exec(co, func() (any, error) {
		return b.ln.Accept()
	})
	if err != nil {
		return nil, connectionFailure(err)
	}
	return b.newChannel(v.(net.Conn)), nil
}

func (b *aioBackend) dial(co *Co, addr string) (Channel, error) {
	b.log.Debug("connect", zap.String("remote", addr))

	v, err := b.exec(co, func() (any, error) {
		return b.dialer.DialContext(b.ctx, "tcp", addr)
	})
	if err != nil {
		return nil, connectionFailure(err)
	}
	return b.newChannel(v.(net.Conn)), nil
}

func (b *aioBackend) newChannel(conn net.Conn) *aioChannel {
	ch := &aioChannel{
		baseChannel: newBaseChannel(b.group),
		backend:     b,
		conn:        conn,
		open:        true,
	}
	b.group.register(ch)
	return ch
}

func (b *aioBackend) addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *aioBackend) closeListener() error {
	b.cancel()
	if b.ln == nil {
		return nil
	}
	if err := b.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (b *aioBackend) close() error {
	b.inflight.Wait()
	return nil
}

// aioChannel is a Channel over a net.Conn driven by aioBackend.
type aioChannel struct {
	baseChannel
	backend *aioBackend
	conn    net.Conn
	open    bool
}

func (c *aioChannel) Read(co *Co, p []byte) (int, error) {
	if err := c.check(co, c.open); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if n := c.buffered(p); n > 0 {
		return n, nil
	}

	v, err := c.backend.exec(co, func() (any, error) {
		return c.conn.Read(p)
	})
	n, _ := v.(int)
	switch {
	case n > 0:
		return n, nil
	case err == nil:
		return 0, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	default:
		return 0, ioFailure(err)
	}
}

func (c *aioChannel) Write(co *Co, p []byte) (int, error) {
	if err := c.check(co, c.open); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	v, err := c.backend.exec(co, func() (any, error) {
		return c.conn.Write(p)
	})
	n, _ := v.(int)
	if err != nil {
		return n, ioFailure(err)
	}
	return n, nil
}

func (c *aioChannel) IsOpen() bool {
	return c.open
}

func (c *aioChannel) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	c.group.unregister(c)

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *aioChannel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *aioChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
