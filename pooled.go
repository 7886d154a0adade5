package conio

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// PooledChannel is a channel checked out of a Pool. Close returns it
// to the pool instead of closing the connection, unless an I/O error
// or end of stream was seen on it, the connection is gone, or the
// pool is closed.
type PooledChannel struct {
	ch         Channel
	sp         *subPool
	key        PriorityKey
	free       bool
	destroyed  bool
	ioErr      bool
	lastAccess time.Time
}

var _ Channel = (*PooledChannel)(nil)

func (pc *PooledChannel) ID() int              { return pc.ch.ID() }
func (pc *PooledChannel) Name() string         { return pc.ch.Name() }
func (pc *PooledChannel) Group() *Group        { return pc.ch.Group() }
func (pc *PooledChannel) InBuffer() []byte     { return pc.ch.InBuffer() }
func (pc *PooledChannel) OutBuffer() []byte    { return pc.ch.OutBuffer() }
func (pc *PooledChannel) Handler() Handler     { return pc.ch.Handler() }
func (pc *PooledChannel) SetHandler(h Handler) { pc.ch.SetHandler(h) }
func (pc *PooledChannel) LocalAddr() net.Addr  { return pc.ch.LocalAddr() }
func (pc *PooledChannel) RemoteAddr() net.Addr { return pc.ch.RemoteAddr() }

// Channel returns the wrapped connection.
func (pc *PooledChannel) Channel() Channel {
	return pc.ch
}

// Key returns the partition the channel is released into.
func (pc *PooledChannel) Key() PriorityKey {
	return pc.key
}

// LastAccess is the time of the last checkout, transfer or probe.
func (pc *PooledChannel) LastAccess() time.Time {
	return pc.lastAccess
}

// Free reports whether the channel sits in the pool's free list.
func (pc *PooledChannel) Free() bool {
	return pc.free
}

func (pc *PooledChannel) IsOpen() bool {
	return !pc.free && !pc.destroyed && pc.ch.IsOpen()
}

func (pc *PooledChannel) usable() error {
	switch {
	case pc.destroyed:
		return ioFailure(net.ErrClosed)
	case pc.free:
		return stateError("%s was released to the pool", pc.Name())
	}
	return nil
}

func (pc *PooledChannel) Read(co *Co, p []byte) (int, error) {
	if err := pc.usable(); err != nil {
		return 0, err
	}
	n, err := pc.ch.Read(co, p)
	pc.observe(n, err)
	return n, err
}

func (pc *PooledChannel) Write(co *Co, p []byte) (int, error) {
	if err := pc.usable(); err != nil {
		return 0, err
	}
	n, err := pc.ch.Write(co, p)
	pc.observe(n, err)
	return n, err
}

func (pc *PooledChannel) unread(p []byte) {
	if u, ok := pc.ch.(unreader); ok {
		u.unread(p)
	}
}

func (pc *PooledChannel) observe(n int, err error) {
	if n > 0 {
		pc.lastAccess = pc.sp.pool.group.clock.Now()
	}
	if errors.Is(err, ErrIO) || errors.Is(err, io.EOF) {
		pc.ioErr = true
	}
}

// Close releases the channel back to its pool. Releasing twice, or
// releasing a destroyed channel, does nothing.
func (pc *PooledChannel) Close() error {
	if pc.free || pc.destroyed {
		return nil
	}

	sp := pc.sp
	if pc.ioErr || !pc.ch.IsOpen() || sp.pool.closed {
		return pc.destroy()
	}

	if sp.handOff(pc) {
		sp.gauge()
		return nil
	}
	pc.free = true
	sp.part(pc.key).PushBack(pc)
	sp.gauge()
	return nil
}

// destroy closes the connection and gives its slot back, to the
// oldest waiter if there is one. The caller removes pc from any free
// list first.
func (pc *PooledChannel) destroy() error {
	if pc.destroyed {
		return nil
	}
	pc.destroyed = true
	pc.free = false

	sp := pc.sp
	p := sp.pool
	p.metrics.destroyed.Inc()
	p.log.Debug("channel destroyed",
		zap.String("remote", sp.addr),
		zap.String("channel", pc.Name()),
		zap.Bool("io_error", pc.ioErr))

	err := pc.ch.Close()
	sp.releaseSlot()
	return err
}
