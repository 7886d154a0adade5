package conio

import (
	"fmt"
	"io"
	"net"
	"slices"
)

// Channel is a bidirectional byte stream bound to one Group. Read and
// Write park the calling coroutine until the operation completes.
//
// Read returns io.EOF at end of stream; that is terminal but not an
// ErrIO failure. A zero-length buffer returns 0 without parking.
type Channel interface {
	ID() int
	Name() string
	Group() *Group

	Read(co *Co, p []byte) (int, error)
	Write(co *Co, p []byte) (int, error)

	// InBuffer and OutBuffer are per-channel scratch buffers reused
	// across reads and writes by codecs.
	InBuffer() []byte
	OutBuffer() []byte

	IsOpen() bool
	Close() error

	Handler() Handler
	SetHandler(h Handler)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Handler drives a pushed channel. Handle is the entry point of the
// channel's coroutine; Uncaught receives failures that happen before
// that coroutine could start.
type Handler interface {
	Handle(co *Co, ch Channel)
	Uncaught(err error)
}

// HandlerFunc adapts a function to Handler. Its Uncaught does
// nothing; the Group logs such failures anyway.
type HandlerFunc func(co *Co, ch Channel)

func (f HandlerFunc) Handle(co *Co, ch Channel) { f(co, ch) }
func (f HandlerFunc) Uncaught(error)            {}

// ChannelInitializer is called once for every accepted or connected
// channel, before its coroutine starts. It must attach a Handler,
// otherwise the channel is closed.
type ChannelInitializer interface {
	InitChannel(ch Channel, serverSide bool)
}

// InitializerFunc adapts a function to ChannelInitializer.
type InitializerFunc func(ch Channel, serverSide bool)

func (f InitializerFunc) InitChannel(ch Channel, serverSide bool) { f(ch, serverSide) }

// WriteFull writes all of p, issuing as many writes as needed.
func WriteFull(co *Co, ch Channel, p []byte) error {
	for len(p) > 0 {
		n, err := ch.Write(co, p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ReadFull reads exactly len(p) bytes. End of stream before p is
// filled returns io.ErrUnexpectedEOF, or io.EOF if nothing was read.
func ReadFull(co *Co, ch Channel, p []byte) error {
	read := 0
	for read < len(p) {
		n, err := ch.Read(co, p[read:])
		read += n
		if err == io.EOF {
			if read == 0 {
				return io.EOF
			}
			if read < len(p) {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// baseChannel holds the state every transport shares.
type baseChannel struct {
	id      int
	name    string
	group   *Group
	handler Handler
	in      []byte
	out     []byte
	pending []byte // read from the transport but not consumed yet
}

func newBaseChannel(g *Group) baseChannel {
	id := g.nextChannelID()
	return baseChannel{
		id:    id,
		name:  fmt.Sprintf("%s-chan-%d", g.Name(), id),
		group: g,
		in:    make([]byte, g.cfg.BufferSize),
		out:   make([]byte, g.cfg.BufferSize),
	}
}

func (c *baseChannel) ID() int              { return c.id }
func (c *baseChannel) Name() string         { return c.name }
func (c *baseChannel) Group() *Group        { return c.group }
func (c *baseChannel) InBuffer() []byte     { return c.in }
func (c *baseChannel) OutBuffer() []byte    { return c.out }
func (c *baseChannel) Handler() Handler     { return c.handler }
func (c *baseChannel) SetHandler(h Handler) { c.handler = h }

// unreader is implemented by channels that can take back bytes read
// past the end of a line. The next Read returns them first.
type unreader interface {
	unread(p []byte)
}

func (c *baseChannel) unread(p []byte) {
	if len(p) > 0 {
		c.pending = slices.Concat(p, c.pending)
	}
}

// buffered moves pending bytes into p.
func (c *baseChannel) buffered(p []byte) int {
	if len(c.pending) == 0 {
		return 0
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return n
}

// check validates the preconditions shared by Read and Write.
func (c *baseChannel) check(co *Co, open bool) error {
	if co == nil || co.group != c.group || !c.group.InGroup(co) {
		return ErrNotInGroup
	}
	if !open {
		return ioFailure(net.ErrClosed)
	}
	return nil
}
