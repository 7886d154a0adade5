//go:build linux

package conio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	nioMaxEvents  = 128
	nioConnEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET
	nioReadable   = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	nioWritable   = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR
)

// nioBackend is the readiness backend: one edge-triggered epoll
// instance, an eventfd to interrupt it from other goroutines, and raw
// non-blocking sockets. Operations try the syscall first and park the
// coroutine on EAGAIN; the loop resumes it when epoll reports the fd
// ready again.
type nioBackend struct {
	group    *Group
	log      *zap.Logger
	epfd     int
	evfd     int
	lfd      int
	laddr    net.Addr
	acceptor *Co
	fds      map[int]*nioChannel
	events   []unix.EpollEvent
}

func newNioBackend(g *Group) (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	b := &nioBackend{
		group:  g,
		log:    g.log.Named("nio"),
		epfd:   epfd,
		evfd:   -1,
		lfd:    -1,
		fds:    make(map[int]*nioChannel),
		events: make([]unix.EpollEvent, nioMaxEvents),
	}

	b.evfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := b.ctl(unix.EPOLL_CTL_ADD, b.evfd, unix.EPOLLIN); err != nil {
		b.close()
		return nil, err
	}

	if g.cfg.Host != "" {
		if err := b.listen(); err != nil {
			b.close()
			return nil, err
		}
	}

	g.queue.setWakeup(b.wakeup)
	return b, nil
}

func (b *nioBackend) kind() BackendKind {
	return ReadinessBackend
}

func (b *nioBackend) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	return nil
}

func (b *nioBackend) listen() error {
	cfg := b.group.cfg
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}

	family, sa := toSockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := b.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		unix.Close(fd)
		return err
	}

	lsa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	b.lfd = fd
	b.laddr = fromSockaddr(lsa)
	return nil
}

// wakeup interrupts EpollWait. It runs on producer goroutines under
// the result queue lock.
func (b *nioBackend) wakeup() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(b.evfd, buf[:])
}

func (b *nioBackend) loop() error {
	g := b.group
	for !g.shutdown.Load() {
		if err := b.poll(int(pollInterval.Milliseconds())); err != nil {
			return err
		}
		g.drain()
	}
	g.drain()
	return nil
}

// poll waits for readiness and queues the coroutines parked on ready
// fds for resumption.
func (b *nioBackend) poll(timeoutMs int) error {
	g := b.group

	n, err := unix.EpollWait(b.epfd, b.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}

	for _, ev := range b.events[:n] {
		fd := int(ev.Fd)
		switch {
		case fd == b.evfd:
			var buf [8]byte
			_, _ = unix.Read(b.evfd, buf[:])
		case fd == b.lfd:
			if co := b.acceptor; co != nil {
				b.acceptor = nil
				g.wake(co, wake{})
			}
		default:
			ch := b.fds[fd]
			if ch == nil {
				continue
			}
			if ev.Events&nioReadable != 0 && ch.reader != nil {
				co := ch.reader
				ch.reader = nil
				g.wake(co, wake{})
			}
			if ev.Events&nioWritable != 0 && ch.writer != nil {
				co := ch.writer
				ch.writer = nil
				g.wake(co, wake{})
			}
		}
	}

	g.runReady()
	return nil
}

func (b *nioBackend) accept(co *Co) (Channel, error) {
	if b.lfd < 0 {
		return nil, stateError("%s has no listener", b.group.Name())
	}

	for {
		fd, sa, err := unix.Accept4(b.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			ch, err := b.register(fd, sa)
			if err != nil {
				unix.Close(fd)
				return nil, connectionFailure(err)
			}
			return ch, nil
		case unix.EAGAIN:
			b.acceptor = co
			w := co.park()
			b.acceptor = nil
			if w.err != nil {
				return nil, connectionFailure(w.err)
			}
		case unix.EINTR, unix.ECONNABORTED:
		default:
			return nil, connectionFailure(err)
		}
	}
}

func (b *nioBackend) dial(co *Co, addr string) (Channel, error) {
	b.log.Debug("connect", zap.String("remote", addr))

	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, connectionFailure(err)
	}

	family, sa := toSockaddr(raddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, connectionFailure(err)
	}

	cerr := unix.Connect(fd, sa)
	if cerr != nil && cerr != unix.EINPROGRESS && cerr != unix.EINTR {
		unix.Close(fd)
		return nil, connectionFailure(cerr)
	}

	ch, err := b.register(fd, sa)
	if err != nil {
		unix.Close(fd)
		return nil, connectionFailure(err)
	}

	for pending := cerr != nil; pending; {
		ch.writer = co
		if w := co.park(); w.err != nil {
			ch.Close()
			return nil, connectionFailure(w.err)
		}

		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soerr != 0 {
			err = unix.Errno(soerr)
		}
		if err != nil {
			ch.Close()
			return nil, connectionFailure(err)
		}

		switch _, err := unix.Getpeername(fd); err {
		case nil:
			pending = false
		case unix.ENOTCONN:
		default:
			ch.Close()
			return nil, connectionFailure(err)
		}
	}

	return ch, nil
}

// register wraps a connected or connecting socket in a channel and
// adds it to the epoll set.
func (b *nioBackend) register(fd int, remote unix.Sockaddr) (*nioChannel, error) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if err := b.ctl(unix.EPOLL_CTL_ADD, fd, nioConnEvents); err != nil {
		return nil, err
	}

	ch := &nioChannel{
		baseChannel: newBaseChannel(b.group),
		backend:     b,
		fd:          fd,
		open:        true,
		remote:      fromSockaddr(remote),
	}
	if lsa, err := unix.Getsockname(fd); err == nil {
		ch.local = fromSockaddr(lsa)
	}

	b.fds[fd] = ch
	b.group.register(ch)
	return ch, nil
}

func (b *nioBackend) addr() net.Addr {
	return b.laddr
}

func (b *nioBackend) closeListener() error {
	if b.lfd < 0 {
		return nil
	}
	err := unix.Close(b.lfd)
	b.lfd = -1
	return err
}

func (b *nioBackend) close() error {
	var err error
	err = multierr.Append(err, b.closeListener())
	if b.evfd >= 0 {
		err = multierr.Append(err, unix.Close(b.evfd))
		b.evfd = -1
	}
	if b.epfd >= 0 {
		err = multierr.Append(err, unix.Close(b.epfd))
		b.epfd = -1
	}
	return err
}

// nioChannel is a Channel over a raw non-blocking socket. At most one
// coroutine may be parked reading and one writing at a time.
type nioChannel struct {
	baseChannel
	backend *nioBackend
	fd      int
	open    bool
	reader  *Co
	writer  *Co
	local   net.Addr
	remote  net.Addr
}

func (c *nioChannel) Read(co *Co, p []byte) (int, error) {
	if err := c.check(co, c.open); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if n := c.buffered(p); n > 0 {
		return n, nil
	}

	for {
		n, err := unix.Read(c.fd, p)
		switch err {
		case nil:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			if c.reader != nil {
				return 0, stateError("%s: concurrent read", c.name)
			}
			c.reader = co
			if w := co.park(); w.err != nil {
				return 0, ioFailure(w.err)
			}
			if !c.open {
				return 0, ioFailure(net.ErrClosed)
			}
		default:
			return 0, ioFailure(err)
		}
	}
}

func (c *nioChannel) Write(co *Co, p []byte) (int, error) {
	if err := c.check(co, c.open); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Write(c.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
		case unix.EAGAIN:
			if c.writer != nil {
				return 0, stateError("%s: concurrent write", c.name)
			}
			c.writer = co
			if w := co.park(); w.err != nil {
				return 0, ioFailure(w.err)
			}
			if !c.open {
				return 0, ioFailure(net.ErrClosed)
			}
		default:
			return 0, ioFailure(err)
		}
	}
}

func (c *nioChannel) IsOpen() bool {
	return c.open
}

// Close closes the socket, which also drops it from the epoll set, and
// fails any coroutine parked on it.
func (c *nioChannel) Close() error {
	if !c.open {
		return nil
	}
	c.open = false

	g := c.group
	delete(c.backend.fds, c.fd)
	g.unregister(c)
	err := unix.Close(c.fd)

	if co := c.reader; co != nil {
		c.reader = nil
		g.wake(co, wake{err: net.ErrClosed})
	}
	if co := c.writer; co != nil {
		c.writer = nil
		g.wake(co, wake{err: net.ErrClosed})
	}
	return err
}

func (c *nioChannel) LocalAddr() net.Addr  { return c.local }
func (c *nioChannel) RemoteAddr() net.Addr { return c.remote }

func toSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || len(addr.IP) == 0 {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	default:
		return nil
	}
}
