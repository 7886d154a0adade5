package conio

import (
	"net"
	"time"
)

// pollInterval bounds how long a backend blocks before it looks at
// the shutdown flag again.
const pollInterval = time.Second

// backend is the I/O driver a Group runs on its loop goroutine. All
// methods except close are called on the loop goroutine; accept and
// dial park the calling coroutine until the operation completes.
type backend interface {
	kind() BackendKind

	// loop dispatches results until shutdown is requested and the
	// queue has been drained. A non-nil error is fatal to the Group.
	loop() error

	accept(co *Co) (Channel, error)
	dial(co *Co, addr string) (Channel, error)

	// addr is the bound listener address, nil for client-only
	// groups.
	addr() net.Addr

	// closeListener stops accepting; close releases everything else
	// once all channels are closed.
	closeListener() error
	close() error
}

func newBackend(g *Group) (backend, error) {
	switch g.cfg.Backend {
	case ReadinessBackend:
		return newNioBackend(g)
	default:
		return newAioBackend(g)
	}
}
