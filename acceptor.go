package conio

import (
	"go.uber.org/zap"
)

// acceptLoop is the body of a server group's acceptor coroutine. It
// issues one accept at a time and hands every accepted channel to the
// initializer. An accept failure stops the acceptor.
func (g *Group) acceptLoop(co *Co) {
	log := g.log.Named("acceptor")
	log.Debug("accepting", zap.Stringer("addr", g.laddr))

	for !g.shutdown.Load() {
		ch, err := g.b.accept(co)
		if err != nil {
			if !g.shutdown.Load() && !g.halted {
				log.Error("accept failed, acceptor stopped", zap.Error(err))
			}
			return
		}

		g.metrics.accepted.Inc()
		log.Debug("accepted",
			zap.String("channel", ch.Name()),
			zap.Stringer("remote", ch.RemoteAddr()))
		g.startChannel(ch, true, nil)
	}
}
