package conio

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"
)

// HeartbeatCodec probes a pooled channel. Ping writes a request and
// waits for the response; any error fails the probe.
type HeartbeatCodec interface {
	Ping(co *Co, ch Channel) ([]byte, error)
}

// LinePingCodec sends Request followed by a newline and expects one
// line back. A non-empty Response must match that line exactly.
type LinePingCodec struct {
	Request  string
	Response string
}

// DefaultLinePingCodec is the PING/PONG exchange spoken by the echo
// demo.
var DefaultLinePingCodec = LinePingCodec{Request: "PING", Response: "PONG"}

func (c LinePingCodec) Ping(co *Co, ch Channel) ([]byte, error) {
	if err := WriteFull(co, ch, []byte(c.Request+"\n")); err != nil {
		return nil, err
	}

	line, err := ReadLine(co, ch)
	if err != nil {
		return nil, err
	}
	if c.Response != "" && string(line) != c.Response {
		return nil, fmt.Errorf("unexpected response %q", line)
	}
	return line, nil
}

// ReadLine reads up to and excluding the next '\n' into the channel's
// input buffer and strips a trailing '\r'. Bytes read past the line
// stay with the channel for the next Read. The returned slice is only
// valid until the next read.
func ReadLine(co *Co, ch Channel) ([]byte, error) {
	u, ok := ch.(unreader)
	if !ok {
		return readLineBytewise(co, ch)
	}

	buf := ch.InBuffer()
	n := 0
	for {
		if n == len(buf) {
			return nil, fmt.Errorf("line longer than %d bytes", len(buf))
		}
		m, err := ch.Read(co, buf[n:])
		if i := bytes.IndexByte(buf[n:n+m], '\n'); i >= 0 {
			end := n + i
			u.unread(buf[end+1 : n+m])
			return bytes.TrimSuffix(buf[:end], []byte{'\r'}), nil
		}
		n += m
		if err == io.EOF && n > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLineBytewise serves channels that cannot take bytes back, so it
// never reads past the line.
func readLineBytewise(co *Co, ch Channel) ([]byte, error) {
	buf := ch.InBuffer()
	n := 0
	for {
		if n == len(buf) {
			return nil, fmt.Errorf("line longer than %d bytes", len(buf))
		}
		if err := ReadFull(co, ch, buf[n:n+1]); err != nil {
			return nil, err
		}
		if buf[n] == '\n' {
			return bytes.TrimSuffix(buf[:n], []byte{'\r'}), nil
		}
		n++
	}
}

func (p *Pool) heartbeatRun(co *Co) {
	if p.closed {
		if sf := p.heartbeat.Load(); sf != nil {
			sf.Cancel()
		}
		return
	}

	if !p.beat.TryLock(co) {
		p.log.Warn("heartbeat still running, skipping")
		p.metrics.probe("skipped")
		return
	}
	defer p.beat.Unlock()

	p.sweep(co)
}

// sweep probes every destination in address order.
func (p *Pool) sweep(co *Co) {
	start := p.group.clock.Now()

	for _, addr := range slices.Sorted(maps.Keys(p.dests)) {
		if p.closed {
			return
		}
		sp, ok := p.dests[addr]
		if !ok {
			continue
		}
		if sp.live == 0 && sp.waiters.len() == 0 {
			delete(p.dests, addr)
			p.metrics.forget(addr)
			continue
		}
		p.sweepDest(co, sp, start)
	}
}

// sweepDest probes the idle free channels of sp one by one, least
// recently used first. A failed probe destroys the failing channel
// and every channel probed before it in this pass.
func (p *Pool) sweepDest(co *Co, sp *subPool, start time.Time) {
	probed := make(map[*PooledChannel]struct{})

	for !p.closed {
		pc := sp.pickIdle(start, p.cfg.HeartbeatInterval, probed)
		if pc == nil {
			return
		}
		probed[pc] = struct{}{}

		err := p.probe(co, pc)
		if err == nil {
			p.metrics.probe("success")
			continue
		}

		p.log.Warn("heartbeat failed",
			zap.String("remote", sp.addr),
			zap.String("channel", pc.Name()),
			zap.Error(err))
		p.metrics.probe("failure")

		for c := range probed {
			switch {
			case c.destroyed:
			case c.free:
				sp.evict(c)
				_ = c.destroy()
			default:
				c.ioErr = true
			}
		}
		return
	}
}

// pickIdle returns the least recently used free channel that has been
// idle for at least interval at start and was not probed yet.
func (sp *subPool) pickIdle(start time.Time, interval time.Duration, probed map[*PooledChannel]struct{}) *PooledChannel {
	var lru *PooledChannel
	for _, k := range sp.keys {
		d := sp.parts[k]
		for i := 0; i < d.Len(); i++ {
			pc := d.At(i)
			if _, ok := probed[pc]; ok {
				continue
			}
			if start.Sub(pc.lastAccess) < interval {
				continue
			}
			if lru == nil || pc.lastAccess.Before(lru.lastAccess) {
				lru = pc
			}
		}
	}
	return lru
}

// probe checks pc out, pings it and releases it again.
func (p *Pool) probe(co *Co, pc *PooledChannel) error {
	sp := pc.sp
	sp.evict(pc)
	pc.free = false

	if _, err := p.cfg.HeartbeatCodec.Ping(co, pc); err != nil {
		pc.ioErr = true
		_ = pc.Close()
		return probeFailure(err)
	}

	pc.lastAccess = p.group.clock.Now()
	return pc.Close()
}
