package gateway

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/router"
	"github.com/mewproto/mew/internal/transport"
)

// peer adapts one connection to the router's Sender contract. Sends never
// block: they enqueue onto a bounded queue drained by a single write pump,
// and a full queue fails the send, which the router answers by
// disconnecting the participant rather than stalling the space.
type peer struct {
	conn *transport.Conn
	r    *router.Router
	pid  string
	gen  uint64
	log  *logrus.Entry

	out  chan *transport.Frame
	quit chan struct{}
	once sync.Once
}

func newPeer(conn *transport.Conn, r *router.Router, pid string, gen uint64, queue int, log *logrus.Entry) *peer {
	if queue <= 0 {
		queue = 256
	}
	return &peer{
		conn: conn,
		r:    r,
		pid:  pid,
		gen:  gen,
		log:  log,
		out:  make(chan *transport.Frame, queue),
		quit: make(chan struct{}),
	}
}

func (p *peer) TrySendEnvelope(env *envelope.Envelope) bool {
	return p.enqueue(transport.EnvelopeFrame(env))
}

func (p *peer) TrySendStream(streamID string, data []byte) bool {
	return p.enqueue(transport.StreamFrame(streamID, data))
}

func (p *peer) enqueue(f *transport.Frame) bool {
	select {
	case <-p.quit:
		// Closing; the disconnect is already on the router's queue.
		return true
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		return false
	}
}

// Close stops the pump after it flushes what is already queued, so a
// final system/error or kick notice still reaches the wire. Idempotent;
// called from the router task on drop and from the read goroutine on
// transport failure.
func (p *peer) Close() {
	p.once.Do(func() { close(p.quit) })
}

func (p *peer) writePump() {
	for {
		select {
		case f := <-p.out:
			if err := p.conn.WriteFrame(f); err != nil {
				if !closedErr(err) {
					p.log.WithError(err).Debug("write failed")
				}
				p.r.Disconnect(p.pid, p.gen, "write failed")
				p.Close()
				p.conn.Close()
				return
			}
		case <-p.quit:
			p.drain()
			return
		}
	}
}

func (p *peer) drain() {
	defer p.conn.Close()
	for {
		select {
		case f := <-p.out:
			if p.conn.WriteFrame(f) != nil {
				return
			}
		default:
			return
		}
	}
}
