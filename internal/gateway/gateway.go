// Package gateway composes a running space. It owns the identity store,
// history log, metrics, and router for one space and attaches participant
// connections to them: over the TCP listener, over the stdio pipes of
// spawned subprocesses, or in-process for embedded spaces.
//
// Connection handling is split per the router's concurrency model: each
// connection gets a read goroutine that parses frames and enqueues events,
// and a write pump that drains the participant's bounded outbound queue.
// Neither touches space state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/config"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/history"
	"github.com/mewproto/mew/internal/metrics"
	"github.com/mewproto/mew/internal/registry"
	"github.com/mewproto/mew/internal/router"
	"github.com/mewproto/mew/internal/transport"
)

// Gateway is one space's connection front end.
type Gateway struct {
	cfg     *config.Space
	log     *logrus.Entry
	defs    *registry.Definitions
	met     *metrics.Set
	journal *history.Journal
	router  *router.Router

	nextGen uint64

	mu       sync.Mutex
	listener net.Listener
	stop     sync.Once
}

// New assembles a gateway from a validated configuration. A nil log uses
// the logrus standard logger.
func New(cfg *config.Space, log *logrus.Entry) (*Gateway, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var journal *history.Journal
	if dir := cfg.Gateway.JournalDir; dir != "" {
		j, err := history.OpenJournal(history.DefaultJournalConfig(dir))
		if err != nil {
			return nil, fmt.Errorf("failed to open history journal: %w", err)
		}
		journal = j
	}
	hist, err := history.New(cfg.Gateway.HistoryLimit, journal)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, err
	}

	g := &Gateway{
		cfg:     cfg,
		log:     log.WithField("space", cfg.Name),
		defs:    registry.NewDefinitions(definitions(cfg)),
		met:     metrics.NewSet(cfg.Name),
		journal: journal,
	}
	g.router = router.New(cfg, g.defs, hist, g.met, g.log)
	return g, nil
}

func definitions(cfg *config.Space) []registry.Definition {
	out := make([]registry.Definition, 0, len(cfg.Participants))
	for _, p := range cfg.Participants {
		out = append(out, registry.Definition{
			ID:        p.ID,
			Tokens:    p.Tokens,
			Static:    capability.Set(p.Capabilities),
			DefaultTo: p.DefaultTo,
			AutoStart: p.AutoStart,
			Transport: p.Transport,
		})
	}
	return out
}

// Router exposes the space's router for taps and history readers.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Addr reports the listener's bound address, or nil before Run binds one.
// Configurations that bind port 0 discover their port here.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// History exposes the space's envelope journal.
func (g *Gateway) History() *history.Log {
	return g.router.History()
}

// Start launches the router. Connections may be attached afterwards.
func (g *Gateway) Start() {
	g.router.Start()
}

// Stop closes the listener if one is serving, terminates the router (which
// closes every participant connection), and releases the journal.
func (g *Gateway) Stop() {
	g.stop.Do(func() {
		g.mu.Lock()
		l := g.listener
		g.mu.Unlock()
		if l != nil {
			l.Close()
		}
		g.router.Stop()
		if g.journal != nil {
			if err := g.journal.Close(); err != nil {
				g.log.WithError(err).Warn("failed to close history journal")
			}
		}
	})
}

// Run serves the space until ctx is cancelled: the TCP listener and
// metrics endpoint when configured, plus one supervisor per auto-start
// participant.
func (g *Gateway) Run(ctx context.Context) error {
	g.Start()
	defer g.Stop()

	eg, ctx := errgroup.WithContext(ctx)

	if addr := g.cfg.Gateway.Listen; addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		g.mu.Lock()
		g.listener = listener
		g.mu.Unlock()
		g.log.WithFields(logrus.Fields{
			"listen": addr,
			"codec":  g.cfg.Gateway.Codec,
		}).Info("gateway listening")
		eg.Go(func() error { return g.acceptLoop(ctx, listener) })
	}
	if addr := g.cfg.Gateway.MetricsListen; addr != "" {
		eg.Go(func() error { return g.serveMetrics(ctx, addr) })
	}
	g.spawnAll(ctx, eg)
	eg.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Attach serves an in-process connection. The handshake still applies;
// the caller keeps the other half of the pipe.
func (g *Gateway) Attach(conn *transport.Conn) {
	go g.serve(conn)
}

func (g *Gateway) acceptLoop(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	codec := transport.Codec(g.cfg.Gateway.Codec)
	for {
		netConn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		conn, err := transport.Socket(netConn, codec)
		if err != nil {
			g.log.WithError(err).Warn("failed to frame connection")
			netConn.Close()
			continue
		}
		go g.serve(conn)
	}
}

func (g *Gateway) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", g.met.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	g.log.WithField("listen", addr).Info("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener failed: %w", err)
	}
	return nil
}

// serve owns one connection from handshake to teardown. It runs as the
// connection's read goroutine.
func (g *Gateway) serve(conn *transport.Conn) {
	log := g.log.WithField("remote", conn.Name())

	f, err := conn.ReadFrame()
	if err != nil {
		log.WithError(err).Debug("connection closed before handshake")
		conn.Close()
		return
	}
	if f.Type != transport.FrameHello || f.Hello == nil {
		g.refuse(conn, "", &envelope.Problem{
			Code:    envelope.ErrUnauthorized,
			Message: "the first frame must be a handshake",
		})
		return
	}
	hello := f.Hello
	if hello.Protocol != envelope.Protocol {
		g.refuse(conn, hello.Participant, &envelope.Problem{
			Code:    envelope.ErrUnsupportedProtocol,
			Message: fmt.Sprintf("unsupported protocol %q, want %s", hello.Protocol, envelope.Protocol),
		})
		return
	}
	if !g.defs.Authenticate(hello.Participant, hello.Token) {
		// One message for unknown ids and wrong tokens: the handshake
		// must not reveal which ids exist.
		g.refuse(conn, hello.Participant, &envelope.Problem{
			Code:    envelope.ErrUnauthorized,
			Message: "authentication failed",
		})
		return
	}
	def, _ := g.defs.Get(hello.Participant)

	gen := atomic.AddUint64(&g.nextGen, 1)
	p := newPeer(conn, g.router, def.ID, gen, g.cfg.Gateway.OutboundQueue, log)
	go p.writePump()

	if prob := g.router.Connect(def, p, gen); prob != nil {
		log.WithField("code", prob.Code).Warn("connection refused")
		p.TrySendEnvelope(envelope.NewError(prob, def.ID, ""))
		p.Close()
		return
	}
	log = log.WithField("participant", def.ID)
	log.Info("participant connected")

	g.readLoop(conn, p, def.ID, gen, log)
}

func (g *Gateway) refuse(conn *transport.Conn, to string, prob *envelope.Problem) {
	g.log.WithFields(logrus.Fields{
		"remote": conn.Name(),
		"code":   prob.Code,
	}).Warn("handshake refused")
	env := envelope.NewError(prob, to, "")
	if to == "" {
		env.To = nil
	}
	if err := conn.WriteFrame(transport.EnvelopeFrame(env)); err != nil {
		g.log.WithError(err).Debug("failed to deliver handshake refusal")
	}
	conn.Close()
}

// readLoop parses inbound frames and enqueues router events until the
// transport fails. Stateless envelope violations reflect a system/error
// straight back without consulting the router.
func (g *Gateway) readLoop(conn *transport.Conn, p *peer, pid string, gen uint64, log *logrus.Entry) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			reason := "connection closed"
			if !closedErr(err) {
				reason = err.Error()
				log.WithError(err).Debug("read failed")
			}
			g.router.Disconnect(pid, gen, reason)
			p.Close()
			return
		}
		switch f.Type {
		case transport.FrameEnvelope:
			if f.Envelope == nil {
				p.TrySendEnvelope(envelope.NewError(&envelope.Problem{
					Code:    envelope.ErrMalformedEnvelope,
					Message: "envelope frame without an envelope",
				}, pid, ""))
				continue
			}
			env, prob := envelope.Check(f.Envelope, pid)
			if prob != nil {
				p.TrySendEnvelope(envelope.NewError(prob, pid, f.Envelope.ID))
				continue
			}
			g.router.Submit(pid, gen, env)
		case transport.FrameStream:
			g.router.SubmitFrame(pid, gen, f.StreamID, f.Data)
		case transport.FrameHello:
			p.TrySendEnvelope(envelope.NewError(&envelope.Problem{
				Code:    envelope.ErrInvalidOperation,
				Message: "connection is already authenticated",
			}, pid, ""))
		}
	}
}

func closedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
