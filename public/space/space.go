// Package space hosts a complete coordination space inside the current
// process. A host application defines a roster, starts the space, and
// connects participants over in-process pipes without any network setup;
// the same space can optionally serve TCP for external participants and
// spawn auto-start processes, exactly as the standalone gateway does.
package space

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/config"
	"github.com/mewproto/mew/internal/gateway"
	"github.com/mewproto/mew/internal/transport"
	"github.com/mewproto/mew/public/client"
)

// Participant provisions one identity on an embedded space.
type Participant struct {
	ID           string
	Capabilities []client.Capability

	// Token authenticates the participant. Empty mints an ephemeral
	// token for the lifetime of the space; Connect uses it
	// automatically.
	Token string

	// DefaultTo seeds the participant's default chat recipients.
	DefaultTo []string

	// AutoStart, when set, is a command line the space spawns on
	// Start. Transport is "pipe" (attach over the child's stdio) or
	// "socket" (the child dials back itself).
	AutoStart string
	Transport string
}

// Config describes an embedded space.
type Config struct {
	// Name identifies the space in logs and metrics.
	Name string

	// ConfigFile loads a YAML space document instead of Participants.
	// Exposure stays under the embedder's control: the file's listen
	// address is ignored and Listen below applies.
	ConfigFile string

	Participants []Participant

	// Listen optionally serves the space on TCP alongside in-process
	// connections. Empty keeps the space process-local.
	Listen string
	// Codec frames socket connections: "json" or "binary".
	Codec string

	// JournalDir persists history on disk when set.
	JournalDir string
	// HistoryLimit bounds the in-memory history window.
	HistoryLimit int

	Debug bool
	Log   *logrus.Entry
}

// Space is a running coordination space owned by the host process.
type Space struct {
	cfg    *config.Space
	log    *logrus.Entry
	g      *gateway.Gateway
	bridge *bridge

	// tokens holds the connect credential per participant, including
	// the ones minted for tokenless roster entries.
	tokens map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error

	mu      sync.Mutex
	started bool
	stopped bool
	runErr  error
}

// New assembles a space from cfg. The space does not run until Start.
func New(cfg Config) (*Space, error) {
	sc, err := assemble(cfg)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		base := logrus.New()
		if cfg.Debug || sc.Debug {
			base.SetLevel(logrus.DebugLevel)
		}
		log = base.WithField("space", sc.Name)
	}

	tokens := make(map[string]string)
	for i := range sc.Participants {
		p := &sc.Participants[i]
		if len(p.Tokens) == 0 {
			if p.AutoStart != "" {
				// The spawner provisions its own child tokens.
				continue
			}
			p.Tokens = []string{uuid.NewString()}
		}
		tokens[p.ID] = p.Tokens[0]
	}

	g, err := gateway.New(sc, log)
	if err != nil {
		return nil, err
	}

	s := &Space{
		cfg:    sc,
		log:    log,
		g:      g,
		bridge: newBridge(),
		tokens: tokens,
		done:   make(chan error, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// Taps register before the router starts.
	g.Router().Tap(s.bridge.publish)
	return s, nil
}

func assemble(cfg Config) (*config.Space, error) {
	if cfg.ConfigFile != "" {
		sc, err := config.Load(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		sc.Gateway.Listen = cfg.Listen
		if cfg.JournalDir != "" {
			sc.Gateway.JournalDir = cfg.JournalDir
		}
		return sc, nil
	}

	sc := config.Default()
	sc.Name = cfg.Name
	sc.Debug = cfg.Debug
	sc.Gateway.Listen = cfg.Listen
	if cfg.Codec != "" {
		sc.Gateway.Codec = cfg.Codec
	}
	sc.Gateway.JournalDir = cfg.JournalDir
	if cfg.HistoryLimit > 0 {
		sc.Gateway.HistoryLimit = cfg.HistoryLimit
	}
	for _, p := range cfg.Participants {
		def := config.Participant{
			ID:           p.ID,
			Capabilities: p.Capabilities,
			DefaultTo:    p.DefaultTo,
			AutoStart:    p.AutoStart,
			Transport:    p.Transport,
		}
		if p.Token != "" {
			def.Tokens = []string{p.Token}
		}
		sc.Participants = append(sc.Participants, def)
	}
	sc.Normalize()
	return sc, nil
}

// Start launches the space: router, optional TCP listener and metrics
// endpoint, and auto-start participants. When a listener is configured,
// Start returns after it is bound so Addr reports the effective address.
func (s *Space) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("space already started")
	}
	s.started = true
	s.mu.Unlock()

	go func() { s.done <- s.g.Run(s.ctx) }()

	if s.cfg.Gateway.Listen == "" {
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.g.Addr() == nil {
		select {
		case err := <-s.done:
			if err == nil {
				err = errors.New("space exited during startup")
			}
			s.done <- err // Stop still observes the exit.
			return err
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("listener on %s did not bind", s.cfg.Gateway.Listen)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// Stop shuts the space down and waits for it to exit: connected
// participants are dropped, auto-start children are signalled, and the
// history journal is released. Stop reports the space's exit error, if
// any, and is safe to call more than once.
func (s *Space) Stop() error {
	s.mu.Lock()
	if s.stopped {
		err := s.runErr
		s.mu.Unlock()
		return err
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	var err error
	if started {
		err = <-s.done
	} else {
		s.g.Stop()
	}
	s.bridge.close()

	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
	return err
}

// Name reports the space name after defaulting.
func (s *Space) Name() string { return s.cfg.Name }

// Addr reports the TCP listener's bound address, or nil when the space
// is process-local.
func (s *Space) Addr() net.Addr { return s.g.Addr() }

// Connect attaches a defined participant over an in-process pipe using
// the token provisioned for it and completes the handshake. The returned
// client is live: its welcome is already populated.
func (s *Space) Connect(id string) (*client.Client, error) {
	token, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("participant %q is not defined", id)
	}
	return s.ConnectWith(id, token)
}

// ConnectWith attaches with an explicit token, for identities whose
// credentials are managed outside the space configuration.
func (s *Space) ConnectWith(id, token string) (*client.Client, error) {
	gw, cl, err := transport.Loopback(transport.Codec(s.cfg.Gateway.Codec))
	if err != nil {
		return nil, err
	}
	s.g.Attach(gw)
	return client.Attach(cl, client.Options{
		Participant: id,
		Token:       token,
		Log:         s.log,
	})
}

// Token reveals the connect token provisioned for a defined participant,
// for handing to an external process.
func (s *Space) Token(id string) (string, bool) {
	token, ok := s.tokens[id]
	return token, ok
}

// History returns up to n of the most recently accepted envelopes,
// oldest first.
func (s *Space) History(n int) []*client.Envelope {
	entries := s.g.History().Tail(n)
	out := make([]*client.Envelope, len(entries))
	for i, e := range entries {
		out[i] = e.Envelope
	}
	return out
}
