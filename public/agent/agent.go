// Package agent is the participant runtime. It carries the boilerplate
// every long-running participant repeats: configuration from flags and
// environment, gateway connection and handshake, the envelope dispatch
// loop, lifecycle control handling (pause, compact, clear, restart,
// shutdown, status probes), and signal-driven graceful shutdown.
//
// A participant implements Runner with its domain logic and inherits the
// rest:
//
//	func main() {
//		if err := agent.Run(&echoRunner{}); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Spawned participants need no configuration at all: the gateway hands
// identity, token, and transport through the MEW_* environment.
package agent

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/transport"
	"github.com/mewproto/mew/public/client"
)

// Config sets up one participant. Zero fields resolve from command-line
// flags, then the MEW_* environment, then defaults, so programmatic
// values always win.
type Config struct {
	// Participant and Token authenticate against the gateway.
	Participant string
	Token       string

	// Gateway is the address to dial. Ignored in stdio mode.
	Gateway string
	// Codec frames the dialed connection: "json" or "binary".
	Codec string

	// Stdio attaches over the process's own stdin/stdout instead of
	// dialing, the transport of pipe-spawned participants. Resolution
	// turns it on when the gateway set MEW_TRANSPORT=pipe.
	Stdio bool

	// State is the initial lifecycle state the agent reports, "active"
	// when empty.
	State string

	// StatusInterval broadcasts a participant/status report on a timer.
	// Off when zero; spaces that disconnect idle participants rely on
	// it for liveness.
	StatusInterval time.Duration

	// Buffer sizes the inbound channels (default 64).
	Buffer int

	Log *logrus.Entry
}

// Agent is a running participant: one connection, one dispatch loop, and
// the lifecycle state the runtime tracks on the runner's behalf.
type Agent struct {
	cfg Config
	log *logrus.Entry

	c *client.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       string
	paused      bool
	pausedUntil time.Time
	shutdown    bool
}

// New resolves the configuration and prepares an agent. Nothing connects
// until Run.
func New(cfg Config) (*Agent, error) {
	cfg = resolve(cfg)
	if !cfg.Stdio && cfg.Gateway == "" {
		return nil, errors.New("gateway address required: set Config.Gateway, -gateway, or MEW_GATEWAY")
	}

	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("participant", cfg.Participant)

	a := &Agent{
		cfg:   cfg,
		log:   log,
		state: cfg.State,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// resolve fills empty fields from flags (when the binary has not parsed
// its own), then from the environment the gateway sets for spawned
// participants.
func resolve(cfg Config) Config {
	if !flag.Parsed() {
		gateway := flag.String("gateway", "", "gateway address (host:port)")
		participant := flag.String("participant", "", "participant id")
		token := flag.String("token", "", "authentication token")
		codec := flag.String("codec", "", "wire codec: json or binary")
		stdio := flag.Bool("stdio", false, "attach over stdin/stdout instead of dialing")
		flag.Parse()
		if cfg.Gateway == "" {
			cfg.Gateway = *gateway
		}
		if cfg.Participant == "" {
			cfg.Participant = *participant
		}
		if cfg.Token == "" {
			cfg.Token = *token
		}
		if cfg.Codec == "" {
			cfg.Codec = *codec
		}
		cfg.Stdio = cfg.Stdio || *stdio
	}

	if cfg.Participant == "" {
		cfg.Participant = os.Getenv("MEW_PARTICIPANT")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("MEW_TOKEN")
	}
	if cfg.Gateway == "" {
		cfg.Gateway = os.Getenv("MEW_GATEWAY")
	}
	if cfg.Codec == "" {
		cfg.Codec = os.Getenv("MEW_CODEC")
	}
	cfg.Stdio = cfg.Stdio || os.Getenv("MEW_TRANSPORT") == "pipe"

	if cfg.State == "" {
		cfg.State = "active"
	}
	return cfg
}

// Run executes the participant lifecycle: connect and shake hands, run
// the runner's Init, dispatch envelopes and frames until a shutdown
// order, a signal, Stop, or connection loss, then run Cleanup and
// disconnect. A shutdown requested through the protocol returns nil.
func (a *Agent) Run(runner Runner) error {
	if err := a.connect(); err != nil {
		return err
	}
	defer a.c.Close()

	if err := runner.Init(a); err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}
	defer func() {
		if err := runner.Cleanup(a); err != nil {
			a.log.WithError(err).Warn("runner cleanup failed")
		}
	}()

	a.log.WithField("pid", os.Getpid()).Info("agent running")
	return a.dispatchLoop(runner)
}

func (a *Agent) connect() error {
	opts := client.Options{
		Participant: a.cfg.Participant,
		Token:       a.cfg.Token,
		Codec:       transport.Codec(a.cfg.Codec),
		Buffer:      a.cfg.Buffer,
		Log:         a.log,
	}
	var (
		c   *client.Client
		err error
	)
	if a.cfg.Stdio {
		c, err = client.Stdio(opts)
	} else {
		c, err = client.Dial(a.ctx, a.cfg.Gateway, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to join space: %w", err)
	}
	a.c = c
	return nil
}

func (a *Agent) dispatchLoop(runner Runner) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var reportTick <-chan time.Time
	if a.cfg.StatusInterval > 0 {
		ticker := time.NewTicker(a.cfg.StatusInterval)
		defer ticker.Stop()
		reportTick = ticker.C
	}

	envelopes := a.c.Envelopes()
	frames := a.c.Frames()
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case s := <-sig:
			a.log.WithField("signal", s.String()).Info("stopping on signal")
			return nil
		case <-a.c.Done():
			err := a.c.Err()
			if a.shuttingDown() || errors.Is(err, client.ErrClosed) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case <-reportTick:
			a.report(runner)
		case env, ok := <-envelopes:
			if !ok {
				envelopes = nil
				continue
			}
			if stop := a.dispatch(runner, env); stop {
				return nil
			}
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			a.dispatchFrame(runner, frame)
		}
	}
}

// dispatch routes one envelope: lifecycle control kinds are the
// runtime's, everything else is the runner's. It reports true when the
// agent must stop.
func (a *Agent) dispatch(runner Runner, env *client.Envelope) bool {
	switch env.Kind {
	case client.KindParticipantPause:
		a.notePause(env)
	case client.KindParticipantResume:
		return a.noteResume(runner, env)
	case client.KindParticipantCompact:
		a.compact(runner, env)
	case client.KindParticipantClear:
		a.clear(runner, env)
	case client.KindParticipantRestart:
		return a.restart(runner, env)
	case client.KindParticipantShutdown:
		a.mu.Lock()
		a.shutdown = true
		a.mu.Unlock()
		a.log.WithField("by", env.From).Info("shutdown ordered")
		return true
	case client.KindParticipantRequestStatus:
		a.answerStatus(runner, env)
	case client.KindSystemHeartbeat:
		a.log.Debug("heartbeat")
	default:
		if err := runner.HandleEnvelope(a, env); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"kind": env.Kind,
				"from": env.From,
			}).Error("envelope handler failed")
		}
	}
	return false
}

func (a *Agent) dispatchFrame(runner Runner, frame client.StreamFrame) {
	h, ok := runner.(FrameHandler)
	if !ok {
		a.log.WithField("stream", frame.StreamID).Debug("dropping frame, runner handles no streams")
		return
	}
	if err := h.HandleFrame(a, frame); err != nil {
		a.log.WithError(err).WithField("stream", frame.StreamID).Error("frame handler failed")
	}
}

func (a *Agent) notePause(env *client.Envelope) {
	var body client.PausePayload
	_ = env.UnmarshalPayload(&body)

	a.mu.Lock()
	a.paused = true
	a.pausedUntil = time.Time{}
	if body.TimeoutSeconds > 0 {
		a.pausedUntil = time.Now().Add(time.Duration(body.TimeoutSeconds) * time.Second)
	}
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"by":     env.From,
		"reason": body.Reason,
	}).Info("paused")
}

// noteResume clears the pause. Gateway resume broadcasts name their
// participant and may concern someone else; those go to the runner.
func (a *Agent) noteResume(runner Runner, env *client.Envelope) bool {
	var body client.ResumePayload
	_ = env.UnmarshalPayload(&body)
	if body.Participant != "" && body.Participant != a.ID() {
		if err := runner.HandleEnvelope(a, env); err != nil {
			a.log.WithError(err).Error("envelope handler failed")
		}
		return false
	}

	a.mu.Lock()
	a.paused = false
	a.pausedUntil = time.Time{}
	a.mu.Unlock()
	a.log.WithField("reason", body.Reason).Info("resumed")
	return false
}

func (a *Agent) compact(runner Runner, env *client.Envelope) {
	if c, ok := runner.(Compactor); ok {
		if err := c.Compact(a, env); err != nil {
			// No compact-done: the gateway's deadline restores the state.
			a.log.WithError(err).Error("compaction failed")
			return
		}
	}
	if _, err := a.c.Reply(env, client.KindParticipantCompactDone, nil); err != nil {
		a.log.WithError(err).Warn("failed to report compaction done")
	}
}

func (a *Agent) clear(runner Runner, env *client.Envelope) {
	if cl, ok := runner.(Clearer); ok {
		if err := cl.Clear(a, env); err != nil {
			a.log.WithError(err).Error("context clear failed")
			return
		}
	}
	a.log.WithField("by", env.From).Info("context cleared")
}

// restart hands the order to a Restarter when the runner is one;
// otherwise the process exits and its supervisor decides what comes
// back.
func (a *Agent) restart(runner Runner, env *client.Envelope) bool {
	if r, ok := runner.(Restarter); ok {
		if err := r.Restart(a, env); err != nil {
			a.log.WithError(err).Error("in-process restart failed, stopping")
			return true
		}
		return false
	}
	a.log.WithField("by", env.From).Info("restart ordered, stopping")
	a.mu.Lock()
	a.shutdown = true
	a.mu.Unlock()
	return true
}

func (a *Agent) answerStatus(runner Runner, env *client.Envelope) {
	if _, err := a.c.Reply(env, client.KindParticipantStatus, a.status(runner)); err != nil {
		a.log.WithError(err).Warn("failed to answer status request")
	}
}

func (a *Agent) report(runner Runner) {
	if _, err := a.c.Emit(client.KindParticipantStatus, nil, a.status(runner)); err != nil {
		a.log.WithError(err).Debug("periodic status report failed")
	}
}

func (a *Agent) status(runner Runner) client.StatusPayload {
	if sr, ok := runner.(StatusReporter); ok {
		pay := sr.Status(a)
		if pay.State == "" {
			pay.State = a.State()
		}
		return pay
	}
	return client.StatusPayload{State: a.State()}
}

// Stop ends Run from the host side. The runner's Cleanup still executes.
func (a *Agent) Stop() {
	a.cancel()
}

// Client exposes the underlying connection for sending.
func (a *Agent) Client() *client.Client { return a.c }

// ID reports the authenticated participant id.
func (a *Agent) ID() string { return a.cfg.Participant }

// Log is the agent's structured logger.
func (a *Agent) Log() *logrus.Entry { return a.log }

// Welcome is the gateway's connection snapshot.
func (a *Agent) Welcome() client.Welcome { return a.c.Welcome() }

// State reports the lifecycle state the agent currently claims.
func (a *Agent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState changes the claimed state and broadcasts a status report,
// best effort.
func (a *Agent) SetState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	if a.c == nil {
		return
	}
	if err := a.c.ReportStatus(state, nil); err != nil {
		a.log.WithError(err).Debug("status broadcast failed")
	}
}

// Paused reports whether the gateway has this participant paused. Sends
// while paused bounce with a Paused problem; runners can check first.
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused && !a.pausedUntil.IsZero() && time.Now().After(a.pausedUntil) {
		// Deadline passed but the resume broadcast has not arrived yet.
		return false
	}
	return a.paused
}

func (a *Agent) shuttingDown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}
