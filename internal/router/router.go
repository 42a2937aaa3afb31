// Package router implements the single-writer event loop at the heart of
// a space. One router task owns every piece of mutable space state — the
// participant registry, stream table, proposal tracker, lifecycle
// machines, history log, and timer wheel — and consumes a serialized queue
// of events: inbound envelopes, stream frames, connects, disconnects,
// timer fires. Every invariant holds without locks because nothing else
// mutates.
//
// Transport goroutines never touch state: they parse, then enqueue. The
// router fans accepted envelopes out onto bounded per-recipient queues and
// never blocks; a recipient whose queue overflows is disconnected instead
// of stalling the space.
package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/config"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/history"
	"github.com/mewproto/mew/internal/lifecycle"
	"github.com/mewproto/mew/internal/metrics"
	"github.com/mewproto/mew/internal/proposal"
	"github.com/mewproto/mew/internal/registry"
	"github.com/mewproto/mew/internal/stream"
	"github.com/mewproto/mew/internal/timewheel"
)

// Timer wheel key namespaces. Expiry handlers look entities up by the id
// after the prefix; stale keys find nothing and do nothing.
const (
	timerHeartbeat = "heartbeat"
	timerPause     = "pause/"
	timerCompact   = "compact/"
	timerProposal  = "proposal/"
	timerIdle      = "idle/"
)

// Tap observes every accepted envelope after fan-out. Taps run on the
// router task and must hand off quickly.
type Tap func(*envelope.Envelope)

type connectEvent struct {
	def    registry.Definition
	sender registry.Sender
	gen    uint64
	result chan *envelope.Problem
}

type disconnectEvent struct {
	pid    string
	gen    uint64
	reason string
}

type envelopeEvent struct {
	sender string
	gen    uint64
	env    *envelope.Envelope
}

type frameEvent struct {
	sender   string
	gen      uint64
	streamID string
	data     []byte
}

type timerEvent struct {
	key string
}

// Router is the per-space event loop. Construct with New, register taps,
// then Start; the loop runs until Stop.
type Router struct {
	cfg  *config.Space
	defs *registry.Definitions
	log  *logrus.Entry
	met  *metrics.Set

	events chan interface{}
	quit   chan struct{}
	done   chan struct{}
	stop   sync.Once

	norm      *envelope.Normalizer
	reg       *registry.Registry
	streams   *stream.Table
	proposals *proposal.Tracker
	hist      *history.Log
	wheel     *timewheel.Wheel

	// grants maps a capability/grant envelope id to its grant_id so a
	// grant-ack can resolve through correlation alone.
	grants map[string]string

	taps  []Tap
	hbSeq uint64

	// Now is swappable for tests.
	Now func() time.Time
}

// New assembles a router for the space. hist must be non-nil; a nil
// metrics set gets a private one.
func New(cfg *config.Space, defs *registry.Definitions, hist *history.Log, met *metrics.Set, log *logrus.Entry) *Router {
	if met == nil {
		met = metrics.NewSet(cfg.Name)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Router{
		cfg:       cfg,
		defs:      defs,
		log:       log.WithField("component", "router"),
		met:       met,
		events:    make(chan interface{}, 1024),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		norm:      envelope.NewNormalizer(),
		reg:       registry.New(),
		streams:   stream.NewTable(),
		proposals: proposal.NewTracker(cfg.ProposalLifetime()),
		hist:      hist,
		grants:    make(map[string]string),
		Now:       func() time.Time { return time.Now().UTC() },
	}
	r.wheel = timewheel.New(func(key string) {
		r.enqueue(timerEvent{key: key})
	})
	return r
}

// Tap registers an observer for accepted envelopes. Must be called before
// Start.
func (r *Router) Tap(fn Tap) {
	r.taps = append(r.taps, fn)
}

// History exposes the space's envelope journal for audit readers.
func (r *Router) History() *history.Log {
	return r.hist
}

// Start launches the router task and its timer wheel.
func (r *Router) Start() {
	r.wheel.Start()
	if d := r.cfg.Heartbeat(); d > 0 {
		r.wheel.After(timerHeartbeat, d)
	}
	go r.run()
}

// Stop terminates the router task, closing every participant connection.
// Queued events are discarded.
func (r *Router) Stop() {
	r.stop.Do(func() { close(r.quit) })
	<-r.done
}

// Connect asks the router to admit an authenticated participant. It blocks
// until the router has either installed the participant and enqueued its
// welcome, or refused admission.
func (r *Router) Connect(def registry.Definition, sender registry.Sender, gen uint64) *envelope.Problem {
	ev := connectEvent{def: def, sender: sender, gen: gen, result: make(chan *envelope.Problem, 1)}
	select {
	case r.events <- ev:
	case <-r.done:
		return spaceDown()
	}
	select {
	case prob := <-ev.result:
		return prob
	case <-r.done:
		return spaceDown()
	}
}

// Disconnect reports that a participant's transport is gone. gen guards
// against a stale disconnect racing a fresh connection under the same id.
func (r *Router) Disconnect(pid string, gen uint64, reason string) {
	r.enqueue(disconnectEvent{pid: pid, gen: gen, reason: reason})
}

// Submit enqueues a parsed inbound envelope from a transport task.
func (r *Router) Submit(sender string, gen uint64, env *envelope.Envelope) {
	r.enqueue(envelopeEvent{sender: sender, gen: gen, env: env})
}

// SubmitFrame enqueues a binary stream frame from a transport task.
func (r *Router) SubmitFrame(sender string, gen uint64, streamID string, data []byte) {
	r.enqueue(frameEvent{sender: sender, gen: gen, streamID: streamID, data: data})
}

func (r *Router) enqueue(ev interface{}) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func spaceDown() *envelope.Problem {
	return &envelope.Problem{Code: envelope.ErrUnauthorized, Message: "space is shut down"}
}

func (r *Router) run() {
	defer func() {
		close(r.done)
		r.wheel.Stop()
		for _, p := range r.reg.All() {
			p.Sender.Close()
		}
	}()

	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.events:
			r.dispatch(ev)
		}
	}
}

func (r *Router) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case connectEvent:
		r.handleConnect(e)
	case disconnectEvent:
		r.drop(e.pid, e.gen, e.reason)
	case envelopeEvent:
		r.handleEnvelope(e)
	case frameEvent:
		r.handleFrame(e)
	case timerEvent:
		r.handleTimer(e)
	}
}

func (r *Router) handleConnect(e connectEvent) {
	if _, connected := r.reg.Get(e.def.ID); connected {
		e.result <- &envelope.Problem{
			Code:    envelope.ErrUnauthorized,
			Message: fmt.Sprintf("participant %q is already connected", e.def.ID),
		}
		return
	}

	now := r.Now()
	p := &registry.Participant{
		ID:        e.def.ID,
		Static:    e.def.Static,
		Machine:   lifecycle.NewMachine(),
		Sender:    e.sender,
		ConnGen:   e.gen,
		JoinedAt:  now,
		LastSeen:  now,
		DefaultTo: e.def.DefaultTo,
	}
	r.reg.Add(p)
	r.met.Participants.Set(float64(r.reg.Len()))

	// The welcome is the connection's first envelope: it is enqueued
	// before the admission verdict is released and before any presence
	// broadcast, and the write pump drains in order.
	welcome := r.buildWelcome(p)
	r.norm.Observe(welcome.ID)
	if !p.Sender.TrySendEnvelope(welcome) {
		r.reg.Remove(p.ID)
		r.met.Participants.Set(float64(r.reg.Len()))
		e.result <- &envelope.Problem{
			Code:    envelope.ErrBackpressureDisconnect,
			Message: "could not enqueue welcome",
		}
		return
	}
	e.result <- nil

	r.log.WithField("participant", p.ID).Info("participant joined")
	r.deliverSystem(envelope.KindSystemPresence, PresencePayload{
		Event:       PresenceJoin,
		Participant: p.Public(),
	}, "", r.reg.Others(p.ID))

	if d := r.cfg.IdleTimeout(); d > 0 {
		r.wheel.After(timerIdle+p.ID, d)
	}
}

// drop removes a participant and performs disconnect cleanup. Idempotent
// per connection generation, so an envelope mid-flight behind a
// back-pressure disconnect cannot drop a reconnected participant.
func (r *Router) drop(pid string, gen uint64, reason string) {
	p, ok := r.reg.Get(pid)
	if !ok || p.ConnGen != gen {
		return
	}
	r.reg.Remove(pid)
	p.Sender.Close()
	r.wheel.Cancel(timerPause + pid)
	r.wheel.Cancel(timerCompact + pid)
	r.wheel.Cancel(timerIdle + pid)
	r.met.Participants.Set(float64(r.reg.Len()))

	closed := r.streams.DropParticipant(pid)
	r.met.ActiveStreams.Set(float64(r.streams.Len()))
	r.proposals.DropProposer(pid)

	r.log.WithFields(logrus.Fields{
		"participant": pid,
		"reason":      reason,
	}).Info("participant left")

	// Leave presence is broadcast only after the registry removal.
	r.broadcastSystem(envelope.KindSystemPresence, PresencePayload{
		Event:       PresenceLeave,
		Participant: p.Public(),
	}, "")
	for _, s := range closed {
		r.broadcastSystem(envelope.KindStreamClose, StreamClosePayload{
			StreamID: s.ID,
			Reason:   "owner disconnected",
		}, "")
	}
}

func (r *Router) handleTimer(e timerEvent) {
	switch {
	case e.key == timerHeartbeat:
		r.hbSeq++
		r.broadcastSystem(envelope.KindSystemHeartbeat, HeartbeatPayload{Seq: r.hbSeq}, "")
		if d := r.cfg.Heartbeat(); d > 0 {
			r.wheel.After(timerHeartbeat, d)
		}
	case strings.HasPrefix(e.key, timerPause):
		r.pauseExpired(strings.TrimPrefix(e.key, timerPause))
	case strings.HasPrefix(e.key, timerCompact):
		r.compactExpired(strings.TrimPrefix(e.key, timerCompact))
	case strings.HasPrefix(e.key, timerProposal):
		r.proposalExpired(strings.TrimPrefix(e.key, timerProposal))
	case strings.HasPrefix(e.key, timerIdle):
		r.idleExpired(strings.TrimPrefix(e.key, timerIdle))
	}
}

func (r *Router) pauseExpired(pid string) {
	p, ok := r.reg.Get(pid)
	if !ok || !p.Machine.Resume() {
		return
	}
	r.log.WithField("participant", pid).Info("pause expired, resuming")
	r.broadcastSystem(envelope.KindParticipantResume, ResumePayload{
		Participant: pid,
		Reason:      "pause timeout",
	}, "")
	r.broadcastStatus(p, "pause timeout", "")
}

func (r *Router) compactExpired(pid string) {
	p, ok := r.reg.Get(pid)
	if !ok {
		return
	}
	if _, ended := p.Machine.EndCompact(); !ended {
		return
	}
	r.log.WithField("participant", pid).Warn("compact timed out")
	r.broadcastStatus(p, "compact timeout", "")
}

func (r *Router) proposalExpired(id string) {
	prop := r.proposals.Expire(id)
	if prop == nil {
		return
	}
	r.met.OpenProposals.Set(float64(r.proposals.Len()))
	r.log.WithFields(logrus.Fields{
		"proposal": id,
		"proposer": prop.Proposer,
	}).Info("proposal expired")
	// A note to the proposer only; the proposal is never withdrawn
	// server-side.
	if _, connected := r.reg.Get(prop.Proposer); connected {
		r.sendSystem(prop.Proposer, envelope.KindSystemProposalTimeout, ProposalTimeoutPayload{
			ProposalID: id,
		}, id)
	}
}

func (r *Router) idleExpired(pid string) {
	p, ok := r.reg.Get(pid)
	if !ok {
		return
	}
	d := r.cfg.IdleTimeout()
	if d <= 0 {
		return
	}
	if idle := r.Now().Sub(p.LastSeen); idle < d {
		r.wheel.Schedule(timerIdle+pid, p.LastSeen.Add(d))
		return
	}
	r.drop(pid, p.ConnGen, "idle timeout")
}

// touch records sender activity and pushes the idle deadline out.
func (r *Router) touch(p *registry.Participant) {
	p.LastSeen = r.Now()
	if d := r.cfg.IdleTimeout(); d > 0 {
		r.wheel.Schedule(timerIdle+p.ID, p.LastSeen.Add(d))
	}
}

// route persists env and fans it out per the delivery policy: empty To is
// a broadcast to everyone but the sender; explicit recipients are
// delivered once each, skipping the sender and ids not connected.
func (r *Router) route(env *envelope.Envelope) {
	var recipients []*registry.Participant
	if env.IsBroadcast() {
		recipients = r.reg.Others(env.From)
	} else {
		recipients = make([]*registry.Participant, 0, len(env.To))
		seen := make(map[string]struct{}, len(env.To))
		for _, id := range env.To {
			if id == env.From {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if rcpt, ok := r.reg.Get(id); ok {
				recipients = append(recipients, rcpt)
			}
		}
	}
	r.accept(env, recipients)
}

// accept appends env to history, then fans it out. The history write
// happens first so anything a recipient sees is already in the log. A
// journal failure breaks that promise and fails the space.
func (r *Router) accept(env *envelope.Envelope, recipients []*registry.Participant) {
	if _, err := r.hist.Append(env, r.Now()); err != nil {
		r.log.WithError(err).Error("history append failed, failing space")
		panic(fmt.Sprintf("history append failed for envelope %s: %v", env.ID, err))
	}
	r.met.HistoryEntries.Inc()
	r.deliver(env, recipients)
}

// deliver enqueues env to each recipient and feeds the taps.
// Gateway-originated envelopes take this path directly: the history log
// records participant traffic, not the gateway's own narration.
func (r *Router) deliver(env *envelope.Envelope, recipients []*registry.Participant) {
	r.met.Routed(env.Kind)
	for _, rcpt := range recipients {
		if rcpt.ID == env.From {
			continue
		}
		if !rcpt.Sender.TrySendEnvelope(env) {
			r.overflow(rcpt)
		}
	}
	for _, tap := range r.taps {
		tap(env)
	}
}

// broadcastSystem delivers a gateway-originated envelope to every
// connected participant.
func (r *Router) broadcastSystem(kind string, payload interface{}, correlate string) {
	r.deliverSystem(kind, payload, correlate, r.reg.All())
}

// sendSystem delivers a gateway-originated envelope to one participant.
func (r *Router) sendSystem(to, kind string, payload interface{}, correlate string) {
	env := r.systemEnvelope(kind, payload, correlate)
	env.To = []string{to}
	if p, ok := r.reg.Get(to); ok {
		r.deliver(env, []*registry.Participant{p})
	}
}

func (r *Router) deliverSystem(kind string, payload interface{}, correlate string, recipients []*registry.Participant) {
	r.deliver(r.systemEnvelope(kind, payload, correlate), recipients)
}

func (r *Router) systemEnvelope(kind string, payload interface{}, correlate string) *envelope.Envelope {
	env, err := envelope.New(envelope.System, kind, payload)
	if err != nil {
		// System payloads are our own structs; failure here is a bug.
		panic(fmt.Sprintf("failed to build %s payload: %v", kind, err))
	}
	if correlate != "" {
		env.CorrelationID = envelope.CorrelationIDs{correlate}
	}
	r.norm.Observe(env.ID)
	return env
}

// reject reflects a refusal to the offending sender. Refusals are local:
// not routed, not broadcast, not journaled.
func (r *Router) reject(p *registry.Participant, offending string, prob *envelope.Problem) {
	r.met.Rejected(prob.Code)
	r.log.WithFields(logrus.Fields{
		"participant": p.ID,
		"code":        prob.Code,
		"kind":        prob.AttemptedKind,
	}).Debug("envelope rejected")

	errEnv := envelope.NewError(prob, p.ID, offending)
	r.norm.Observe(errEnv.ID)
	if !p.Sender.TrySendEnvelope(errEnv) {
		r.overflow(p)
	}
}

// overflow disconnects a recipient whose bounded outbound queue filled,
// instead of letting one slow consumer stall the space.
func (r *Router) overflow(p *registry.Participant) {
	r.met.OverflowDisconnects.Inc()
	r.log.WithField("participant", p.ID).Warn("outbound queue overflow")
	r.drop(p.ID, p.ConnGen, "outbound queue overflow")
}
