package router

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/lifecycle"
	"github.com/mewproto/mew/internal/registry"
)

// handleEnvelope runs the admission pipeline on one inbound envelope:
// stale-connection check, normalization, system-namespace reservation,
// lifecycle gate, capability gate, then the per-kind side effects and
// routing. Any rejection reflects a system/error to the sender and stops.
func (r *Router) handleEnvelope(e envelopeEvent) {
	p, ok := r.reg.Get(e.sender)
	if !ok || p.ConnGen != e.gen {
		// The sender was disconnected while this envelope sat on the
		// queue. Nothing to reflect to.
		return
	}
	r.touch(p)
	env := e.env

	// Transports ran envelope.Check already; re-assert sender identity so
	// in-process attach paths get the same spoof protection.
	if env.From == "" {
		env.From = p.ID
	} else if env.From != p.ID {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrSpoofedSender,
			Message:       "from " + strconv.Quote(env.From) + " does not match authenticated participant " + strconv.Quote(p.ID),
			AttemptedKind: env.Kind,
		})
		return
	}
	if prob := r.norm.Admit(env); prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if envelope.IsSystemKind(env.Kind) {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       "the system/* namespace is reserved for gateway-originated envelopes",
			AttemptedKind: env.Kind,
		})
		return
	}
	if prob := r.gateLifecycle(p, env); prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if allowed := p.Effective().Allow(env); allowed == nil {
		code := envelope.ErrForbidden
		msg := "no capability permits this envelope"
		if !envelope.KnownKind(env.Kind) {
			code = envelope.ErrUnknownKind
			msg = "kind is outside the taxonomy and no capability permits it"
		}
		r.reject(p, env.ID, &envelope.Problem{
			Code:             code,
			Message:          msg,
			AttemptedKind:    env.Kind,
			YourCapabilities: p.Effective(),
		})
		return
	}

	r.process(p, env)
}

// gateLifecycle rejects envelopes the sender's lifecycle state forbids.
func (r *Router) gateLifecycle(p *registry.Participant, env *envelope.Envelope) *envelope.Problem {
	switch p.Machine.State() {
	case lifecycle.StateShutDown:
		return &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       "participant is shut down",
			AttemptedKind: env.Kind,
		}
	case lifecycle.StatePaused:
		if !lifecycle.PausedAllows(env.Kind) {
			return &envelope.Problem{
				Code:          envelope.ErrPaused,
				Message:       "participant is paused: " + p.Machine.PauseReason,
				AttemptedKind: env.Kind,
			}
		}
		if env.Kind == envelope.KindStreamClose {
			// Paused participants may close their own streams only.
			var body StreamClosePayload
			if err := env.UnmarshalPayload(&body); err != nil {
				return &envelope.Problem{
					Code:          envelope.ErrMalformedEnvelope,
					Message:       "stream/close payload requires stream_id",
					AttemptedKind: env.Kind,
				}
			}
			if s, ok := r.streams.Get(body.StreamID); !ok || s.Owner != p.ID {
				return &envelope.Problem{
					Code:          envelope.ErrPaused,
					Message:       "paused participants may only close streams they own",
					AttemptedKind: env.Kind,
				}
			}
		}
	}
	return nil
}

// process applies the per-kind side effects of an admitted, authorized
// envelope and routes it.
func (r *Router) process(p *registry.Participant, env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindMCPProposal:
		r.processProposal(p, env)
	case envelope.KindMCPRequest:
		r.processRequest(p, env)
	case envelope.KindMCPResponse:
		r.processResponse(p, env)
	case envelope.KindMCPWithdraw:
		r.processWithdraw(p, env)
	case envelope.KindParticipantStatus:
		r.absorbStatus(p, env)
		r.route(env)
	case envelope.KindParticipantPause:
		r.processPause(p, env)
	case envelope.KindParticipantResume:
		r.processResume(p, env)
	case envelope.KindParticipantCompact:
		r.processCompact(p, env)
	case envelope.KindParticipantCompactDone:
		r.processCompactDone(p, env)
	case envelope.KindParticipantClear:
		r.processClear(p, env)
	case envelope.KindParticipantRestart:
		r.processRestart(p, env)
	case envelope.KindParticipantShutdown:
		r.processShutdown(p, env)
	case envelope.KindCapabilityGrant:
		r.processGrant(p, env)
	case envelope.KindCapabilityGrantAck:
		r.processGrantAck(p, env)
	case envelope.KindCapabilityRevoke:
		r.processRevoke(p, env)
	case envelope.KindSpaceInvite:
		r.processInvite(p, env)
	case envelope.KindSpaceKick:
		r.processKick(p, env)
	case envelope.KindStreamRequest:
		r.processStreamRequest(p, env)
	case envelope.KindStreamGrantWrite:
		r.processStreamGrantWrite(p, env)
	case envelope.KindStreamRevokeWrite:
		r.processStreamRevokeWrite(p, env)
	case envelope.KindStreamTransferOwnership:
		r.processStreamTransfer(p, env)
	case envelope.KindStreamClose:
		r.processStreamClose(p, env)
	default:
		// chat, reasoning, notifications, custom kinds: pure routing.
		r.route(env)
	}
}

// --- proposals ---

func (r *Router) processProposal(p *registry.Participant, env *envelope.Envelope) {
	prop := r.proposals.Add(env)
	if lifetime := r.proposals.Lifetime(); lifetime > 0 {
		r.wheel.Schedule(timerProposal+prop.ID, prop.Deadline)
	}
	r.met.OpenProposals.Set(float64(r.proposals.Len()))
	r.route(env)
}

func (r *Router) processRequest(p *registry.Participant, env *envelope.Envelope) {
	if prop := r.proposals.ObserveRequest(env); prop != nil {
		r.log.WithFields(logrus.Fields{
			"proposal": prop.ID,
			"request":  env.ID,
		}).Debug("request may fulfill proposal")
	}
	r.route(env)
}

func (r *Router) processResponse(p *registry.Participant, env *envelope.Envelope) {
	if prop := r.proposals.ObserveResponse(env); prop != nil {
		r.wheel.Cancel(timerProposal + prop.ID)
		r.met.OpenProposals.Set(float64(r.proposals.Len()))
		r.log.WithFields(logrus.Fields{
			"proposal": prop.ID,
			"proposer": prop.Proposer,
		}).Info("proposal fulfilled")
	}
	r.route(env)
}

func (r *Router) processWithdraw(p *registry.Participant, env *envelope.Envelope) {
	for _, prop := range r.proposals.Withdraw(env) {
		r.wheel.Cancel(timerProposal + prop.ID)
	}
	r.met.OpenProposals.Set(float64(r.proposals.Len()))
	r.route(env)
}

// --- participant lifecycle ---

// controlTarget resolves a lifecycle control envelope to its single
// connected target.
func (r *Router) controlTarget(env *envelope.Envelope) (*registry.Participant, *envelope.Problem) {
	if len(env.To) != 1 {
		return nil, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       env.Kind + " requires exactly one recipient",
			AttemptedKind: env.Kind,
		}
	}
	t, ok := r.reg.Get(env.To[0])
	if !ok {
		return nil, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       "participant " + strconv.Quote(env.To[0]) + " is not connected",
			AttemptedKind: env.Kind,
		}
	}
	return t, nil
}

func (r *Router) invalidTransition(env *envelope.Envelope, t *registry.Participant) *envelope.Problem {
	return &envelope.Problem{
		Code: envelope.ErrInvalidOperation,
		Message: env.Kind + " is invalid while " + strconv.Quote(t.ID) +
			" is " + string(t.Machine.State()),
		AttemptedKind: env.Kind,
	}
}

// broadcastStatus announces a lifecycle transition on behalf of the
// participant. Participants additionally report their own status; the
// gateway's broadcasts carry only what the machine knows.
func (r *Router) broadcastStatus(p *registry.Participant, reason, correlate string) {
	pay := StatusPayload{
		Participant: p.ID,
		State:       string(p.Machine.State()),
		Reason:      reason,
	}
	if !p.Machine.PauseUntil.IsZero() {
		until := p.Machine.PauseUntil
		pay.Until = &until
	}
	r.broadcastSystem(envelope.KindParticipantStatus, pay, correlate)
}

func (r *Router) broadcastTransient(pid string, state lifecycle.State, reason, correlate string) {
	r.broadcastSystem(envelope.KindParticipantStatus, StatusPayload{
		Participant: pid,
		State:       string(state),
		Reason:      reason,
	}, correlate)
}

func (r *Router) processPause(p *registry.Participant, env *envelope.Envelope) {
	t, prob := r.controlTarget(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	var body PausePayload
	_ = env.UnmarshalPayload(&body)

	timeout := r.cfg.PauseDefault()
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}
	var until time.Time
	if timeout > 0 {
		until = r.Now().Add(timeout)
	}
	if !t.Machine.Pause(body.Reason, until) {
		r.reject(p, env.ID, r.invalidTransition(env, t))
		return
	}
	if timeout > 0 {
		r.wheel.Schedule(timerPause+t.ID, until)
	}
	r.log.WithFields(logrus.Fields{
		"participant": t.ID,
		"by":          p.ID,
		"reason":      body.Reason,
	}).Info("participant paused")
	r.route(env)
	r.broadcastStatus(t, body.Reason, env.ID)
}

func (r *Router) processResume(p *registry.Participant, env *envelope.Envelope) {
	t, prob := r.controlTarget(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if !t.Machine.Resume() {
		r.reject(p, env.ID, r.invalidTransition(env, t))
		return
	}
	r.wheel.Cancel(timerPause + t.ID)
	r.log.WithFields(logrus.Fields{"participant": t.ID, "by": p.ID}).Info("participant resumed")
	r.route(env)
	r.broadcastStatus(t, "", env.ID)
}

func (r *Router) processCompact(p *registry.Participant, env *envelope.Envelope) {
	t, prob := r.controlTarget(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if !t.Machine.BeginCompact() {
		r.reject(p, env.ID, r.invalidTransition(env, t))
		return
	}
	if d := r.cfg.CompactTimeout(); d > 0 {
		r.wheel.After(timerCompact+t.ID, d)
	}
	r.route(env)
	r.broadcastStatus(t, "", env.ID)
}

// processCompactDone completes the sender's own compaction. A stray
// compact-done from a participant that is not compacting still routes;
// there is no state to restore.
func (r *Router) processCompactDone(p *registry.Participant, env *envelope.Envelope) {
	if _, ended := p.Machine.EndCompact(); ended {
		r.wheel.Cancel(timerCompact + p.ID)
		r.route(env)
		r.broadcastStatus(p, "", env.ID)
		return
	}
	r.route(env)
}

func (r *Router) processClear(p *registry.Participant, env *envelope.Envelope) {
	t, prob := r.controlTarget(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if !t.Machine.Clear() {
		r.reject(p, env.ID, r.invalidTransition(env, t))
		return
	}
	r.route(env)
	// The clearing state is transient: it exists between these two
	// broadcasts while the target discards its context.
	r.broadcastTransient(t.ID, lifecycle.StateClearing, "", env.ID)
	r.broadcastStatus(t, "", env.ID)
}

func (r *Router) processRestart(p *registry.Participant, env *envelope.Envelope) {
	t, prob := r.controlTarget(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if !t.Machine.Restart() {
		r.reject(p, env.ID, r.invalidTransition(env, t))
		return
	}
	r.wheel.Cancel(timerPause + t.ID)
	r.wheel.Cancel(timerCompact + t.ID)
	r.route(env)
	r.broadcastTransient(t.ID, lifecycle.StateRestarting, "", env.ID)

	// The restarting participant must close its own streams; the gateway
	// closes only those nothing else can write to or close.
	for _, s := range r.streams.CloseSoleWriter(t.ID) {
		r.broadcastSystem(envelope.KindStreamClose, StreamClosePayload{
			StreamID: s.ID,
			Reason:   "sole writer restarting",
		}, env.ID)
	}
	r.met.ActiveStreams.Set(float64(r.streams.Len()))
	r.broadcastStatus(t, "", env.ID)
}

func (r *Router) processShutdown(p *registry.Participant, env *envelope.Envelope) {
	t, prob := r.controlTarget(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if !t.Machine.Shutdown() {
		r.reject(p, env.ID, r.invalidTransition(env, t))
		return
	}
	r.wheel.Cancel(timerPause + t.ID)
	r.wheel.Cancel(timerCompact + t.ID)
	r.log.WithFields(logrus.Fields{"participant": t.ID, "by": p.ID}).Info("participant shut down")
	r.route(env)
	r.broadcastStatus(t, "", env.ID)
	// The target disconnects itself; leave presence follows the actual
	// disconnect, not the state change.
}

func (r *Router) absorbStatus(p *registry.Participant, env *envelope.Envelope) {
	var report StatusReport
	if err := env.UnmarshalPayload(&report); err == nil && report.ContextWindow != nil {
		p.Context = *report.ContextWindow
	}
}

// --- grants ---

func (r *Router) processGrant(p *registry.Participant, env *envelope.Envelope) {
	var body GrantPayload
	if err := env.UnmarshalPayload(&body); err != nil || body.Recipient == "" || len(body.Capabilities) == 0 {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       "capability/grant requires recipient and capabilities",
			AttemptedKind: env.Kind,
		})
		return
	}
	grantee, ok := r.reg.Get(body.Recipient)
	if !ok {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       "grant recipient " + strconv.Quote(body.Recipient) + " is not connected",
			AttemptedKind: env.Kind,
		})
		return
	}

	grantID := body.GrantID
	if grantID == "" {
		grantID = uuid.New().String()
	}
	now := r.Now()

	// Grants within the grantor's own effective set are live immediately.
	// Elevated grants stay pending until the grantee acknowledges them,
	// so a third party can never silently widen what a participant may do.
	grantorSet := p.Effective()
	elevated := false
	for _, c := range body.Capabilities {
		accepted := grantorSet.Covers(c)
		if !accepted {
			elevated = true
		}
		grantee.AddGrant(&registry.Grant{
			ID:         grantID,
			Grantor:    p.ID,
			Capability: c,
			Accepted:   accepted,
			GrantedAt:  now,
		})
	}
	r.grants[env.ID] = grantID

	r.log.WithFields(logrus.Fields{
		"grantor":  p.ID,
		"grantee":  grantee.ID,
		"grant_id": grantID,
		"elevated": elevated,
	}).Info("capabilities granted")
	r.route(env)
}

func (r *Router) processGrantAck(p *registry.Participant, env *envelope.Envelope) {
	var body GrantAckPayload
	_ = env.UnmarshalPayload(&body)

	ids := make([]string, 0, 1+len(env.CorrelationID))
	if body.GrantID != "" {
		ids = append(ids, body.GrantID)
	}
	for _, cid := range env.CorrelationID {
		if gid, ok := r.grants[cid]; ok {
			ids = append(ids, gid)
		}
	}

	for _, id := range ids {
		if body.Status == "rejected" {
			if removed := p.RevokeGrantByID(id); len(removed) > 0 {
				r.log.WithFields(logrus.Fields{
					"participant": p.ID,
					"grant_id":    id,
				}).Info("grant declined")
			}
			continue
		}
		if promoted := p.AcceptGrant(id); len(promoted) > 0 {
			r.log.WithFields(logrus.Fields{
				"participant": p.ID,
				"grant_id":    id,
				"count":       len(promoted),
			}).Info("grant accepted")
		}
	}
	r.route(env)
}

func (r *Router) processRevoke(p *registry.Participant, env *envelope.Envelope) {
	var body RevokePayload
	if err := env.UnmarshalPayload(&body); err != nil || body.Recipient == "" {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       "capability/revoke requires recipient",
			AttemptedKind: env.Kind,
		})
		return
	}
	target, ok := r.reg.Get(body.Recipient)
	if !ok {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       "revoke recipient " + strconv.Quote(body.Recipient) + " is not connected",
			AttemptedKind: env.Kind,
		})
		return
	}

	var removed []*registry.Grant
	if body.GrantID != "" {
		removed = target.RevokeGrantByID(body.GrantID)
	}
	if len(body.Capabilities) > 0 {
		removed = append(removed, target.RevokeGrantsMatching(body.Capabilities)...)
	}
	r.log.WithFields(logrus.Fields{
		"by":          p.ID,
		"participant": target.ID,
		"removed":     len(removed),
	}).Info("capabilities revoked")
	// Revocation is immediate but never retroactive: envelopes already
	// accepted stay accepted.
	r.route(env)
}

// --- space management ---

func (r *Router) processInvite(p *registry.Participant, env *envelope.Envelope) {
	var body InvitePayload
	if err := env.UnmarshalPayload(&body); err != nil || body.ParticipantID == "" {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       "space/invite requires participant_id",
			AttemptedKind: env.Kind,
		})
		return
	}
	def := registry.Definition{
		ID:        body.ParticipantID,
		Tokens:    body.Tokens,
		Static:    body.Capabilities,
		DefaultTo: body.DefaultTo,
	}
	if err := r.defs.Add(def); err != nil {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       err.Error(),
			AttemptedKind: env.Kind,
		})
		return
	}
	r.log.WithFields(logrus.Fields{"by": p.ID, "participant": body.ParticipantID}).Info("participant invited")
	r.route(env)
}

func (r *Router) processKick(p *registry.Participant, env *envelope.Envelope) {
	var body KickPayload
	if err := env.UnmarshalPayload(&body); err != nil || body.ParticipantID == "" {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       "space/kick requires participant_id",
			AttemptedKind: env.Kind,
		})
		return
	}
	t, ok := r.reg.Get(body.ParticipantID)
	if !ok {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrInvalidOperation,
			Message:       "participant " + strconv.Quote(body.ParticipantID) + " is not connected",
			AttemptedKind: env.Kind,
		})
		return
	}
	// Route first so the target sees why it is going away.
	r.route(env)
	reason := "kicked by " + p.ID
	if body.Reason != "" {
		reason += ": " + body.Reason
	}
	r.drop(t.ID, t.ConnGen, reason)
}

// --- streams ---

func (r *Router) processStreamRequest(p *registry.Participant, env *envelope.Envelope) {
	var fields map[string]interface{}
	if err := env.UnmarshalPayload(&fields); err != nil || fields == nil {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       "stream/request payload must be an object",
			AttemptedKind: env.Kind,
		})
		return
	}
	direction, _ := fields["direction"].(string)
	if direction != "upload" && direction != "download" {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       `stream/request direction must be "upload" or "download"`,
			AttemptedKind: env.Kind,
		})
		return
	}
	// Everything except direction is preserved verbatim for welcome
	// snapshots.
	metadata := make(map[string]interface{}, len(fields)-1)
	for k, v := range fields {
		if k != "direction" {
			metadata[k] = v
		}
	}

	s := r.streams.Open(uuid.New().String(), p.ID, direction, metadata, r.Now())
	r.met.ActiveStreams.Set(float64(r.streams.Len()))
	r.log.WithFields(logrus.Fields{
		"stream": s.ID,
		"owner":  p.ID,
	}).Info("stream opened")

	r.route(env)
	rec := s.Record()
	rec["direction"] = s.Direction
	r.broadcastSystem(envelope.KindStreamOpen, rec, env.ID)
}

func (r *Router) processStreamGrantWrite(p *registry.Participant, env *envelope.Envelope) {
	body, prob := streamRef(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if prob := r.streams.GrantWrite(body.StreamID, p.ID, body.ParticipantID); prob != nil {
		prob.AttemptedKind = env.Kind
		r.reject(p, env.ID, prob)
		return
	}
	r.route(env)
	r.broadcastSystem(envelope.KindStreamWriteGranted, StreamWritePayload{
		StreamID:      body.StreamID,
		ParticipantID: body.ParticipantID,
		By:            p.ID,
	}, env.ID)
}

func (r *Router) processStreamRevokeWrite(p *registry.Participant, env *envelope.Envelope) {
	body, prob := streamRef(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if prob := r.streams.RevokeWrite(body.StreamID, p.ID, body.ParticipantID); prob != nil {
		prob.AttemptedKind = env.Kind
		r.reject(p, env.ID, prob)
		return
	}
	r.route(env)
	r.broadcastSystem(envelope.KindStreamWriteRevoked, StreamWritePayload{
		StreamID:      body.StreamID,
		ParticipantID: body.ParticipantID,
		By:            p.ID,
	}, env.ID)
}

func (r *Router) processStreamTransfer(p *registry.Participant, env *envelope.Envelope) {
	body, prob := streamRef(env)
	if prob != nil {
		r.reject(p, env.ID, prob)
		return
	}
	if prob := r.streams.TransferOwnership(body.StreamID, p.ID, body.ParticipantID); prob != nil {
		prob.AttemptedKind = env.Kind
		r.reject(p, env.ID, prob)
		return
	}
	r.route(env)
	r.broadcastSystem(envelope.KindStreamOwnershipTransferred, StreamTransferPayload{
		StreamID:      body.StreamID,
		NewOwner:      body.ParticipantID,
		PreviousOwner: p.ID,
	}, env.ID)
}

func (r *Router) processStreamClose(p *registry.Participant, env *envelope.Envelope) {
	var body StreamClosePayload
	if err := env.UnmarshalPayload(&body); err != nil || body.StreamID == "" {
		r.reject(p, env.ID, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       "stream/close requires stream_id",
			AttemptedKind: env.Kind,
		})
		return
	}
	if prob := r.streams.Close(body.StreamID, p.ID); prob != nil {
		prob.AttemptedKind = env.Kind
		r.reject(p, env.ID, prob)
		return
	}
	r.met.ActiveStreams.Set(float64(r.streams.Len()))
	r.log.WithFields(logrus.Fields{"stream": body.StreamID, "by": p.ID}).Info("stream closed")
	r.route(env)
}

func streamRef(env *envelope.Envelope) (StreamRefPayload, *envelope.Problem) {
	var body StreamRefPayload
	if err := env.UnmarshalPayload(&body); err != nil || body.StreamID == "" || body.ParticipantID == "" {
		return body, &envelope.Problem{
			Code:          envelope.ErrMalformedEnvelope,
			Message:       env.Kind + " requires stream_id and participant_id",
			AttemptedKind: env.Kind,
		}
	}
	return body, nil
}

// --- frames ---

func (r *Router) handleFrame(e frameEvent) {
	p, ok := r.reg.Get(e.sender)
	if !ok || p.ConnGen != e.gen {
		return
	}
	r.touch(p)

	if prob := r.streams.AuthorizeFrame(e.streamID, e.sender); prob != nil {
		r.met.StreamFramesDenied.Inc()
		errEnv := envelope.NewError(prob, p.ID, "")
		r.norm.Observe(errEnv.ID)
		if !p.Sender.TrySendEnvelope(errEnv) {
			r.overflow(p)
		}
		return
	}
	r.met.StreamFrames.Inc()

	// Frames fan out to everyone else; they are not envelopes and are
	// never journaled.
	for _, rcpt := range r.reg.Others(e.sender) {
		if !rcpt.Sender.TrySendStream(e.streamID, e.data) {
			r.overflow(rcpt)
		}
	}
}
