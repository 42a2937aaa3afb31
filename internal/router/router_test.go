package router

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/config"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/history"
	"github.com/mewproto/mew/internal/registry"
)

type capturedFrame struct {
	streamID string
	data     []byte
}

// captureSender records everything the router enqueues for one
// participant. limit > 0 simulates a bounded queue that overflows.
type captureSender struct {
	mu     sync.Mutex
	envs   []*envelope.Envelope
	frames []capturedFrame
	limit  int
	closed bool
}

func (s *captureSender) TrySendEnvelope(env *envelope.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.envs) >= s.limit {
		return false
	}
	s.envs = append(s.envs, env)
	return true
}

func (s *captureSender) TrySendStream(streamID string, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, capturedFrame{streamID: streamID, data: data})
	return true
}

func (s *captureSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *captureSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func (s *captureSender) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.envs))
	for i, env := range s.envs {
		out[i] = env.Kind
	}
	return out
}

func (s *captureSender) at(i int) *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envs[i]
}

func (s *captureSender) last() *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.envs) == 0 {
		return nil
	}
	return s.envs[len(s.envs)-1]
}

func (s *captureSender) byKind(kind string) []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*envelope.Envelope
	for _, env := range s.envs {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (s *captureSender) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *captureSender) frameAt(i int) capturedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

// harness drives the router's dispatch directly on the test goroutine, so
// every assertion is deterministic. Timer fires are simulated with fire.
type harness struct {
	t       *testing.T
	r       *Router
	gens    map[string]uint64
	nextGen uint64
	senders map[string]*captureSender
}

func newHarness(t *testing.T, mutate func(*config.Space)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "test"
	if mutate != nil {
		mutate(cfg)
	}
	hist, err := history.New(256, nil)
	require.NoError(t, err)
	r := New(cfg, registry.NewDefinitions(nil), hist, nil, nil)
	return &harness{
		t:       t,
		r:       r,
		gens:    make(map[string]uint64),
		senders: make(map[string]*captureSender),
	}
}

func (h *harness) connectSender(id string, s *captureSender, caps ...capability.Capability) *envelope.Problem {
	h.t.Helper()
	h.nextGen++
	ev := connectEvent{
		def:    registry.Definition{ID: id, Static: capability.Set(caps)},
		sender: s,
		gen:    h.nextGen,
		result: make(chan *envelope.Problem, 1),
	}
	h.r.dispatch(ev)
	prob := <-ev.result
	if prob == nil {
		h.gens[id] = h.nextGen
		h.senders[id] = s
	}
	return prob
}

func (h *harness) connect(id string, caps ...capability.Capability) *captureSender {
	h.t.Helper()
	s := &captureSender{}
	require.Nil(h.t, h.connectSender(id, s, caps...))
	return s
}

func (h *harness) envelope(from, kind string, to []string, payload interface{}) *envelope.Envelope {
	h.t.Helper()
	env, err := envelope.New(from, kind, payload)
	require.NoError(h.t, err)
	env.To = to
	return env
}

func (h *harness) submit(env *envelope.Envelope) {
	h.r.dispatch(envelopeEvent{sender: env.From, gen: h.gens[env.From], env: env})
}

func (h *harness) send(from, kind string, to []string, payload interface{}) *envelope.Envelope {
	env := h.envelope(from, kind, to, payload)
	h.submit(env)
	return env
}

func (h *harness) frame(from, streamID string, data []byte) {
	h.r.dispatch(frameEvent{sender: from, gen: h.gens[from], streamID: streamID, data: data})
}

func (h *harness) fire(key string) {
	h.r.dispatch(timerEvent{key: key})
}

func (h *harness) disconnect(id, reason string) {
	h.r.dispatch(disconnectEvent{pid: id, gen: h.gens[id], reason: reason})
}

func chatCap() capability.Capability {
	return capability.Capability{Kind: "chat"}
}

func kindCap(kind string) capability.Capability {
	return capability.Capability{Kind: kind}
}

func decode(t *testing.T, env *envelope.Envelope, v interface{}) {
	t.Helper()
	require.NotNil(t, env)
	require.NoError(t, env.UnmarshalPayload(v))
}

func TestWelcomeIsFirstEnvelope(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())

	require.GreaterOrEqual(t, alice.count(), 1)
	first := alice.at(0)
	assert.Equal(t, envelope.KindSystemWelcome, first.Kind)
	assert.Equal(t, envelope.System, first.From)
	assert.Equal(t, []string{"alice"}, first.To)

	var w WelcomePayload
	decode(t, first, &w)
	assert.Equal(t, "alice", w.You.ID)
	assert.Equal(t, capability.Set{chatCap()}, w.You.Capabilities)
	assert.NotNil(t, w.Participants)
	assert.Empty(t, w.Participants)
	assert.NotNil(t, w.ActiveStreams)
	assert.Empty(t, w.ActiveStreams)
}

func TestJoinPresenceFollowsWelcome(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	bob := h.connect("bob", chatCap())

	// alice sees bob's join; bob sees only his own welcome.
	require.Equal(t, []string{envelope.KindSystemWelcome, envelope.KindSystemPresence}, alice.kinds())
	var presence PresencePayload
	decode(t, alice.at(1), &presence)
	assert.Equal(t, PresenceJoin, presence.Event)
	assert.Equal(t, "bob", presence.Participant.ID)

	require.Equal(t, []string{envelope.KindSystemWelcome}, bob.kinds())
	var w WelcomePayload
	decode(t, bob.at(0), &w)
	require.Len(t, w.Participants, 1)
	assert.Equal(t, "alice", w.Participants[0].ID)
}

func TestDuplicateConnectionRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("alice", chatCap())

	prob := h.connectSender("alice", &captureSender{}, chatCap())
	require.NotNil(t, prob)
	assert.Equal(t, envelope.ErrUnauthorized, prob.Code)
}

func TestBroadcastFanout(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	bob := h.connect("bob", chatCap())
	carol := h.connect("carol", chatCap())
	aliceBefore := alice.count()

	h.send("alice", envelope.KindChat, nil, map[string]string{"text": "hi", "format": "plain"})

	require.Len(t, bob.byKind(envelope.KindChat), 1)
	require.Len(t, carol.byKind(envelope.KindChat), 1)
	got := bob.byKind(envelope.KindChat)[0]
	assert.Equal(t, "alice", got.From)
	assert.JSONEq(t, `{"text":"hi","format":"plain"}`, string(got.Payload))

	// The sender never receives its own broadcast.
	assert.Equal(t, aliceBefore, alice.count())

	// Exactly the chat is in history; gateway narration is not.
	assert.Equal(t, 1, h.r.History().Len())
	assert.Equal(t, uint64(1), h.r.History().Seq())
}

func TestExplicitRecipients(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	bob := h.connect("bob", chatCap())
	carol := h.connect("carol", chatCap())
	aliceBefore := alice.count()

	// Unknown ids are skipped, duplicates deliver once, the sender is
	// excluded even when listed.
	h.send("alice", envelope.KindChat, []string{"bob", "ghost", "bob", "alice"}, map[string]string{"text": "direct"})

	assert.Len(t, bob.byKind(envelope.KindChat), 1)
	assert.Empty(t, carol.byKind(envelope.KindChat))
	assert.Equal(t, aliceBefore, alice.count())
}

func TestCapabilityDenial(t *testing.T) {
	h := newHarness(t, nil)
	agent := h.connect("agent", kindCap("mcp/proposal"))
	fs := h.connect("fs", kindCap("mcp/response"))
	fsBefore := fs.count()

	env := h.send("agent", envelope.KindMCPRequest, []string{"fs"}, map[string]string{"method": "tools/call"})

	require.Len(t, agent.byKind(envelope.KindSystemError), 1)
	errEnv := agent.byKind(envelope.KindSystemError)[0]
	assert.Equal(t, envelope.System, errEnv.From)
	assert.True(t, errEnv.CorrelationID.Contains(env.ID))

	var prob envelope.Problem
	decode(t, errEnv, &prob)
	assert.Equal(t, envelope.ErrForbidden, prob.Code)
	assert.Equal(t, envelope.KindMCPRequest, prob.AttemptedKind)
	assert.NotNil(t, prob.YourCapabilities)

	assert.Equal(t, fsBefore, fs.count())
	assert.Zero(t, h.r.History().Len())
}

func TestUnknownKindDenial(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	h.connect("bob", chatCap(), kindCap("custom/**"))

	h.send("alice", "custom/thing", nil, map[string]string{"x": "y"})
	require.Len(t, alice.byKind(envelope.KindSystemError), 1)
	var prob envelope.Problem
	decode(t, alice.byKind(envelope.KindSystemError)[0], &prob)
	assert.Equal(t, envelope.ErrUnknownKind, prob.Code)

	// With a matching capability the same kind routes.
	bob := h.senders["bob"]
	h.send("bob", "custom/thing", nil, map[string]string{"x": "y"})
	assert.Len(t, alice.byKind("custom/thing"), 1)
	assert.Empty(t, bob.byKind(envelope.KindSystemError))
}

func TestSystemNamespaceReserved(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", kindCap("**"))
	bob := h.connect("bob", chatCap())
	bobBefore := bob.count()

	// Even a wildcard capability cannot authorize system/* emission.
	h.send("alice", envelope.KindSystemPresence, nil, map[string]string{"event": "join"})

	require.Len(t, alice.byKind(envelope.KindSystemError), 1)
	var prob envelope.Problem
	decode(t, alice.byKind(envelope.KindSystemError)[0], &prob)
	assert.Equal(t, envelope.ErrInvalidOperation, prob.Code)
	assert.Equal(t, bobBefore, bob.count())
}

func TestSpoofedSenderRejected(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	h.connect("bob", chatCap())

	env := h.envelope("bob", envelope.KindChat, nil, map[string]string{"text": "fake"})
	h.r.dispatch(envelopeEvent{sender: "alice", gen: h.gens["alice"], env: env})

	require.Len(t, alice.byKind(envelope.KindSystemError), 1)
	var prob envelope.Problem
	decode(t, alice.byKind(envelope.KindSystemError)[0], &prob)
	assert.Equal(t, envelope.ErrSpoofedSender, prob.Code)
}

func TestDuplicateEnvelopeID(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	bob := h.connect("bob", chatCap())

	env := h.envelope("alice", envelope.KindChat, nil, map[string]string{"text": "once"})
	h.submit(env)
	h.submit(env.Clone())

	assert.Len(t, bob.byKind(envelope.KindChat), 1)
	require.Len(t, alice.byKind(envelope.KindSystemError), 1)
	var prob envelope.Problem
	decode(t, alice.byKind(envelope.KindSystemError)[0], &prob)
	assert.Equal(t, envelope.ErrDuplicateEnvelope, prob.Code)
}

func TestGatewayIDsCannotBeReplayed(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	welcomeID := alice.at(0).ID

	env := h.envelope("alice", envelope.KindChat, nil, map[string]string{"text": "replay"})
	env.ID = welcomeID
	h.submit(env)

	require.Len(t, alice.byKind(envelope.KindSystemError), 1)
	var prob envelope.Problem
	decode(t, alice.byKind(envelope.KindSystemError)[0], &prob)
	assert.Equal(t, envelope.ErrDuplicateEnvelope, prob.Code)
}

func TestPerSenderFIFO(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("alice", chatCap())
	bob := h.connect("bob", chatCap())

	texts := []string{"one", "two", "three", "four", "five"}
	for _, text := range texts {
		h.send("alice", envelope.KindChat, nil, map[string]string{"text": text})
	}

	chats := bob.byKind(envelope.KindChat)
	require.Len(t, chats, len(texts))
	for i, env := range chats {
		var body struct {
			Text string `json:"text"`
		}
		decode(t, env, &body)
		assert.Equal(t, texts[i], body.Text)
	}
}

func TestBackpressureDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", chatCap())
	carol := h.connect("carol", chatCap())

	// bob's queue has room for the welcome and nothing else, so the next
	// fan-out that reaches him overflows.
	bob := &captureSender{limit: 1}
	require.Nil(t, h.connectSender("bob", bob, chatCap()))

	h.send("alice", envelope.KindChat, nil, map[string]string{"text": "overflow"})

	assert.True(t, bob.isClosed())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.r.met.OverflowDisconnects))

	// The survivors observe bob's departure; the chat still reaches carol.
	presences := alice.byKind(envelope.KindSystemPresence)
	require.Len(t, presences, 3) // carol join, bob join, bob leave
	var leave PresencePayload
	decode(t, presences[2], &leave)
	assert.Equal(t, PresenceLeave, leave.Event)
	assert.Equal(t, "bob", leave.Participant.ID)

	require.NotEmpty(t, carol.byKind(envelope.KindChat))
}

func TestStaleGenerationIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("alice", chatCap())
	bob := h.connect("bob", chatCap())

	oldGen := h.gens["alice"]
	h.disconnect("alice", "transport error")
	h.connect("alice", chatCap())

	// An envelope queued under the dead connection is dropped silently.
	env := h.envelope("alice", envelope.KindChat, nil, map[string]string{"text": "ghost"})
	h.r.dispatch(envelopeEvent{sender: "alice", gen: oldGen, env: env})
	assert.Empty(t, bob.byKind(envelope.KindChat))

	// A stale disconnect cannot remove the reconnected participant.
	h.r.dispatch(disconnectEvent{pid: "alice", gen: oldGen, reason: "stale"})
	_, connected := h.r.reg.Get("alice")
	assert.True(t, connected)

	h.send("alice", envelope.KindChat, nil, map[string]string{"text": "alive"})
	assert.Len(t, bob.byKind(envelope.KindChat), 1)
}

func TestShutdownStateBlocksTraffic(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("orch", kindCap("participant/**"), chatCap())
	bot := h.connect("bot", chatCap())

	h.send("orch", envelope.KindParticipantShutdown, []string{"bot"}, nil)
	h.send("bot", envelope.KindChat, nil, map[string]string{"text": "still here"})

	require.NotEmpty(t, bot.byKind(envelope.KindSystemError))
	var prob envelope.Problem
	decode(t, bot.byKind(envelope.KindSystemError)[0], &prob)
	assert.Equal(t, envelope.ErrInvalidOperation, prob.Code)
}

func TestRouterStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Name = "live"
	hist, err := history.New(64, nil)
	require.NoError(t, err)
	r := New(cfg, registry.NewDefinitions(nil), hist, nil, nil)
	r.Start()

	alice := &captureSender{}
	require.Nil(t, r.Connect(registry.Definition{ID: "alice", Static: capability.Set{chatCap()}}, alice, 1))
	bob := &captureSender{}
	require.Nil(t, r.Connect(registry.Definition{ID: "bob", Static: capability.Set{chatCap()}}, bob, 2))

	env, err := envelope.New("alice", envelope.KindChat, map[string]string{"text": "over the loop"})
	require.NoError(t, err)
	r.Submit("alice", 1, env)

	require.Eventually(t, func() bool {
		return len(bob.byKind(envelope.KindChat)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	assert.True(t, alice.isClosed())
	assert.True(t, bob.isClosed())

	// After Stop, submissions are discarded and connects are refused.
	r.Submit("alice", 1, env.Clone())
	prob := r.Connect(registry.Definition{ID: "carol"}, &captureSender{}, 3)
	require.NotNil(t, prob)
}
