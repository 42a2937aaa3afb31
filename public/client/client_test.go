package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/config"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/gateway"
	"github.com/mewproto/mew/internal/transport"
)

func testGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "clienttest"
	cfg.Participants = []config.Participant{
		{ID: "alice", Tokens: []string{"ta"}, DefaultTo: []string{"bob"}, Capabilities: []capability.Capability{
			{Kind: "chat/**"}, {Kind: "stream/**"}, {Kind: "mcp/**"},
		}},
		{ID: "bob", Tokens: []string{"tb"}, Capabilities: []capability.Capability{
			{Kind: "chat/**"}, {Kind: "mcp/proposal"}, {Kind: "capability/grant-ack"},
		}},
		{ID: "tool", Tokens: []string{"tt"}, Capabilities: []capability.Capability{
			{Kind: "mcp/**"},
		}},
		{ID: "granter", Tokens: []string{"tg"}, Capabilities: []capability.Capability{
			{Kind: "capability/grant"}, {Kind: "capability/revoke"},
		}},
	}
	g, err := gateway.New(cfg, nil)
	require.NoError(t, err)
	g.Start()
	t.Cleanup(g.Stop)
	return g
}

func connect(t *testing.T, g *gateway.Gateway, id, token string) *Client {
	t.Helper()
	gw, cl, err := transport.Loopback(transport.CodecJSON)
	require.NoError(t, err)
	g.Attach(gw)
	c, err := Attach(cl, Options{Participant: id, Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func awaitEnvelope(t *testing.T, c *Client, kind string) *Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.Envelopes():
			require.True(t, ok, "connection closed while waiting for %s", kind)
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope arrived", kind)
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAttachReceivesWelcome(t *testing.T) {
	g := testGateway(t)
	alice := connect(t, g, "alice", "ta")

	w := alice.Welcome()
	assert.Equal(t, "alice", w.You.ID)
	assert.Equal(t, []string{"bob"}, w.You.DefaultTo)
	assert.NotEmpty(t, w.You.Capabilities)
	assert.Empty(t, w.Participants, "first joiner sees an empty roster")
	assert.Equal(t, "alice", alice.ID())
}

func TestAttachRefusedOnBadToken(t *testing.T) {
	g := testGateway(t)
	gw, cl, err := transport.Loopback(transport.CodecJSON)
	require.NoError(t, err)
	g.Attach(gw)

	_, err = Attach(cl, Options{Participant: "alice", Token: "wrong"})
	require.Error(t, err)
	var prob *Problem
	require.ErrorAs(t, err, &prob)
	assert.Equal(t, envelope.ErrUnauthorized, prob.Code)
}

func TestChatDeliveryAndAcknowledge(t *testing.T) {
	g := testGateway(t)
	alice := connect(t, g, "alice", "ta")
	bob := connect(t, g, "bob", "tb")

	sent, err := alice.Chat("hello bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, sent.To, "default_to fills empty recipients")

	chat := awaitEnvelope(t, bob, envelope.KindChat)
	assert.Equal(t, "alice", chat.From)
	var body ChatPayload
	require.NoError(t, chat.UnmarshalPayload(&body))
	assert.Equal(t, "hello bob", body.Text)

	require.NoError(t, bob.Acknowledge(chat))
	ack := awaitEnvelope(t, alice, envelope.KindChatAcknowledge)
	assert.Equal(t, "bob", ack.From)
	assert.True(t, ack.CorrelationID.Contains(chat.ID))
}

func TestRequestResponse(t *testing.T) {
	g := testGateway(t)
	alice := connect(t, g, "alice", "ta")
	tool := connect(t, g, "tool", "tt")

	go func() {
		for env := range tool.Envelopes() {
			if env.Kind == envelope.KindMCPRequest {
				_ = tool.Respond(env, map[string]string{"result": "done"})
			}
		}
	}()

	resp, err := alice.Request(testCtx(t), "tool", map[string]interface{}{
		"method": "tools/call",
		"params": map[string]interface{}{"name": "read_file"},
	})
	require.NoError(t, err)
	require.Equal(t, envelope.KindMCPResponse, resp.Kind)
	var result map[string]string
	require.NoError(t, resp.UnmarshalPayload(&result))
	assert.Equal(t, "done", result["result"])
}

func TestCallSurfacesCapabilityDenial(t *testing.T) {
	g := testGateway(t)
	bob := connect(t, g, "bob", "tb")

	_, err := bob.Request(testCtx(t), "alice", map[string]string{"method": "tools/call"})
	require.Error(t, err)
	var prob *Problem
	require.ErrorAs(t, err, &prob)
	assert.Equal(t, envelope.ErrForbidden, prob.Code)
	assert.Equal(t, envelope.KindMCPRequest, prob.AttemptedKind)
}

func TestProposalFulfillment(t *testing.T) {
	g := testGateway(t)
	alice := connect(t, g, "alice", "ta")
	tool := connect(t, g, "tool", "tt")
	bob := connect(t, g, "bob", "tb")

	go func() {
		for env := range tool.Envelopes() {
			if env.Kind == envelope.KindMCPRequest {
				_ = tool.Respond(env, map[string]string{"result": "written"})
			}
		}
	}()

	// bob cannot call tools directly, so he proposes; alice fulfills on
	// his behalf.
	want := map[string]interface{}{
		"method": "tools/call",
		"params": map[string]interface{}{"name": "write_file", "arguments": map[string]interface{}{"path": "out.txt"}},
	}
	proposal, err := bob.Propose(want)
	require.NoError(t, err)

	seen := awaitEnvelope(t, alice, envelope.KindMCPProposal)
	require.Equal(t, proposal.ID, seen.ID)

	resp, err := alice.Fulfill(testCtx(t), seen, "tool")
	require.NoError(t, err)
	var result map[string]string
	require.NoError(t, resp.UnmarshalPayload(&result))
	assert.Equal(t, "written", result["result"])
}

func TestGrantAckEnablesCapability(t *testing.T) {
	g := testGateway(t)
	granter := connect(t, g, "granter", "tg")
	bob := connect(t, g, "bob", "tb")
	tool := connect(t, g, "tool", "tt")

	go func() {
		for env := range tool.Envelopes() {
			if env.Kind == envelope.KindMCPRequest {
				_ = tool.Respond(env, map[string]string{"result": "ok"})
			}
		}
	}()

	// The granter cannot invoke mcp/request itself, so the grant stays
	// pending until bob accepts it.
	_, err := granter.Grant("bob", []Capability{{Kind: "mcp/request"}}, "needs tool access")
	require.NoError(t, err)

	ctx := testCtx(t)
	grant := awaitEnvelope(t, bob, envelope.KindCapabilityGrant)
	_, err = bob.Request(ctx, "tool", map[string]string{"method": "ping"})
	require.Error(t, err, "pending grants confer nothing")

	require.NoError(t, bob.AckGrant(grant, true))
	require.Eventually(t, func() bool {
		_, err := bob.Request(ctx, "tool", map[string]string{"method": "ping"})
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestOpenStreamAndFrames(t *testing.T) {
	g := testGateway(t)
	alice := connect(t, g, "alice", "ta")
	bob := connect(t, g, "bob", "tb")

	id, err := alice.OpenStream(testCtx(t), "upload", map[string]interface{}{
		"content_type": "application/x-positions",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, alice.WriteStream(id, []byte{9, 8, 7}))
	select {
	case f := <-bob.Frames():
		assert.Equal(t, id, f.StreamID)
		assert.Equal(t, []byte{9, 8, 7}, f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no stream frame arrived")
	}

	require.NoError(t, alice.CloseStream(id, "done"))
	closeEnv := awaitEnvelope(t, bob, envelope.KindStreamClose)
	var cl StreamClosePayload
	require.NoError(t, closeEnv.UnmarshalPayload(&cl))
	assert.Equal(t, id, cl.StreamID)
}

func TestDoneAfterGatewayStops(t *testing.T) {
	g := testGateway(t)
	alice := connect(t, g, "alice", "ta")

	g.Stop()
	select {
	case <-alice.Done():
		assert.Error(t, alice.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the shutdown")
	}
}
