package space

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/public/client"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// reviewSpace is the canonical three-party roster: a trusted human, a
// restricted agent whose tool calls must go through proposals, and the
// tool itself.
func reviewSpace(t *testing.T) *Space {
	t.Helper()
	s, err := New(Config{
		Name: "review",
		Participants: []Participant{
			{
				ID:           "human",
				Capabilities: []client.Capability{{Kind: "**"}},
				DefaultTo:    []string{"agent"},
			},
			{
				ID: "agent",
				Capabilities: []client.Capability{
					{Kind: "chat/**"},
					{Kind: "mcp/proposal"},
					{Kind: "mcp/withdraw"},
					{Kind: "capability/grant-ack"},
					{Kind: "participant/status"},
					{Kind: "stream/**"},
				},
				DefaultTo: []string{"human"},
			},
			{
				ID:           "tool",
				Capabilities: []client.Capability{{Kind: "mcp/**"}, {Kind: "chat/**"}},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func connect(t *testing.T, s *Space, id string) *client.Client {
	t.Helper()
	c, err := s.Connect(id)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// awaitKind receives from the client's envelope feed until an envelope
// of the wanted kind arrives. Presence and other interleaved traffic is
// skipped.
func awaitKind(t *testing.T, c *client.Client, kind string) *client.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.Envelopes():
			require.True(t, ok, "feed closed while waiting for %s", kind)
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope within deadline", kind)
		}
	}
}

func decode(t *testing.T, env *client.Envelope, into interface{}) {
	t.Helper()
	require.NoError(t, env.UnmarshalPayload(into))
}

func TestChatConversation(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	agent := connect(t, s, "agent")

	sent, err := human.Chat("please review the diff")
	require.NoError(t, err)
	require.Equal(t, []string{"agent"}, sent.To, "default recipients fill empty to")

	got := awaitKind(t, agent, "chat")
	require.Equal(t, "human", got.From)
	var chat client.ChatPayload
	decode(t, got, &chat)
	require.Equal(t, "please review the diff", chat.Text)

	require.NoError(t, agent.Acknowledge(got))
	ack := awaitKind(t, human, "chat/acknowledge")
	require.Contains(t, ack.CorrelationID, sent.ID)

	_, err = agent.Chat("done, two comments")
	require.NoError(t, err)
	reply := awaitKind(t, human, "chat")
	require.Equal(t, "agent", reply.From)
}

// The restricted agent cannot call the tool directly; it proposes, the
// human fulfills against the tool, and the tool's response reaches both
// the human and, as correlated traffic, the observing feed.
func TestProposalReviewScenario(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	agent := connect(t, s, "agent")
	tool := connect(t, s, "tool")

	feed := s.Events("mcp/**")

	// Direct calls are off-limits for the agent.
	_, err := agent.Request(testCtx(t), "tool", map[string]interface{}{
		"method": "tools/call",
		"params": map[string]interface{}{"name": "write_file"},
	})
	var prob *client.Problem
	require.ErrorAs(t, err, &prob)
	require.Equal(t, envelope.ErrForbidden, prob.Code)

	// Tool answers whatever fulfilled request arrives.
	go func() {
		for env := range tool.Envelopes() {
			if env.Kind == "mcp/request" {
				tool.Respond(env, map[string]interface{}{"result": "written"})
			}
		}
	}()

	proposal, err := agent.Propose(map[string]interface{}{
		"method": "tools/call",
		"params": map[string]interface{}{"name": "write_file", "arguments": map[string]interface{}{"path": "notes.md"}},
	})
	require.NoError(t, err)

	seen := awaitKind(t, human, "mcp/proposal")
	require.Equal(t, "agent", seen.From)

	response, err := human.Fulfill(testCtx(t), seen, "tool")
	require.NoError(t, err)
	require.Equal(t, "tool", response.From)
	var result struct {
		Result string `json:"result"`
	}
	decode(t, response, &result)
	require.Equal(t, "written", result.Result)

	// The proposer watches the fulfillment go by as broadcast traffic
	// correlated to its own proposal.
	fulfillment := awaitKind(t, agent, "mcp/request")
	require.Contains(t, fulfillment.CorrelationID, proposal.ID)

	// The observer feed saw the whole exchange.
	kinds := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case env := <-feed:
			kinds[env.Kind] = true
		case <-deadline:
			t.Fatalf("observer feed incomplete, saw %v", kinds)
		}
	}
	require.True(t, kinds["mcp/proposal"] && kinds["mcp/request"] && kinds["mcp/response"])
}

func TestGrantEscalationScenario(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	agent := connect(t, s, "agent")
	tool := connect(t, s, "tool")

	go func() {
		for env := range tool.Envelopes() {
			if env.Kind == "mcp/request" {
				tool.Respond(env, map[string]interface{}{"result": "ok"})
			}
		}
	}()

	// Human promotes the agent to direct tool access.
	_, err := human.Grant("agent", []client.Capability{{Kind: "mcp/**"}}, "earned trust")
	require.NoError(t, err)

	grant := awaitKind(t, agent, "capability/grant")
	require.NoError(t, agent.AckGrant(grant, true))

	ctx := testCtx(t)
	require.Eventually(t, func() bool {
		_, err := agent.Request(ctx, "tool", map[string]interface{}{"method": "tools/list"})
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "granted capability should open direct requests")
}

func TestStreamTelemetryScenario(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	agent := connect(t, s, "agent")

	id, err := agent.OpenStream(testCtx(t), "upload", map[string]interface{}{
		"content_type": "application/octet-stream",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	awaitKind(t, human, "stream/open")

	require.NoError(t, agent.WriteStream(id, []byte("frame-1")))
	require.NoError(t, agent.WriteStream(id, []byte("frame-2")))

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case f := <-human.Frames():
			require.Equal(t, id, f.StreamID)
			got = append(got, string(f.Data))
		case <-deadline:
			t.Fatalf("received %d frames", len(got))
		}
	}
	require.Equal(t, []string{"frame-1", "frame-2"}, got)

	require.NoError(t, agent.CloseStream(id, "done"))
	closed := awaitKind(t, human, "stream/close")
	var payload client.StreamClosePayload
	decode(t, closed, &payload)
	require.Equal(t, id, payload.StreamID)
}

func TestLateJoinerWelcomeSnapshot(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	agent := connect(t, s, "agent")

	_, err := human.Chat("hello")
	require.NoError(t, err)
	awaitKind(t, agent, "chat")

	id, err := agent.OpenStream(testCtx(t), "upload", nil)
	require.NoError(t, err)

	late := connect(t, s, "tool")
	w := late.Welcome()
	require.Equal(t, "tool", w.You.ID)

	roster := map[string]bool{}
	for _, p := range w.Participants {
		roster[p.ID] = true
	}
	require.True(t, roster["human"] && roster["agent"], "welcome roster: %v", roster)

	require.Len(t, w.ActiveStreams, 1)
	require.Equal(t, id, w.ActiveStreams[0]["stream_id"])
	require.Equal(t, "agent", w.ActiveStreams[0]["owner"])
}

func TestEventsFilterAndHistory(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	agent := connect(t, s, "agent")

	chats := s.Events("chat")
	everything := s.Events()

	first, err := human.Chat("one")
	require.NoError(t, err)
	awaitKind(t, agent, "chat")
	require.NoError(t, agent.ReportStatus("thinking", nil))

	env := <-chats
	require.Equal(t, first.ID, env.ID)
	select {
	case env := <-chats:
		t.Fatalf("chat filter leaked %s", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen["chat"] && seen["participant/status"]) {
		select {
		case env := <-everything:
			seen[env.Kind] = true
		case <-deadline:
			t.Fatalf("unfiltered feed saw only %v", seen)
		}
	}

	s.Unsubscribe(chats)
	_, ok := <-chats
	require.False(t, ok, "unsubscribed channel closes")

	// History holds the accepted participant traffic in arrival order.
	var kinds []string
	for _, env := range s.History(10) {
		kinds = append(kinds, env.Kind)
	}
	require.Contains(t, kinds, "chat")
	require.Contains(t, kinds, "participant/status")
	require.Equal(t, "chat", kinds[0], "history is oldest first")
}

func TestConfigFileSpace(t *testing.T) {
	dir := t.TempDir()
	doc := `space: filedemo
participants:
  - id: operator
    tokens: [op-secret]
    capabilities:
      - kind: "**"
  - id: probe
    tokens: [probe-secret]
    capabilities:
      - kind: chat/**
`
	path := filepath.Join(dir, "space.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := New(Config{ConfigFile: path})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	require.Equal(t, "filedemo", s.Name())
	require.Nil(t, s.Addr(), "file listen address is ignored for embedded spaces")

	operator := connect(t, s, "operator")
	probe, err := s.ConnectWith("probe", "probe-secret")
	require.NoError(t, err)
	t.Cleanup(func() { probe.Close() })

	_, err = operator.Chat("ping", "probe")
	require.NoError(t, err)
	awaitKind(t, probe, "chat")
}

func TestMintedTokensAuthenticate(t *testing.T) {
	s := reviewSpace(t)

	token, ok := s.Token("agent")
	require.True(t, ok)
	require.NotEmpty(t, token)

	c, err := s.ConnectWith("agent", token)
	require.NoError(t, err)
	c.Close()

	_, err = s.ConnectWith("agent", "guessed")
	var prob *client.Problem
	require.ErrorAs(t, err, &prob)
	require.Equal(t, envelope.ErrUnauthorized, prob.Code)

	_, err = s.Connect("ghost")
	require.Error(t, err)
}

func TestStopTearsDownClients(t *testing.T) {
	s := reviewSpace(t)
	human := connect(t, s, "human")
	feed := s.Events()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	select {
	case <-human.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe shutdown")
	}
	require.Error(t, human.Err())

	// The bridge closes subscriber channels on Stop.
	for range feed {
	}
}

func TestDoubleStartRejected(t *testing.T) {
	s, err := New(Config{Name: "twice"})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.Error(t, s.Start())
	require.NoError(t, s.Stop())
}
