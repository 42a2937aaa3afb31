package client

import (
	"context"
	"fmt"

	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/transport"
)

// Chat sends a chat message. With no explicit recipients it falls back to
// the default_to list from the welcome, which may mean broadcast.
func (c *Client) Chat(text string, to ...string) (*Envelope, error) {
	if len(to) == 0 {
		to = c.welcome.You.DefaultTo
	}
	env, err := c.build(envelope.KindChat, to, ChatPayload{Text: text, Format: "plain"})
	if err != nil {
		return nil, err
	}
	return env, c.Send(env)
}

// Acknowledge confirms receipt of a chat message.
func (c *Client) Acknowledge(of *Envelope) error {
	env, err := envelope.NewReply(of, c.id, envelope.KindChatAcknowledge, nil)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Emit sends an envelope of any kind, the escape hatch for custom kinds
// and participant control operations.
func (c *Client) Emit(kind string, to []string, payload interface{}) (*Envelope, error) {
	env, err := c.build(kind, to, payload)
	if err != nil {
		return nil, err
	}
	return env, c.Send(env)
}

// Reply sends an envelope of any kind back to the sender of another,
// correlated to it.
func (c *Client) Reply(of *Envelope, kind string, payload interface{}) (*Envelope, error) {
	env, err := envelope.NewReply(of, c.id, kind, payload)
	if err != nil {
		return nil, err
	}
	return env, c.Send(env)
}

// Propose broadcasts an mcp/proposal carrying the operation this
// participant wants a privileged peer to perform on its behalf.
func (c *Client) Propose(payload interface{}) (*Envelope, error) {
	env, err := c.build(envelope.KindMCPProposal, nil, payload)
	if err != nil {
		return nil, err
	}
	return env, c.Send(env)
}

// Withdraw retracts one of this participant's open proposals.
func (c *Client) Withdraw(proposal *Envelope) error {
	env, err := c.build(envelope.KindMCPWithdraw, nil, nil)
	if err != nil {
		return err
	}
	env.CorrelationID = CorrelationIDs{proposal.ID}
	return c.Send(env)
}

// Request sends an mcp/request to one participant and waits for the
// correlated mcp/response.
func (c *Client) Request(ctx context.Context, to string, payload interface{}) (*Envelope, error) {
	env, err := c.build(envelope.KindMCPRequest, []string{to}, payload)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, env)
}

// Fulfill executes an accepted proposal: an mcp/request to the target,
// correlated to the proposal and carrying the proposal's own payload.
// The proposer is copied on the request so it can watch its proposal
// being acted on.
func (c *Client) Fulfill(ctx context.Context, proposal *Envelope, to string) (*Envelope, error) {
	recipients := []string{to}
	if proposal.From != "" && proposal.From != to && proposal.From != c.id {
		recipients = append(recipients, proposal.From)
	}
	env, err := c.build(envelope.KindMCPRequest, recipients, nil)
	if err != nil {
		return nil, err
	}
	env.Payload = proposal.Payload
	env.CorrelationID = CorrelationIDs{proposal.ID}
	return c.Call(ctx, env)
}

// Respond answers an mcp/request.
func (c *Client) Respond(req *Envelope, payload interface{}) error {
	env, err := envelope.NewReply(req, c.id, envelope.KindMCPResponse, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Grant extends capabilities to another participant.
func (c *Client) Grant(recipient string, caps []Capability, reason string) (*Envelope, error) {
	env, err := c.build(envelope.KindCapabilityGrant, []string{recipient}, GrantPayload{
		Recipient:    recipient,
		Capabilities: caps,
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}
	return env, c.Send(env)
}

// AckGrant accepts or rejects a received capability/grant.
func (c *Client) AckGrant(grant *Envelope, accept bool) error {
	var body GrantPayload
	if err := grant.UnmarshalPayload(&body); err != nil {
		return fmt.Errorf("malformed grant payload: %w", err)
	}
	status := "accepted"
	if !accept {
		status = "rejected"
	}
	env, err := envelope.NewReply(grant, c.id, envelope.KindCapabilityGrantAck, GrantAckPayload{
		GrantID: body.GrantID,
		Status:  status,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Revoke withdraws previously granted capabilities, by grant id or by
// structural match.
func (c *Client) Revoke(recipient, grantID string, caps []Capability, reason string) error {
	env, err := c.build(envelope.KindCapabilityRevoke, []string{recipient}, RevokePayload{
		Recipient:    recipient,
		GrantID:      grantID,
		Capabilities: caps,
		Reason:       reason,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// ReportStatus publishes this participant's lifecycle state and context
// counters.
func (c *Client) ReportStatus(state string, window *ContextWindow) error {
	env, err := c.build(envelope.KindParticipantStatus, nil, StatusPayload{
		State:         state,
		ContextWindow: window,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// RequestStatus asks another participant for its status and waits for the
// correlated participant/status reply.
func (c *Client) RequestStatus(ctx context.Context, to string) (StatusPayload, error) {
	env, err := c.build(envelope.KindParticipantRequestStatus, []string{to}, nil)
	if err != nil {
		return StatusPayload{}, err
	}
	reply, err := c.Call(ctx, env)
	if err != nil {
		return StatusPayload{}, err
	}
	var pay StatusPayload
	if err := reply.UnmarshalPayload(&pay); err != nil {
		return StatusPayload{}, fmt.Errorf("malformed status report: %w", err)
	}
	return pay, nil
}

// Pause suspends another participant. Zero seconds leaves the deadline to
// the space's default.
func (c *Client) Pause(to, reason string, seconds int) (*Envelope, error) {
	return c.Emit(envelope.KindParticipantPause, []string{to}, PausePayload{
		Reason:         reason,
		TimeoutSeconds: seconds,
	})
}

// Resume lifts another participant's pause before its deadline.
func (c *Client) Resume(to string) (*Envelope, error) {
	return c.Emit(envelope.KindParticipantResume, []string{to}, nil)
}

// Shutdown orders another participant to disconnect for good.
func (c *Client) Shutdown(to string) (*Envelope, error) {
	return c.Emit(envelope.KindParticipantShutdown, []string{to}, nil)
}

// Compact asks another participant to summarize its context. The target
// reports participant/compact-done when finished.
func (c *Client) Compact(to string) (*Envelope, error) {
	return c.Emit(envelope.KindParticipantCompact, []string{to}, nil)
}

// OpenStream asks the gateway for a stream and waits for the stream/open
// broadcast naming the allocated id. Metadata travels verbatim into the
// stream record.
func (c *Client) OpenStream(ctx context.Context, direction string, metadata map[string]interface{}) (string, error) {
	payload := map[string]interface{}{"direction": direction}
	for k, v := range metadata {
		payload[k] = v
	}
	env, err := c.build(envelope.KindStreamRequest, nil, payload)
	if err != nil {
		return "", err
	}
	open, err := c.Call(ctx, env)
	if err != nil {
		return "", err
	}
	var rec map[string]interface{}
	if err := open.UnmarshalPayload(&rec); err != nil {
		return "", fmt.Errorf("malformed stream record: %w", err)
	}
	id, _ := rec["stream_id"].(string)
	if id == "" {
		return "", fmt.Errorf("stream record carries no stream_id")
	}
	return id, nil
}

// WriteStream sends one datagram on a stream this participant may write.
func (c *Client) WriteStream(streamID string, data []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	return c.conn.WriteFrame(transport.StreamFrame(streamID, data))
}

// CloseStream closes a stream this participant may write.
func (c *Client) CloseStream(streamID, reason string) error {
	env, err := c.build(envelope.KindStreamClose, nil, StreamClosePayload{
		StreamID: streamID,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}
