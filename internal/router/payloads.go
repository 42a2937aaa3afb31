package router

import (
	"time"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/registry"
)

// Presence event names carried in system/presence payloads.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// PresencePayload is the body of a system/presence broadcast.
type PresencePayload struct {
	Event       string                `json:"event"`
	Participant registry.PublicRecord `json:"participant"`
}

// StatusPayload is the body of a gateway-originated participant/status
// broadcast announcing a lifecycle transition. Participants reporting
// their own status use StatusReport instead.
type StatusPayload struct {
	Participant string     `json:"participant"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
}

// StatusReport is the body a participant sends in its own
// participant/status envelope.
type StatusReport struct {
	State         string                  `json:"state,omitempty"`
	ContextWindow *registry.ContextWindow `json:"context_window,omitempty"`
}

// PausePayload is the body of participant/pause.
type PausePayload struct {
	Reason         string `json:"reason,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ResumePayload is the body of participant/resume. The gateway emits one
// itself when a pause deadline expires.
type ResumePayload struct {
	Participant string `json:"participant,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// HeartbeatPayload is the body of a system/heartbeat broadcast.
type HeartbeatPayload struct {
	Seq uint64 `json:"seq"`
}

// ProposalTimeoutPayload is the body of the system/proposal-timeout note
// sent to a proposer whose proposal expired unfulfilled.
type ProposalTimeoutPayload struct {
	ProposalID string `json:"proposal_id"`
}

// GrantPayload is the body of capability/grant.
type GrantPayload struct {
	Recipient    string         `json:"recipient"`
	Capabilities capability.Set `json:"capabilities"`
	GrantID      string         `json:"grant_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// GrantAckPayload is the body of capability/grant-ack. Status is
// "accepted" when empty.
type GrantAckPayload struct {
	GrantID string `json:"grant_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

// RevokePayload is the body of capability/revoke. A grant id revokes a
// whole bundle; a capability list revokes structurally equal grants.
type RevokePayload struct {
	Recipient    string         `json:"recipient"`
	GrantID      string         `json:"grant_id,omitempty"`
	Capabilities capability.Set `json:"capabilities,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// InvitePayload is the body of space/invite: a provisional participant
// definition that joins the identity store until the space shuts down.
type InvitePayload struct {
	ParticipantID string         `json:"participant_id"`
	Tokens        []string       `json:"tokens,omitempty"`
	Capabilities  capability.Set `json:"capabilities,omitempty"`
	DefaultTo     []string       `json:"default_to,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// KickPayload is the body of space/kick.
type KickPayload struct {
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason,omitempty"`
}

// StreamRefPayload is the shared body of stream/grant-write,
// stream/revoke-write, and stream/transfer-ownership.
type StreamRefPayload struct {
	StreamID      string `json:"stream_id"`
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason,omitempty"`
}

// StreamWritePayload is the body of the gateway's stream/write-granted and
// stream/write-revoked broadcasts.
type StreamWritePayload struct {
	StreamID      string `json:"stream_id"`
	ParticipantID string `json:"participant_id"`
	By            string `json:"by"`
}

// StreamTransferPayload is the body of stream/ownership-transferred.
type StreamTransferPayload struct {
	StreamID      string `json:"stream_id"`
	NewOwner      string `json:"new_owner"`
	PreviousOwner string `json:"previous_owner"`
}

// StreamClosePayload is the body of stream/close, participant- and
// gateway-originated alike.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}
