package client

import (
	"time"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/envelope"
)

// The wire format is owned by the internal envelope package; these aliases
// give embedders a public name for the same types.
type (
	// Envelope is one protocol message.
	Envelope = envelope.Envelope
	// CorrelationIDs is an envelope's correlation chain.
	CorrelationIDs = envelope.CorrelationIDs
	// Problem is the payload of a system/error envelope.
	Problem = envelope.Problem
	// Capability authorizes sending envelopes matching its patterns.
	Capability = capability.Capability
	// CapabilitySet is an ordered capability collection.
	CapabilitySet = capability.Set
)

// Envelope kinds, re-exported so handlers can switch on them without
// reaching into internal packages.
const (
	KindSystemWelcome         = envelope.KindSystemWelcome
	KindSystemPresence        = envelope.KindSystemPresence
	KindSystemError           = envelope.KindSystemError
	KindSystemHeartbeat       = envelope.KindSystemHeartbeat
	KindSystemProposalTimeout = envelope.KindSystemProposalTimeout

	KindMCPRequest      = envelope.KindMCPRequest
	KindMCPResponse     = envelope.KindMCPResponse
	KindMCPProposal     = envelope.KindMCPProposal
	KindMCPWithdraw     = envelope.KindMCPWithdraw
	KindMCPReject       = envelope.KindMCPReject
	KindMCPNotification = envelope.KindMCPNotification

	KindCapabilityGrant    = envelope.KindCapabilityGrant
	KindCapabilityRevoke   = envelope.KindCapabilityRevoke
	KindCapabilityGrantAck = envelope.KindCapabilityGrantAck
	KindSpaceInvite        = envelope.KindSpaceInvite
	KindSpaceInviteAck     = envelope.KindSpaceInviteAck
	KindSpaceKick          = envelope.KindSpaceKick

	KindChat            = envelope.KindChat
	KindChatAcknowledge = envelope.KindChatAcknowledge
	KindChatCancel      = envelope.KindChatCancel

	KindReasoningStart      = envelope.KindReasoningStart
	KindReasoningThought    = envelope.KindReasoningThought
	KindReasoningConclusion = envelope.KindReasoningConclusion
	KindReasoningCancel     = envelope.KindReasoningCancel

	KindParticipantPause         = envelope.KindParticipantPause
	KindParticipantResume        = envelope.KindParticipantResume
	KindParticipantStatus        = envelope.KindParticipantStatus
	KindParticipantRequestStatus = envelope.KindParticipantRequestStatus
	KindParticipantForget        = envelope.KindParticipantForget
	KindParticipantCompact       = envelope.KindParticipantCompact
	KindParticipantCompactDone   = envelope.KindParticipantCompactDone
	KindParticipantClear         = envelope.KindParticipantClear
	KindParticipantRestart       = envelope.KindParticipantRestart
	KindParticipantShutdown      = envelope.KindParticipantShutdown

	KindStreamRequest              = envelope.KindStreamRequest
	KindStreamOpen                 = envelope.KindStreamOpen
	KindStreamClose                = envelope.KindStreamClose
	KindStreamGrantWrite           = envelope.KindStreamGrantWrite
	KindStreamRevokeWrite          = envelope.KindStreamRevokeWrite
	KindStreamTransferOwnership    = envelope.KindStreamTransferOwnership
	KindStreamWriteGranted         = envelope.KindStreamWriteGranted
	KindStreamWriteRevoked         = envelope.KindStreamWriteRevoked
	KindStreamOwnershipTransferred = envelope.KindStreamOwnershipTransferred
)

// Participant is the welcome- and presence-visible view of a peer.
type Participant struct {
	ID           string        `json:"id"`
	Capabilities CapabilitySet `json:"capabilities"`
	DefaultTo    []string      `json:"default_to,omitempty"`
}

// Welcome is the gateway's connection snapshot: who you are, who is
// present, and which streams are open.
type Welcome struct {
	You           Participant              `json:"you"`
	Participants  []Participant            `json:"participants"`
	ActiveStreams []map[string]interface{} `json:"active_streams"`
}

// Presence is the payload of a system/presence envelope.
type Presence struct {
	Event       string      `json:"event"`
	Participant Participant `json:"participant"`
}

// Presence events.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// StreamFrame is one datagram received on an open stream.
type StreamFrame struct {
	StreamID string
	Data     []byte
}

// GrantPayload shapes capability/grant envelopes.
type GrantPayload struct {
	Recipient    string        `json:"recipient"`
	Capabilities CapabilitySet `json:"capabilities"`
	GrantID      string        `json:"grant_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// GrantAckPayload shapes capability/grant-ack envelopes.
type GrantAckPayload struct {
	GrantID string `json:"grant_id"`
	Status  string `json:"status"`
}

// RevokePayload shapes capability/revoke envelopes.
type RevokePayload struct {
	Recipient    string        `json:"recipient"`
	GrantID      string        `json:"grant_id,omitempty"`
	Capabilities CapabilitySet `json:"capabilities,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// ChatPayload shapes chat envelopes.
type ChatPayload struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// StatusPayload shapes participant/status reports sent by this client.
type StatusPayload struct {
	State         string         `json:"state,omitempty"`
	ContextWindow *ContextWindow `json:"context_window,omitempty"`
}

// StatusNotice is the payload of a gateway-originated participant/status
// broadcast announcing another participant's lifecycle transition.
type StatusNotice struct {
	Participant string     `json:"participant"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
}

// PausePayload shapes participant/pause envelopes.
type PausePayload struct {
	Reason         string `json:"reason,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ResumePayload shapes participant/resume envelopes. The gateway's own
// resume broadcasts name the affected participant.
type ResumePayload struct {
	Participant string `json:"participant,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ContextWindow reports a participant's self-counted context usage. The
// gateway records it verbatim; it never counts tokens itself.
type ContextWindow struct {
	Tokens    int64 `json:"tokens,omitempty"`
	MaxTokens int64 `json:"max_tokens,omitempty"`
	Messages  int64 `json:"messages,omitempty"`
}

// StreamClosePayload shapes stream/close envelopes.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}
