package envelope

import "strings"

// Envelope kinds. The taxonomy is normative: names are final and
// case-sensitive. Unknown kinds are not rejected outright; they pass
// through only when a capability explicitly permits them.
const (
	// Gateway-originated only. Participants attempting to emit any
	// system/* kind commit a protocol error, not a capability violation.
	KindSystemWelcome         = "system/welcome"
	KindSystemPresence        = "system/presence"
	KindSystemError           = "system/error"
	KindSystemHeartbeat       = "system/heartbeat"
	KindSystemProposalTimeout = "system/proposal-timeout"

	// MCP application traffic.
	KindMCPRequest      = "mcp/request"
	KindMCPResponse     = "mcp/response"
	KindMCPProposal     = "mcp/proposal"
	KindMCPWithdraw     = "mcp/withdraw"
	KindMCPReject       = "mcp/reject"
	KindMCPNotification = "mcp/notification"

	// Capability and space management.
	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"
	KindSpaceInvite        = "space/invite"
	KindSpaceInviteAck     = "space/invite-ack"
	KindSpaceKick          = "space/kick"

	// Chat.
	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	// Reasoning transparency.
	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	// Participant control.
	KindParticipantPause         = "participant/pause"
	KindParticipantResume        = "participant/resume"
	KindParticipantStatus        = "participant/status"
	KindParticipantRequestStatus = "participant/request-status"
	KindParticipantForget        = "participant/forget"
	KindParticipantCompact       = "participant/compact"
	KindParticipantCompactDone   = "participant/compact-done"
	KindParticipantClear         = "participant/clear"
	KindParticipantRestart       = "participant/restart"
	KindParticipantShutdown      = "participant/shutdown"

	// Streams. Frames themselves travel outside envelopes; these kinds
	// carry the control plane.
	KindStreamRequest              = "stream/request"
	KindStreamOpen                 = "stream/open"
	KindStreamClose                = "stream/close"
	KindStreamGrantWrite           = "stream/grant-write"
	KindStreamRevokeWrite          = "stream/revoke-write"
	KindStreamTransferOwnership    = "stream/transfer-ownership"
	KindStreamWriteGranted         = "stream/write-granted"
	KindStreamWriteRevoked         = "stream/write-revoked"
	KindStreamOwnershipTransferred = "stream/ownership-transferred"
)

var knownKinds = map[string]struct{}{
	KindSystemWelcome:              {},
	KindSystemPresence:             {},
	KindSystemError:                {},
	KindSystemHeartbeat:            {},
	KindSystemProposalTimeout:      {},
	KindMCPRequest:                 {},
	KindMCPResponse:                {},
	KindMCPProposal:                {},
	KindMCPWithdraw:                {},
	KindMCPReject:                  {},
	KindMCPNotification:            {},
	KindCapabilityGrant:            {},
	KindCapabilityRevoke:           {},
	KindCapabilityGrantAck:         {},
	KindSpaceInvite:                {},
	KindSpaceInviteAck:             {},
	KindSpaceKick:                  {},
	KindChat:                       {},
	KindChatAcknowledge:            {},
	KindChatCancel:                 {},
	KindReasoningStart:             {},
	KindReasoningThought:           {},
	KindReasoningConclusion:        {},
	KindReasoningCancel:            {},
	KindParticipantPause:           {},
	KindParticipantResume:          {},
	KindParticipantStatus:          {},
	KindParticipantRequestStatus:   {},
	KindParticipantForget:          {},
	KindParticipantCompact:         {},
	KindParticipantCompactDone:     {},
	KindParticipantClear:           {},
	KindParticipantRestart:         {},
	KindParticipantShutdown:        {},
	KindStreamRequest:              {},
	KindStreamOpen:                 {},
	KindStreamClose:                {},
	KindStreamGrantWrite:           {},
	KindStreamRevokeWrite:          {},
	KindStreamTransferOwnership:    {},
	KindStreamWriteGranted:         {},
	KindStreamWriteRevoked:         {},
	KindStreamOwnershipTransferred: {},
}

// KnownKind reports whether kind belongs to the normative taxonomy.
func KnownKind(kind string) bool {
	_, ok := knownKinds[kind]
	return ok
}

// IsSystemKind reports whether kind lives in the reserved system namespace.
func IsSystemKind(kind string) bool {
	return kind == "system" || strings.HasPrefix(kind, "system/")
}
