// Package transport frames gateway traffic over byte streams. Two codecs
// carry the same three frame types: newline-delimited JSON for
// subprocess pipes and debugging, and a length-prefixed binary format for
// sockets moving stream data in bulk.
package transport

import (
	"github.com/mewproto/mew/internal/envelope"
)

// FrameType tags what a frame carries.
type FrameType byte

const (
	// FrameHello is the authentication handshake, always first on a
	// connection.
	FrameHello FrameType = 0x01
	// FrameEnvelope carries one protocol envelope.
	FrameEnvelope FrameType = 0x02
	// FrameStream carries opaque stream data tagged with a stream id.
	// Stream frames are not envelopes and skip the JSON payload path.
	FrameStream FrameType = 0x03
)

// Hello authenticates a connection. The gateway verifies the token
// against the participant's configured tokens before admitting it.
type Hello struct {
	Protocol    string `json:"protocol"`
	Participant string `json:"participant"`
	Token       string `json:"token"`
}

// Frame is one unit on the wire. Exactly one of Hello, Envelope, or the
// StreamID/Data pair is set, according to Type.
type Frame struct {
	Type     FrameType
	Hello    *Hello
	Envelope *envelope.Envelope
	StreamID string
	Data     []byte
}

// HelloFrame builds the handshake frame for a participant.
func HelloFrame(participant, token string) *Frame {
	return &Frame{
		Type: FrameHello,
		Hello: &Hello{
			Protocol:    envelope.Protocol,
			Participant: participant,
			Token:       token,
		},
	}
}

// EnvelopeFrame wraps an envelope for transmission.
func EnvelopeFrame(env *envelope.Envelope) *Frame {
	return &Frame{Type: FrameEnvelope, Envelope: env}
}

// StreamFrame wraps one datagram of stream data.
func StreamFrame(streamID string, data []byte) *Frame {
	return &Frame{Type: FrameStream, StreamID: streamID, Data: data}
}
