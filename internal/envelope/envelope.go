// Package envelope defines the universal message unit exchanged through a
// MEW space and the ingress rules the gateway applies to untrusted bytes.
//
// Every participant-visible message is an Envelope: a protocol-stamped,
// uniquely identified, kind-tagged JSON document. The normalizer in this
// package is the boundary between wire input and the internal model; all
// downstream components may assume structural well-formedness.
//
// Key features:
// - Stateless parsing with protocol and sender-spoof validation
// - Stateful admission: id/timestamp stamping, duplicate-id rejection
// - Correlation chains normalized to sequences (scalar input is coerced)
// - The normative kind taxonomy and the system/error code set
//
// Called by: transport read pumps (Parse/Check), the router task (Admit)
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Protocol is the wire protocol identifier carried by every envelope.
const Protocol = "mew/v0.4"

// System is the reserved participant id for gateway-originated envelopes.
// Participants can never authenticate as it and never emit system/* kinds.
const System = "system"

// Broadcast is the recipient token a capability's "to" list uses to permit
// envelopes with an empty recipient set.
const Broadcast = "*broadcast*"

// CorrelationIDs is the ordered sequence of envelope ids an envelope
// responds to or fulfills. The wire form may be a scalar string; it is
// coerced into a one-element sequence on unmarshal.
type CorrelationIDs []string

// UnmarshalJSON accepts both `"id"` and `["id", ...]`.
func (c *CorrelationIDs) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*c = CorrelationIDs{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*c = CorrelationIDs(many)
	return nil
}

// Contains reports whether id appears in the correlation chain.
func (c CorrelationIDs) Contains(id string) bool {
	for _, v := range c {
		if v == id {
			return true
		}
	}
	return false
}

// Envelope wraps every message routed through a space.
//
// Fields mirror the wire format exactly. To is an ordered recipient set;
// empty means broadcast to every participant except the sender. Payload is
// kept raw so the gateway preserves fields it does not understand.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID CorrelationIDs  `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func newID() string { return uuid.New().String() }

func now() time.Time { return time.Now().UTC() }

// New creates a ready-to-send envelope with a fresh id and timestamp.
//
// Parameters:
//   - from: sending participant id (or System for gateway traffic)
//   - kind: taxonomy kind, e.g. "chat" or "mcp/request"
//   - payload: body to be JSON-marshaled; nil leaves the payload empty
//
// Returns the envelope, or the payload marshaling error.
func New(from, kind string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Protocol: Protocol,
		ID:       newID(),
		TS:       now(),
		From:     from,
		Kind:     kind,
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = body
	}
	return env, nil
}

// NewReply creates an envelope addressed back to the sender of orig and
// correlated to it.
func NewReply(orig *Envelope, from, kind string, payload interface{}) (*Envelope, error) {
	env, err := New(from, kind, payload)
	if err != nil {
		return nil, err
	}
	env.To = []string{orig.From}
	env.CorrelationID = CorrelationIDs{orig.ID}
	return env, nil
}

// IsBroadcast reports whether the envelope addresses every participant.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// UnmarshalPayload unmarshals the payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone creates a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.To != nil {
		clone.To = make([]string, len(e.To))
		copy(clone.To, e.To)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = make(CorrelationIDs, len(e.CorrelationID))
		copy(clone.CorrelationID, e.CorrelationID)
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// ToJSON serializes the envelope to its wire form.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope without applying any ingress rules.
// Trusted unmarshaling only; wire input goes through Parse.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return &env, err
}
