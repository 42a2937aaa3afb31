package envelope

import "encoding/json"

// Error codes carried in system/error payloads.
const (
	ErrUnauthorized            = "Unauthorized"
	ErrForbidden               = "Forbidden"
	ErrMalformedEnvelope       = "MalformedEnvelope"
	ErrUnknownKind             = "UnknownKind"
	ErrPaused                  = "Paused"
	ErrInvalidOperation        = "InvalidOperation"
	ErrStreamNotFound          = "StreamNotFound"
	ErrUnauthorizedStreamWrite = "UnauthorizedStreamWrite"
	ErrDuplicateEnvelope       = "DuplicateEnvelope"
	ErrBackpressureDisconnect  = "BackpressureDisconnect"
	ErrUnsupportedProtocol     = "UnsupportedProtocol"
	ErrSpoofedSender           = "SpoofedSender"
)

// Problem describes why the gateway refused an interaction. It marshals
// directly as the payload of a system/error envelope.
type Problem struct {
	Code             string      `json:"error"`
	Message          string      `json:"message"`
	AttemptedKind    string      `json:"attempted_kind,omitempty"`
	YourCapabilities interface{} `json:"your_capabilities,omitempty"`
}

// Error implements the error interface so Problems can travel through
// ordinary error returns.
func (p *Problem) Error() string {
	return p.Code + ": " + p.Message
}

// NewError builds the gateway-originated system/error envelope reflecting
// p to a single participant. correlatesTo links the error to the offending
// envelope when its id is known; pass "" otherwise.
func NewError(p *Problem, to string, correlatesTo string) *Envelope {
	body, err := json.Marshal(p)
	if err != nil {
		// Problems are built from plain strings and capability lists;
		// a marshal failure here means a corrupted caller.
		body = []byte(`{"error":"` + p.Code + `"}`)
	}
	env := &Envelope{
		Protocol: Protocol,
		ID:       newID(),
		TS:       now(),
		From:     System,
		To:       []string{to},
		Kind:     KindSystemError,
		Payload:  body,
	}
	if correlatesTo != "" {
		env.CorrelationID = CorrelationIDs{correlatesTo}
	}
	return env
}
