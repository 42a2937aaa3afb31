package envelope

import (
	"encoding/json"
	"strconv"
	"time"
)

// Parse converts wire bytes into an envelope and applies the stateless
// ingress rules. It is safe to call from transport tasks.
//
// Rules enforced here:
//   - the document must be valid JSON (MalformedEnvelope)
//   - protocol must equal Protocol (UnsupportedProtocol)
//   - from, if present, must equal the authenticated sender (SpoofedSender)
//   - kind must be present (MalformedEnvelope)
//
// Stateful admission (duplicate ids, id/ts stamping) happens on the router
// task via Normalizer.Admit.
func Parse(raw []byte, sender string) (*Envelope, *Problem) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Problem{
			Code:    ErrMalformedEnvelope,
			Message: "envelope is not valid JSON: " + err.Error(),
		}
	}
	return Check(&env, sender)
}

// Check applies the stateless ingress rules to an already-decoded envelope.
// Transports that decode framing themselves call this instead of Parse.
func Check(env *Envelope, sender string) (*Envelope, *Problem) {
	if env.Protocol != Protocol {
		return nil, &Problem{
			Code:          ErrUnsupportedProtocol,
			Message:       "unsupported protocol " + strconv.Quote(env.Protocol) + ", want " + Protocol,
			AttemptedKind: env.Kind,
		}
	}
	if env.From == "" {
		env.From = sender
	} else if env.From != sender {
		return nil, &Problem{
			Code:          ErrSpoofedSender,
			Message:       "from " + strconv.Quote(env.From) + " does not match authenticated participant " + strconv.Quote(sender),
			AttemptedKind: env.Kind,
		}
	}
	if env.Kind == "" {
		return nil, &Problem{
			Code:    ErrMalformedEnvelope,
			Message: "kind is required",
		}
	}
	return env, nil
}

// Normalizer owns the stateful admission rules: envelope ids are unique for
// the life of the process and missing ids/timestamps are stamped by the
// gateway. Owned by the router task; not safe for concurrent use.
type Normalizer struct {
	seen map[string]struct{}

	// Now is swappable for tests.
	Now func() time.Time
}

// NewNormalizer returns an empty admission state.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		seen: make(map[string]struct{}),
		Now:  now,
	}
}

// Admit stamps and registers env. A non-nil Problem means the envelope is
// rejected and must be reflected to the sender.
func (n *Normalizer) Admit(env *Envelope) *Problem {
	if env.ID == "" {
		env.ID = newID()
	} else if _, dup := n.seen[env.ID]; dup {
		return &Problem{
			Code:          ErrDuplicateEnvelope,
			Message:       "envelope id " + strconv.Quote(env.ID) + " was already seen",
			AttemptedKind: env.Kind,
		}
	}
	n.seen[env.ID] = struct{}{}
	if env.TS.IsZero() {
		env.TS = n.Now()
	}
	return nil
}

// Observe records an id the gateway allocated itself, so participant
// traffic cannot replay it.
func (n *Normalizer) Observe(id string) {
	n.seen[id] = struct{}{}
}
