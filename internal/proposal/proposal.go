// Package proposal implements the proposal/correlation tracker. Untrusted
// participants emit mcp/proposal envelopes; privileged peers fulfill them
// with an mcp/request correlated to the proposal and carrying a
// structurally equal payload, and the target's mcp/response completes the
// chain.
//
// The tracker is advisory: it never blocks delivery. It exists for timer
// accounting (proposal expiry notes) and observability, so fulfillment
// detection must fire exactly once per proposal.
package proposal

import (
	"encoding/json"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/mewproto/mew/internal/envelope"
)

// Proposal is one open mcp/proposal awaiting fulfillment.
type Proposal struct {
	ID       string
	Proposer string
	Digest   uint64
	Deadline time.Time
}

// Tracker indexes open proposals and the requests that may fulfill them.
// Owned by the router task; not safe for concurrent use.
type Tracker struct {
	open     map[string]*Proposal
	requests map[string]string // fulfilling request id -> proposal id
	lifetime time.Duration
}

// NewTracker creates a tracker whose proposals expire after lifetime.
func NewTracker(lifetime time.Duration) *Tracker {
	return &Tracker{
		open:     make(map[string]*Proposal),
		requests: make(map[string]string),
		lifetime: lifetime,
	}
}

// Lifetime returns the configured proposal lifetime.
func (t *Tracker) Lifetime() time.Duration {
	return t.lifetime
}

// Len reports the number of open proposals.
func (t *Tracker) Len() int {
	return len(t.open)
}

// Get looks an open proposal up by envelope id.
func (t *Tracker) Get(id string) (*Proposal, bool) {
	p, ok := t.open[id]
	return p, ok
}

// Add indexes an accepted mcp/proposal and returns its record with the
// expiry deadline set. The caller arms the timer.
func (t *Tracker) Add(env *envelope.Envelope) *Proposal {
	p := &Proposal{
		ID:       env.ID,
		Proposer: env.From,
		Digest:   Digest(env.Payload),
		Deadline: time.Now().Add(t.lifetime),
	}
	t.open[p.ID] = p
	return p
}

// ObserveRequest inspects an accepted mcp/request. When its correlation
// chain names an open proposal and its payload is structurally equal to
// the proposal payload, the request is indexed as a fulfillment candidate
// and the proposal is returned.
func (t *Tracker) ObserveRequest(env *envelope.Envelope) *Proposal {
	for _, cid := range env.CorrelationID {
		p, ok := t.open[cid]
		if !ok {
			continue
		}
		if Digest(env.Payload) != p.Digest {
			continue
		}
		t.requests[env.ID] = p.ID
		return p
	}
	return nil
}

// ObserveResponse inspects an accepted mcp/response. When its correlation
// chain names an indexed fulfillment request, the linked proposal
// transitions to fulfilled exactly once: the entry is removed and returned.
func (t *Tracker) ObserveResponse(env *envelope.Envelope) *Proposal {
	for _, cid := range env.CorrelationID {
		pid, ok := t.requests[cid]
		if !ok {
			continue
		}
		p, ok := t.open[pid]
		if !ok {
			continue
		}
		t.remove(pid)
		return p
	}
	return nil
}

// Withdraw removes every open proposal the withdrawing participant owns
// that the mcp/withdraw envelope correlates to.
func (t *Tracker) Withdraw(env *envelope.Envelope) []*Proposal {
	var removed []*Proposal
	for _, cid := range env.CorrelationID {
		p, ok := t.open[cid]
		if !ok || p.Proposer != env.From {
			continue
		}
		t.remove(cid)
		removed = append(removed, p)
	}
	return removed
}

// Expire removes a proposal whose timer fired and returns it so the
// caller can notify the proposer. Returns nil when the proposal is
// already gone (fulfilled or withdrawn before the timer).
func (t *Tracker) Expire(id string) *Proposal {
	p, ok := t.open[id]
	if !ok {
		return nil
	}
	t.remove(id)
	return p
}

// DropProposer is a no-op by policy: proposals from a disconnected
// participant stay tracked until expiry for observability.
func (t *Tracker) DropProposer(pid string) {}

func (t *Tracker) remove(pid string) {
	delete(t.open, pid)
	for rid, mapped := range t.requests {
		if mapped == pid {
			delete(t.requests, rid)
		}
	}
}

// Digest computes a canonical structural hash of a payload: the document
// is decoded and re-encoded (object keys sort deterministically) before
// hashing, so formatting and key order do not affect equality.
func Digest(payload json.RawMessage) uint64 {
	if len(payload) == 0 {
		return 0
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return xxhash.Checksum64(payload)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return xxhash.Checksum64(payload)
	}
	return xxhash.Checksum64(canonical)
}
