// Package registry tracks connected participants: their effective
// capabilities, lifecycle machines, context-window counters, and outbound
// senders. It is the authoritative source for welcome snapshots.
//
// The Registry itself is owned by the router task and is lock-free; the
// Definitions identity store is shared with transport goroutines and
// guards itself.
package registry

import (
	"sort"
	"time"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/lifecycle"
)

// Sender is the outbound half of a participant connection. The router
// enqueues without blocking; a false return means the recipient's queue
// overflowed and the participant must be disconnected.
type Sender interface {
	TrySendEnvelope(env *envelope.Envelope) bool
	TrySendStream(streamID string, data []byte) bool
	Close()
}

// ContextWindow mirrors the counters a participant reports through
// participant/status. The gateway never measures these itself.
type ContextWindow struct {
	Tokens    int64 `json:"tokens,omitempty"`
	MaxTokens int64 `json:"max_tokens,omitempty"`
	Messages  int64 `json:"messages,omitempty"`
}

// Grant is one dynamically granted capability. Elevated grants stay
// pending until the grantee acknowledges them; pending grants never count
// in capability matching.
type Grant struct {
	ID         string
	Grantor    string
	Capability capability.Capability
	Accepted   bool
	GrantedAt  time.Time
}

// Participant is one connected actor's runtime record.
type Participant struct {
	ID       string
	Static   capability.Set
	Grants   []*Grant
	Machine  *lifecycle.Machine
	Context  ContextWindow
	Sender   Sender
	ConnGen  uint64
	JoinedAt time.Time
	LastSeen time.Time

	// DefaultTo is surfaced to the participant in its welcome so client
	// libraries can address chat without repeating configuration.
	DefaultTo []string
}

// Effective returns the matching capability set: static plus accepted
// grants. Revocation is strictly subtractive on the granted part.
func (p *Participant) Effective() capability.Set {
	out := make(capability.Set, 0, len(p.Static)+len(p.Grants))
	out = append(out, p.Static...)
	for _, g := range p.Grants {
		if g.Accepted {
			out = append(out, g.Capability)
		}
	}
	return out
}

// AddGrant appends a grant record.
func (p *Participant) AddGrant(g *Grant) {
	p.Grants = append(p.Grants, g)
}

// AcceptGrant promotes every pending grant carrying id. A grant envelope
// may bundle several capabilities under one grant_id, so acceptance applies
// to the whole bundle. Unknown ids return nothing; accepting twice is a
// harmless no-op.
func (p *Participant) AcceptGrant(id string) []*Grant {
	var promoted []*Grant
	for _, g := range p.Grants {
		if g.ID == id {
			g.Accepted = true
			promoted = append(promoted, g)
		}
	}
	return promoted
}

// RevokeGrantByID removes every grant record carrying id.
func (p *Participant) RevokeGrantByID(id string) []*Grant {
	var removed []*Grant
	kept := p.Grants[:0]
	for _, g := range p.Grants {
		if g.ID == id {
			removed = append(removed, g)
		} else {
			kept = append(kept, g)
		}
	}
	p.Grants = kept
	return removed
}

// RevokeGrantsMatching removes every grant whose capability structurally
// equals one of the given patterns.
func (p *Participant) RevokeGrantsMatching(caps []capability.Capability) []*Grant {
	var removed []*Grant
	kept := p.Grants[:0]
	for _, g := range p.Grants {
		matched := false
		for _, c := range caps {
			if capability.Equal(g.Capability, c) {
				matched = true
				break
			}
		}
		if matched {
			removed = append(removed, g)
		} else {
			kept = append(kept, g)
		}
	}
	p.Grants = kept
	return removed
}

// PublicRecord is the welcome-visible view of a participant. Tokens never
// appear here.
type PublicRecord struct {
	ID           string         `json:"id"`
	Capabilities capability.Set `json:"capabilities"`
	DefaultTo    []string       `json:"default_to,omitempty"`
}

// Public returns the record other participants may see.
func (p *Participant) Public() PublicRecord {
	return PublicRecord{ID: p.ID, Capabilities: p.Effective()}
}

// Own returns the record the participant itself receives in its welcome.
func (p *Participant) Own() PublicRecord {
	return PublicRecord{ID: p.ID, Capabilities: p.Effective(), DefaultTo: p.DefaultTo}
}

// Registry holds every currently connected participant. Owned by the
// router task; O(1) lookup by id.
type Registry struct {
	participants map[string]*Participant
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{participants: make(map[string]*Participant)}
}

// Add inserts p. The caller has already refused duplicate connections.
func (r *Registry) Add(p *Participant) {
	r.participants[p.ID] = p
}

// Get looks a participant up by id.
func (r *Registry) Get(id string) (*Participant, bool) {
	p, ok := r.participants[id]
	return p, ok
}

// Remove deletes the participant record.
func (r *Registry) Remove(id string) {
	delete(r.participants, id)
}

// Len reports the number of connected participants.
func (r *Registry) Len() int {
	return len(r.participants)
}

// All returns every connected participant sorted by id.
func (r *Registry) All() []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Others returns every connected participant except the one named.
func (r *Registry) Others(exclude string) []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id != exclude {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
