package registry

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/envelope"
)

// Definition is the provisioned identity of a participant: the tokens that
// may authenticate as this id and the static capabilities it starts with.
type Definition struct {
	ID        string
	Tokens    []string
	Static    capability.Set
	DefaultTo []string
	AutoStart string
	Transport string
}

// Definitions is the identity store backing the handshake. Transport
// goroutines read it concurrently while space/invite adds provisional
// entries from the router task, so it guards itself.
type Definitions struct {
	mu   sync.RWMutex
	byID map[string]Definition
}

// NewDefinitions builds the store from configuration.
func NewDefinitions(defs []Definition) *Definitions {
	d := &Definitions{byID: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		d.byID[def.ID] = def
	}
	return d
}

// Get returns the definition for id.
func (d *Definitions) Get(id string) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.byID[id]
	return def, ok
}

// Add registers a provisional definition, as space/invite does. Reserved
// ids and already-defined ids are refused.
func (d *Definitions) Add(def Definition) error {
	if def.ID == "" || def.ID == envelope.System || def.ID == envelope.Broadcast {
		return fmt.Errorf("participant id %q is reserved", def.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byID[def.ID]; exists {
		return fmt.Errorf("participant %q is already defined", def.ID)
	}
	d.byID[def.ID] = def
	return nil
}

// Authenticate verifies a bearer token for id. Token comparison is
// constant-time; every configured token is checked so the comparison count
// does not leak which token matched.
func (d *Definitions) Authenticate(id, token string) bool {
	d.mu.RLock()
	def, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	matched := 0
	for _, t := range def.Tokens {
		matched |= subtle.ConstantTimeCompare([]byte(t), []byte(token))
	}
	return matched == 1
}

// EnsureToken returns a token that authenticates id, minting and storing
// an ephemeral one when the definition has none. Locally spawned
// participants whose configuration omits tokens get theirs this way.
func (d *Definitions) EnsureToken(id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	def, ok := d.byID[id]
	if !ok {
		return "", fmt.Errorf("participant %q is not defined", id)
	}
	if len(def.Tokens) > 0 {
		return def.Tokens[0], nil
	}
	token := uuid.NewString()
	def.Tokens = []string{token}
	d.byID[id] = def
	return token, nil
}

// All returns every definition sorted by id.
func (d *Definitions) All() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.byID))
	for _, def := range d.byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
