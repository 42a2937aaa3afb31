package space

import (
	"sync"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/public/client"
)

// bridge fans routed envelopes out to host-application subscribers as
// native Go channels. It observes the space through a router tap:
// participant traffic and space-wide gateway notices such as presence,
// but not connection-local envelopes (welcomes, refusals).
type bridge struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

type subscription struct {
	kinds []string
	ch    chan *client.Envelope
}

func newBridge() *bridge {
	return &bridge{}
}

// subscribe registers interest in envelopes whose kind matches any of
// the given patterns, using the glob rules capabilities use. No patterns
// means everything.
func (b *bridge) subscribe(kinds []string, buffer int) chan *client.Envelope {
	if buffer <= 0 {
		buffer = 100
	}
	sub := &subscription{
		kinds: kinds,
		ch:    make(chan *client.Envelope, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

func (b *bridge) unsubscribe(ch <-chan *client.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if ch == sub.ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// publish runs on the router task and must not block: a subscriber that
// falls behind loses the envelope rather than stalling the space.
func (b *bridge) publish(env *envelope.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(env.Kind) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
		}
	}
}

func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func (s *subscription) matches(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	for _, pattern := range s.kinds {
		if capability.MatchKind(pattern, kind) {
			return true
		}
	}
	return false
}

// Events returns a channel of routed envelopes whose kind matches any of
// the given glob patterns ("chat", "mcp/**"); no patterns subscribes to
// all traffic, presence notices included. The channel closes on
// Unsubscribe or when the space stops. Subscribers that fall behind miss
// envelopes: the feed is an observer, not a participant.
func (s *Space) Events(kinds ...string) <-chan *client.Envelope {
	return s.bridge.subscribe(kinds, 0)
}

// Unsubscribe detaches a channel obtained from Events and closes it.
func (s *Space) Unsubscribe(ch <-chan *client.Envelope) {
	s.bridge.unsubscribe(ch)
}
