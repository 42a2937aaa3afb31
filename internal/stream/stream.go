// Package stream implements the per-stream authorization table. Streams
// are named side channels for binary or bulk data: frames travel outside
// envelopes, tagged only by stream id, so authorization must be an O(1)
// lookup against this table.
package stream

import (
	"sort"
	"time"

	"github.com/mewproto/mew/internal/envelope"
)

// Stream is one active side channel.
type Stream struct {
	ID        string
	Owner     string
	Direction string
	Created   time.Time

	// writers includes the owner at all times.
	writers map[string]struct{}

	// Metadata preserves every field of the opening stream/request
	// payload except "direction", verbatim, for welcome snapshots.
	Metadata map[string]interface{}
}

// Writers returns the authorized writer set in sorted order.
func (s *Stream) Writers() []string {
	out := make([]string, 0, len(s.writers))
	for w := range s.writers {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// CanWrite reports whether pid may send frames on this stream.
func (s *Stream) CanWrite(pid string) bool {
	_, ok := s.writers[pid]
	return ok
}

// Record assembles the snapshot representation: stored metadata spread
// over the reserved fields. Custom fields from the original request
// propagate verbatim; reserved fields win on collision.
func (s *Stream) Record() map[string]interface{} {
	rec := make(map[string]interface{}, len(s.Metadata)+4)
	for k, v := range s.Metadata {
		rec[k] = v
	}
	rec["stream_id"] = s.ID
	rec["owner"] = s.Owner
	rec["created"] = s.Created
	rec["authorized_writers"] = s.Writers()
	return rec
}

// Table tracks every active stream in a space. It is owned by the router
// task and must not be shared across goroutines.
type Table struct {
	streams map[string]*Stream
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{streams: make(map[string]*Stream)}
}

// Open creates a stream owned by owner. The caller has already allocated
// the id and separated direction from the remaining metadata.
func (t *Table) Open(id, owner, direction string, metadata map[string]interface{}, created time.Time) *Stream {
	s := &Stream{
		ID:        id,
		Owner:     owner,
		Direction: direction,
		Created:   created,
		writers:   map[string]struct{}{owner: {}},
		Metadata:  metadata,
	}
	t.streams[id] = s
	return s
}

// Get looks a stream up by id.
func (t *Table) Get(id string) (*Stream, bool) {
	s, ok := t.streams[id]
	return s, ok
}

// Len reports the number of active streams.
func (t *Table) Len() int {
	return len(t.streams)
}

// Active returns every open stream in creation order.
func (t *Table) Active() []*Stream {
	out := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// GrantWrite adds writer to the stream's authorized set. Only the owner
// may grant.
func (t *Table) GrantWrite(id, actor, writer string) *envelope.Problem {
	s, ok := t.streams[id]
	if !ok {
		return notFound(id)
	}
	if actor != s.Owner {
		return &envelope.Problem{
			Code:    envelope.ErrForbidden,
			Message: "only the stream owner may grant write access",
		}
	}
	s.writers[writer] = struct{}{}
	return nil
}

// RevokeWrite removes writer from the authorized set. Only the owner may
// revoke, and the owner itself is irrevocable.
func (t *Table) RevokeWrite(id, actor, writer string) *envelope.Problem {
	s, ok := t.streams[id]
	if !ok {
		return notFound(id)
	}
	if actor != s.Owner {
		return &envelope.Problem{
			Code:    envelope.ErrForbidden,
			Message: "only the stream owner may revoke write access",
		}
	}
	if writer == s.Owner {
		return &envelope.Problem{
			Code:    envelope.ErrInvalidOperation,
			Message: "the stream owner's write access cannot be revoked",
		}
	}
	delete(s.writers, writer)
	return nil
}

// TransferOwnership moves the stream to newOwner, who becomes (or stays)
// an authorized writer. Only the current owner may transfer.
func (t *Table) TransferOwnership(id, actor, newOwner string) *envelope.Problem {
	s, ok := t.streams[id]
	if !ok {
		return notFound(id)
	}
	if actor != s.Owner {
		return &envelope.Problem{
			Code:    envelope.ErrForbidden,
			Message: "only the stream owner may transfer ownership",
		}
	}
	s.Owner = newOwner
	s.writers[newOwner] = struct{}{}
	return nil
}

// Close removes the stream. Any authorized writer (the owner included)
// may close it.
func (t *Table) Close(id, actor string) *envelope.Problem {
	s, ok := t.streams[id]
	if !ok {
		return notFound(id)
	}
	if !s.CanWrite(actor) {
		return &envelope.Problem{
			Code:    envelope.ErrForbidden,
			Message: "only authorized writers may close a stream",
		}
	}
	delete(t.streams, id)
	return nil
}

// AuthorizeFrame validates a binary frame from sender on stream id.
func (t *Table) AuthorizeFrame(id, sender string) *envelope.Problem {
	s, ok := t.streams[id]
	if !ok {
		return notFound(id)
	}
	if !s.CanWrite(sender) {
		return &envelope.Problem{
			Code:    envelope.ErrUnauthorizedStreamWrite,
			Message: "not an authorized writer of stream " + id,
		}
	}
	return nil
}

// DropParticipant applies disconnect cleanup: streams the participant
// owns survive while other writers remain (ownership is never transferred
// automatically) and close when the owner was the sole writer; streams it
// merely wrote to lose it from authorized_writers.
func (t *Table) DropParticipant(pid string) (closed []*Stream) {
	for id, s := range t.streams {
		if s.Owner == pid {
			if len(s.writers) == 1 {
				delete(t.streams, id)
				closed = append(closed, s)
			}
			continue
		}
		delete(s.writers, pid)
	}
	return closed
}

// CloseSoleWriter closes every stream whose only authorized writer is pid.
// Used when a participant restarts.
func (t *Table) CloseSoleWriter(pid string) (closed []*Stream) {
	for id, s := range t.streams {
		if len(s.writers) == 1 && s.CanWrite(pid) {
			delete(t.streams, id)
			closed = append(closed, s)
		}
	}
	return closed
}

func notFound(id string) *envelope.Problem {
	return &envelope.Problem{
		Code:    envelope.ErrStreamNotFound,
		Message: "no active stream with id " + id,
	}
}
