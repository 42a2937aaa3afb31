// Package history implements the append-only envelope journal. Every
// accepted inbound envelope is recorded with a monotonic sequence number
// and the gateway's reception timestamp before it is routed, so anything a
// recipient sees is already in the log.
//
// The log is not replayed to late joiners (the welcome snapshot covers
// catch-up); it exists for audit and external observers. An optional
// badger-backed journal makes entries durable across restarts.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/mewproto/mew/internal/envelope"
)

// Entry is one accepted envelope plus reception metadata.
type Entry struct {
	Seq        uint64             `json:"seq"`
	ReceivedAt time.Time          `json:"received_at"`
	Envelope   *envelope.Envelope `json:"envelope"`
}

// Log keeps a bounded in-memory window of recent entries and, when a
// journal is attached, writes every entry through synchronously. Appends
// come only from the router task; reads may come from anywhere.
type Log struct {
	mu      sync.RWMutex
	entries []*Entry
	head    int
	size    int
	limit   int
	seq     uint64
	journal *Journal
}

// New creates a log holding at most limit entries in memory. A non-nil
// journal is consulted for the last persisted sequence so numbering
// continues across restarts.
func New(limit int, journal *Journal) (*Log, error) {
	if limit <= 0 {
		limit = 1
	}
	l := &Log{
		entries: make([]*Entry, limit),
		limit:   limit,
		journal: journal,
	}
	if journal != nil {
		last, err := journal.LastSeq()
		if err != nil {
			return nil, fmt.Errorf("failed to read journal sequence: %w", err)
		}
		l.seq = last
	}
	return l, nil
}

// Append records env and returns the entry. When a journal is attached the
// entry is durable before Append returns.
func (l *Log) Append(env *envelope.Envelope, receivedAt time.Time) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Seq:        l.seq + 1,
		ReceivedAt: receivedAt,
		Envelope:   env,
	}
	if l.journal != nil {
		if err := l.journal.Append(entry); err != nil {
			return nil, fmt.Errorf("journal append failed: %w", err)
		}
	}
	l.seq = entry.Seq

	idx := (l.head + l.size) % l.limit
	l.entries[idx] = entry
	if l.size < l.limit {
		l.size++
	} else {
		l.head = (l.head + 1) % l.limit
	}
	return entry, nil
}

// Seq returns the sequence number of the most recent entry.
func (l *Log) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Len reports how many entries the in-memory window currently holds.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Tail returns up to n most recent entries in sequence order.
func (l *Log) Tail(n int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.size {
		n = l.size
	}
	out := make([]*Entry, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, l.entries[(l.head+i)%l.limit])
	}
	return out
}

// Range returns in-memory entries with from <= seq <= to in sequence
// order. Entries older than the memory window are only available through
// the journal.
func (l *Log) Range(from, to uint64) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for i := 0; i < l.size; i++ {
		e := l.entries[(l.head+i)%l.limit]
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e)
		}
	}
	return out
}
