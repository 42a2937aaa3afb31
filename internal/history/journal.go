package history

import (
	"bytes"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var journalPrefix = []byte("h/")

// JournalConfig controls the badger store backing a durable journal.
type JournalConfig struct {
	// Dir is the badger database directory.
	Dir string
	// SyncWrites forces an fsync per append. On by default: the log
	// promises durability before delivery.
	SyncWrites bool
	// ValueLogFileSize caps individual value log files.
	ValueLogFileSize int64
}

// DefaultJournalConfig returns production defaults for the given directory.
func DefaultJournalConfig(dir string) JournalConfig {
	return JournalConfig{
		Dir:              dir,
		SyncWrites:       true,
		ValueLogFileSize: 256 << 20,
	}
}

// Journal persists history entries in badger, keyed by big-endian sequence
// number under a fixed prefix, with msgpack-encoded values.
type Journal struct {
	db *badger.DB
}

// OpenJournal opens (or creates) the journal at cfg.Dir.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", cfg.Dir, err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append persists one entry.
func (j *Journal) Append(e *Entry) error {
	val, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry %d: %w", e.Seq, err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(e.Seq), val)
	})
}

// LastSeq returns the highest persisted sequence number, or 0 for an empty
// journal.
func (j *Journal) LastSeq() (uint64, error) {
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past every possible journal key, then step back into
		// the prefix.
		seek := append(append([]byte{}, journalPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			key := it.Item().Key()
			if !bytes.HasPrefix(key, journalPrefix) {
				return nil
			}
			last = decodeJournalKey(key)
			return nil
		}
		return nil
	})
	return last, err
}

// Read returns persisted entries with from <= seq <= to in sequence order.
func (j *Journal) Read(from, to uint64) ([]*Entry, error) {
	var out []*Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = journalPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(journalKey(from)); it.Valid(); it.Next() {
			item := it.Item()
			if decodeJournalKey(item.Key()) > to {
				return nil
			}
			err := item.Value(func(val []byte) error {
				var e Entry
				if err := msgpack.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("failed to decode entry at key %x: %w", item.Key(), err)
				}
				out = append(out, &e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], seq)
	return key
}

func decodeJournalKey(key []byte) uint64 {
	if len(key) != len(journalPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(journalPrefix):])
}
