// Package store is the local durable store. It owns persisted records and
// the sync queue's entries, writing both through a Medium so a mutation and
// its queue entry land in the same atomic batch.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Keyspaces
const (
	recordPrefix   = "record/"
	queuePrefix    = "queue/"
	deadPrefix     = "dead/"
	conflictPrefix = "conflict/"
	seqKey         = "meta/seq"
)

// Standard errors
var (
	ErrNotFound = errors.New("store: not found")
	ErrCorrupt  = errors.New("store: corrupt")
)

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt checks if error reports unreadable persisted state
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// Entry is a raw persisted value from one of the queue keyspaces
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Store persists records, queue items, dead letters and conflicts
type Store struct {
	medium Medium

	mu  sync.Mutex
	seq uint64
}

// Open loads and verifies the persisted state. Any value that cannot be
// decoded, or a sequence counter behind the queue, returns ErrCorrupt.
func Open(medium Medium) (*Store, error) {
	s := &Store{medium: medium}

	records, err := medium.List(recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	for _, kv := range records {
		var r record.Record
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, kv.Key, err)
		}
		if r.ID != strings.TrimPrefix(kv.Key, recordPrefix) {
			return nil, fmt.Errorf("%w: record %s has id %q", ErrCorrupt, kv.Key, r.ID)
		}
	}

	var maxSeq uint64
	queued, err := medium.List(queuePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	for _, kv := range queued {
		seq, err := parseSeq(kv.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if !json.Valid(kv.Value) {
			return nil, fmt.Errorf("%w: queue entry %s is not valid JSON", ErrCorrupt, kv.Key)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	for _, prefix := range []string{deadPrefix, conflictPrefix} {
		kvs, err := medium.List(prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, kv := range kvs {
			if !json.Valid(kv.Value) {
				return nil, fmt.Errorf("%w: %s is not valid JSON", ErrCorrupt, kv.Key)
			}
		}
	}

	raw, err := medium.Get(seqKey)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		if len(queued) > 0 {
			return nil, fmt.Errorf("%w: queue has entries but no sequence counter", ErrCorrupt)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	default:
		seq, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: sequence counter %q", ErrCorrupt, raw)
		}
		if seq < maxSeq {
			return nil, fmt.Errorf("%w: sequence counter %d behind queue entry %d", ErrCorrupt, seq, maxSeq)
		}
		s.seq = seq
	}

	return s, nil
}

func parseSeq(key string) (uint64, error) {
	seq, err := strconv.ParseUint(strings.TrimPrefix(key, queuePrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("queue key %s has no sequence", key)
	}
	return seq, nil
}

// QueueKey returns the key a queue entry with the given sequence is stored under
func QueueKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", queuePrefix, seq)
}

// NextSeq reserves the next queue sequence number. The counter is persisted
// with the batch that writes the entry.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// GetRecord returns the local copy of a record
func (s *Store) GetRecord(id string) (*record.Record, error) {
	raw, err := s.medium.Get(recordPrefix + id)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r record.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, id, err)
	}
	return &r, nil
}

// PutRecord writes a record outside of any batch
func (s *Store) PutRecord(r *record.Record) error {
	b := s.NewBatch()
	b.PutRecord(r)
	return s.Commit(b)
}

// DeleteRecord removes a record, including its tombstone
func (s *Store) DeleteRecord(id string) error {
	return s.medium.Delete(recordPrefix + id)
}

// ListRecords returns all local records in id order
func (s *Store) ListRecords() ([]*record.Record, error) {
	kvs, err := s.medium.List(recordPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*record.Record, 0, len(kvs))
	for _, kv := range kvs {
		var r record.Record
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, kv.Key, err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// LoadQueue returns the persisted queue entries in sequence order
func (s *Store) LoadQueue() ([]Entry, error) {
	return s.load(queuePrefix)
}

// LoadDeadLetters returns the persisted dead-letter entries
func (s *Store) LoadDeadLetters() ([]Entry, error) {
	return s.load(deadPrefix)
}

// LoadConflicts returns the persisted conflict entries
func (s *Store) LoadConflicts() ([]Entry, error) {
	return s.load(conflictPrefix)
}

func (s *Store) load(prefix string) ([]Entry, error) {
	kvs, err := s.medium.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(kvs))
	for i, kv := range kvs {
		out[i] = Entry{Key: kv.Key, Value: kv.Value}
	}
	return out, nil
}

// Commit applies every write in the batch atomically
func (s *Store) Commit(b *Batch) error {
	if b.err != nil {
		return b.err
	}
	if len(b.ops) == 0 {
		return nil
	}
	ops := b.ops
	if b.queued {
		s.mu.Lock()
		seq := s.seq
		s.mu.Unlock()
		ops = append(ops, Op{Key: seqKey, Value: []byte(strconv.FormatUint(seq, 10))})
	}
	if err := s.medium.Apply(ops); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
