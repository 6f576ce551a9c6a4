package store

import (
	"encoding/json"
	"fmt"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Batch groups writes across keyspaces so they commit together
type Batch struct {
	ops    []Op
	queued bool
	err    error
}

// NewBatch starts an empty batch
func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of writes in the batch
func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) put(key string, v any) {
	if b.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to encode %s: %w", key, err)
		return
	}
	b.ops = append(b.ops, Op{Key: key, Value: data})
}

func (b *Batch) del(key string) {
	b.ops = append(b.ops, Op{Key: key})
}

func (b *Batch) PutRecord(r *record.Record) {
	b.put(recordPrefix+r.ID, r)
}

func (b *Batch) DeleteRecord(id string) {
	b.del(recordPrefix + id)
}

func (b *Batch) PutQueueItem(seq uint64, v any) {
	b.queued = true
	b.put(QueueKey(seq), v)
}

func (b *Batch) DeleteQueueItem(seq uint64) {
	b.del(QueueKey(seq))
}

func (b *Batch) PutDeadLetter(id string, v any) {
	b.put(deadPrefix+id, v)
}

func (b *Batch) DeleteDeadLetter(id string) {
	b.del(deadPrefix + id)
}

func (b *Batch) PutConflict(id string, v any) {
	b.put(conflictPrefix+id, v)
}

func (b *Batch) DeleteConflict(id string) {
	b.del(conflictPrefix + id)
}
