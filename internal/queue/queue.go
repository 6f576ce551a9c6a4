// Package queue is the sync queue: an ordered, durable log of pending
// mutations with per-record ordering, backoff and a dead-letter list.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/tether/internal/record"
	"github.com/livinlefevreloca/tether/internal/store"
)

// Standard errors
var (
	ErrNotFound = errors.New("queue: item not found")
	ErrHeld     = errors.New("queue: item is held for manual resolution")
	ErrNotHeld  = errors.New("queue: item is not held")
)

// Queue holds pending and dead-lettered items. Writes are persisted through
// the store before they become visible; reads never wait on persistence.
type Queue struct {
	config Config
	store  *store.Store
	clock  Clock
	logger *slog.Logger

	// Serializes persistence so sequence order matches visibility order
	wmu sync.Mutex

	mu      sync.RWMutex
	pending []*Item // sequence order
	byID    map[string]*Item
	dead    map[string]*Item
}

// New loads the queue from the store
func New(st *store.Store, config Config, clock Clock, logger *slog.Logger) (*Queue, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock
	}

	q := &Queue{
		config: config,
		store:  st,
		clock:  clock,
		logger: logger,
		byID:   make(map[string]*Item),
		dead:   make(map[string]*Item),
	}

	entries, err := st.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	for _, e := range entries {
		item, err := decode(e)
		if err != nil {
			return nil, err
		}
		q.pending = append(q.pending, item)
		q.byID[item.ID] = item
	}

	deadEntries, err := st.LoadDeadLetters()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	for _, e := range deadEntries {
		item, err := decode(e)
		if err != nil {
			return nil, err
		}
		q.dead[item.ID] = item
	}

	logger.Info("sync queue loaded",
		"pending", len(q.pending),
		"dead_letters", len(q.dead))

	return q, nil
}

func decode(e store.Entry) (*Item, error) {
	var item Item
	if err := json.Unmarshal(e.Value, &item); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, e.Key, err)
	}
	if item.ID == "" || item.RecordID == "" {
		return nil, fmt.Errorf("%w: %s is missing its id or record id", store.ErrCorrupt, e.Key)
	}
	if _, err := record.ParseOpType(string(item.Op)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, e.Key, err)
	}
	return &item, nil
}

// Config returns the queue configuration
func (q *Queue) Config() Config {
	return q.config
}

// Enqueue appends a new item. Writes already in b are committed in the same
// batch, so a local record update and its queue entry land together.
func (q *Queue) Enqueue(req Request, b *store.Batch) (*Item, error) {
	if req.RecordID == "" {
		return nil, fmt.Errorf("record id is required")
	}
	if _, err := record.ParseOpType(string(req.Op)); err != nil {
		return nil, err
	}
	if b == nil {
		b = q.store.NewBatch()
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()

	item := &Item{
		ID:          uuid.New().String(),
		Seq:         q.store.NextSeq(),
		Op:          req.Op,
		RecordID:    req.RecordID,
		Kind:        req.Kind,
		Record:      req.Record.Clone(),
		BaseVersion: req.BaseVersion,
		EnqueuedAt:  q.clock.Now(),
	}
	b.PutQueueItem(item.Seq, item)
	if err := q.store.Commit(b); err != nil {
		return nil, fmt.Errorf("failed to persist queue item: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.byID[item.ID] = item
	q.mu.Unlock()

	q.logger.Debug("enqueued item",
		"item_id", item.ID,
		"seq", item.Seq,
		"op", item.Op,
		"record_id", item.RecordID)

	return item.clone(), nil
}

// PeekBatch returns up to max eligible items in sequence order. An item is
// never returned while an earlier item for the same record is held, backing
// off, or left out of the batch.
func (q *Queue) PeekBatch(max int) []*Item {
	if max <= 0 {
		max = q.config.BatchSize
	}
	now := q.clock.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()

	blocked := make(map[string]bool)
	var batch []*Item
	for _, item := range q.pending {
		if blocked[item.RecordID] {
			continue
		}
		if !item.Eligible(now) || len(batch) >= max {
			blocked[item.RecordID] = true
			continue
		}
		batch = append(batch, item.clone())
	}
	return batch
}

// Get returns a pending item by ID
func (q *Queue) Get(id string) (*Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item.clone(), nil
}

// Pending returns a copy of every pending item in sequence order
func (q *Queue) Pending() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Item, len(q.pending))
	for i, item := range q.pending {
		out[i] = item.clone()
	}
	return out
}

// Len returns the number of pending items, held items included
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// HasPendingFor reports whether any pending item targets recordID
func (q *Queue) HasPendingFor(recordID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, item := range q.pending {
		if item.RecordID == recordID {
			return true
		}
	}
	return false
}

// NextEligible returns the earliest time a pending item becomes eligible.
// ok is false when nothing is waiting on a retry timer.
func (q *Queue) NextEligible() (t time.Time, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, item := range q.pending {
		if item.Held {
			continue
		}
		if !ok || item.NextAttemptAt.Before(t) {
			t, ok = item.NextAttemptAt, true
		}
	}
	return t, ok
}

// Ack removes a successfully applied item. Writes in b commit with it.
func (q *Queue) Ack(id string, b *store.Batch) error {
	if b == nil {
		b = q.store.NewBatch()
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()

	item, err := q.Get(id)
	if err != nil {
		return err
	}

	b.DeleteQueueItem(item.Seq)
	if err := q.store.Commit(b); err != nil {
		return fmt.Errorf("failed to ack item %s: %w", id, err)
	}

	q.mu.Lock()
	q.removePending(id)
	q.mu.Unlock()

	q.logger.Debug("acked item", "item_id", id, "record_id", item.RecordID)
	return nil
}

// Fail records a failed attempt and schedules a retry with backoff. Once
// the item reaches MaxAttempts it is dead-lettered instead; deadLettered
// reports which happened.
func (q *Queue) Fail(id string, cause error) (deadLettered bool, err error) {
	q.wmu.Lock()
	defer q.wmu.Unlock()

	item, err := q.Get(id)
	if err != nil {
		return false, err
	}
	if item.Held {
		return false, ErrHeld
	}

	now := q.clock.Now()
	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}

	if item.Attempts >= q.config.MaxAttempts {
		if err := q.moveToDead(item, "retry budget exhausted: "+item.LastError, now); err != nil {
			return false, err
		}
		return true, nil
	}

	item.NextAttemptAt = now.Add(q.config.Backoff(item.Attempts))
	if err := q.persist(item); err != nil {
		return false, err
	}

	q.logger.Debug("item failed, retry scheduled",
		"item_id", id,
		"attempts", item.Attempts,
		"next_attempt_at", item.NextAttemptAt,
		"error", item.LastError)
	return false, nil
}

// DeadLetter moves an item straight to the dead-letter list
func (q *Queue) DeadLetter(id string, reason string) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()

	item, err := q.Get(id)
	if err != nil {
		return err
	}
	item.LastError = reason
	return q.moveToDead(item, reason, q.clock.Now())
}

// moveToDead must be called with wmu held
func (q *Queue) moveToDead(item *Item, reason string, now time.Time) error {
	item.DeadLetteredAt = now
	item.DeadReason = reason
	item.NextAttemptAt = time.Time{}
	item.Held = false

	b := q.store.NewBatch()
	b.DeleteQueueItem(item.Seq)
	b.PutDeadLetter(item.ID, item)
	if err := q.store.Commit(b); err != nil {
		return fmt.Errorf("failed to dead-letter item %s: %w", item.ID, err)
	}

	q.mu.Lock()
	q.removePending(item.ID)
	q.dead[item.ID] = item
	q.mu.Unlock()

	q.logger.Warn("item dead-lettered",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"attempts", item.Attempts,
		"reason", reason)
	return nil
}

// DeadLetters returns dead-lettered items, oldest first
func (q *Queue) DeadLetters() []*Item {
	q.mu.RLock()
	out := make([]*Item, 0, len(q.dead))
	for _, item := range q.dead {
		out = append(out, item.clone())
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeadLetteredAt.Equal(out[j].DeadLetteredAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt)
	})
	return out
}

// DeadLen returns the number of dead-lettered items
func (q *Queue) DeadLen() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.dead)
}

// RetryDeadLetter re-enqueues a dead-lettered item at the tail of the queue
// with its attempts reset
func (q *Queue) RetryDeadLetter(id string) (*Item, error) {
	q.wmu.Lock()
	defer q.wmu.Unlock()

	q.mu.RLock()
	dead, ok := q.dead[id]
	q.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	item := dead.clone()
	item.Seq = q.store.NextSeq()
	item.Attempts = 0
	item.LastError = ""
	item.NextAttemptAt = time.Time{}
	item.DeadLetteredAt = time.Time{}
	item.DeadReason = ""
	item.Override = ""

	b := q.store.NewBatch()
	b.DeleteDeadLetter(id)
	b.PutQueueItem(item.Seq, item)
	if err := q.store.Commit(b); err != nil {
		return nil, fmt.Errorf("failed to retry dead letter %s: %w", id, err)
	}

	q.mu.Lock()
	delete(q.dead, id)
	q.pending = append(q.pending, item)
	q.byID[item.ID] = item
	q.mu.Unlock()

	q.logger.Info("dead letter re-enqueued", "item_id", id, "seq", item.Seq)
	return item.clone(), nil
}

// Clear drops every pending and dead-lettered item and returns the items
// that were pending. Writes in b commit with it. The sequence counter is
// left where it is.
func (q *Queue) Clear(b *store.Batch) ([]*Item, error) {
	if b == nil {
		b = q.store.NewBatch()
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()

	q.mu.RLock()
	dropped := make([]*Item, 0, len(q.pending))
	for _, item := range q.pending {
		b.DeleteQueueItem(item.Seq)
		dropped = append(dropped, item.clone())
	}
	for id := range q.dead {
		b.DeleteDeadLetter(id)
	}
	dead := len(q.dead)
	q.mu.RUnlock()

	if err := q.store.Commit(b); err != nil {
		return nil, fmt.Errorf("failed to clear queue: %w", err)
	}

	q.mu.Lock()
	q.pending = nil
	q.byID = make(map[string]*Item)
	q.dead = make(map[string]*Item)
	q.mu.Unlock()

	q.logger.Info("sync queue cleared", "pending", len(dropped), "dead_letters", dead)
	return dropped, nil
}

// Hold parks an item until a manual conflict decision is made. Writes in b
// commit with it.
func (q *Queue) Hold(id string, b *store.Batch) error {
	if b == nil {
		b = q.store.NewBatch()
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()

	item, err := q.Get(id)
	if err != nil {
		return err
	}
	item.Held = true
	b.PutQueueItem(item.Seq, item)
	if err := q.store.Commit(b); err != nil {
		return fmt.Errorf("failed to hold item %s: %w", id, err)
	}
	q.replace(item)
	return nil
}

// Release makes a held item eligible again, recording the strategy that
// decides its conflict. Writes in b commit with it.
func (q *Queue) Release(id string, override string, b *store.Batch) error {
	if b == nil {
		b = q.store.NewBatch()
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()

	item, err := q.Get(id)
	if err != nil {
		return err
	}
	if !item.Held {
		return ErrNotHeld
	}
	item.Held = false
	item.Override = override
	item.NextAttemptAt = time.Time{}
	b.PutQueueItem(item.Seq, item)
	if err := q.store.Commit(b); err != nil {
		return fmt.Errorf("failed to release item %s: %w", id, err)
	}
	q.replace(item)
	return nil
}

// Rebase moves every pending item for recordID onto a new remote version.
// Called after an earlier item for the record was applied remotely.
func (q *Queue) Rebase(recordID string, version int64) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()

	q.mu.RLock()
	var changed []*Item
	for _, item := range q.pending {
		if item.RecordID == recordID && item.BaseVersion != version {
			c := item.clone()
			c.BaseVersion = version
			if c.Record != nil {
				c.Record.Version = version
			}
			changed = append(changed, c)
		}
	}
	q.mu.RUnlock()

	if len(changed) == 0 {
		return nil
	}

	b := q.store.NewBatch()
	for _, item := range changed {
		b.PutQueueItem(item.Seq, item)
	}
	if err := q.store.Commit(b); err != nil {
		return fmt.Errorf("failed to rebase %s: %w", recordID, err)
	}
	for _, item := range changed {
		q.replace(item)
	}
	return nil
}

// persist writes an updated item and swaps it in. Must be called with wmu held.
func (q *Queue) persist(item *Item) error {
	b := q.store.NewBatch()
	b.PutQueueItem(item.Seq, item)
	if err := q.store.Commit(b); err != nil {
		return fmt.Errorf("failed to persist item %s: %w", item.ID, err)
	}
	q.replace(item)
	return nil
}

func (q *Queue) replace(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.pending {
		if existing.ID == item.ID {
			q.pending[i] = item
			q.byID[item.ID] = item
			return
		}
	}
}

// removePending must be called with mu held
func (q *Queue) removePending(id string) {
	for i, item := range q.pending {
		if item.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.byID, id)
}
