package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/events"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/record"
	"github.com/livinlefevreloca/tether/internal/store"
)

// EnqueueMutation applies m to the local copy and queues it for the remote.
// The local write and the queue entry commit together.
//
// Under the pessimistic strategy the call waits, bounded by ctx, until the
// item is acked, discarded, dead-lettered or held. The mutation stays queued
// when the wait gives up.
func (o *Orchestrator) EnqueueMutation(ctx context.Context, m record.Mutation) (*queue.Item, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var sub *events.Subscription[ItemEvent]
	if o.config.SyncStrategy == Pessimistic {
		sub = o.itemBus.Subscribe(o.config.EventBuffer)
		defer sub.Unsubscribe()
	}

	item, err := o.enqueueLocal(m)
	if err != nil {
		return nil, err
	}

	if o.config.SyncStrategy != Eventual && o.isOnline() {
		o.Trigger(TriggerEnqueue)
	}

	if sub == nil {
		return item, nil
	}

	ev, err := waitFor(ctx, sub, item.ID)
	if err != nil {
		return item, err
	}
	if ev.Type == ItemDeadLettered {
		return item, fmt.Errorf("mutation dead-lettered: %s", ev.Error)
	}
	return item, nil
}

func (o *Orchestrator) enqueueLocal(m record.Mutation) (*queue.Item, error) {
	o.localMu.Lock()
	defer o.localMu.Unlock()

	current, err := o.store.GetRecord(m.RecordID)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to read local record %s: %w", m.RecordID, err)
	}

	next, err := record.ApplyMutation(current, m, o.clock.Now())
	if err != nil {
		return nil, err
	}

	var base int64
	if current != nil {
		base = current.Version
	}

	b := o.store.NewBatch()
	b.PutRecord(next)
	item, err := o.queue.Enqueue(queue.Request{
		Op:          m.Op,
		RecordID:    m.RecordID,
		Kind:        next.Kind,
		Record:      next,
		BaseVersion: base,
	}, b)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("mutation enqueued",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"op", item.Op,
		"base_version", base)
	return item, nil
}

// State returns the current sync state
func (o *Orchestrator) State() SyncState {
	return o.currentState().Status()
}

// Status returns a snapshot of the orchestrator and its queue
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{
		State:        o.state.Status(),
		Online:       o.online,
		LastSyncAt:   o.lastSyncAt,
		SyncStrategy: o.config.SyncStrategy,
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	o.mu.RUnlock()

	st.QueueLength = o.queue.Len()
	st.DeadLetters = o.queue.DeadLen()

	o.conflictMu.RLock()
	st.Conflicts = len(o.conflicts)
	o.conflictMu.RUnlock()
	return st
}

// SubscribeState returns a mailbox of state changes
func (o *Orchestrator) SubscribeState(buffer int) *events.Subscription[StateChange] {
	return o.stateBus.Subscribe(buffer)
}

// OnStateChange calls fn for every state change until unsubscribe is called
func (o *Orchestrator) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return o.stateBus.Listen(o.config.EventBuffer, fn)
}

// SubscribeItems returns a mailbox of per-item outcomes
func (o *Orchestrator) SubscribeItems(buffer int) *events.Subscription[ItemEvent] {
	return o.itemBus.Subscribe(buffer)
}

// SubscribeRuns returns a mailbox of completed drains
func (o *Orchestrator) SubscribeRuns(buffer int) *events.Subscription[RunCompleted] {
	return o.runBus.Subscribe(buffer)
}

// Pending returns every queued item in sequence order
func (o *Orchestrator) Pending() []*queue.Item {
	return o.queue.Pending()
}

// DeadLetters returns dead-lettered items, oldest first
func (o *Orchestrator) DeadLetters() []*queue.Item {
	return o.queue.DeadLetters()
}

// RetryDeadLetter moves a dead-lettered item to the tail of the queue with
// its attempts reset
func (o *Orchestrator) RetryDeadLetter(id string) (*queue.Item, error) {
	item, err := o.queue.RetryDeadLetter(id)
	if err != nil {
		return nil, err
	}
	o.Trigger(TriggerManual)
	return item, nil
}

// Conflicts returns items held for a manual decision, oldest first
func (o *Orchestrator) Conflicts() []*Conflict {
	o.conflictMu.RLock()
	out := make([]*Conflict, 0, len(o.conflicts))
	for _, c := range o.conflicts {
		cp := *c
		cp.Local = c.Local.Clone()
		cp.Remote = c.Remote.Clone()
		out = append(out, &cp)
	}
	o.conflictMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// ResolveConflict releases a held item. The next attempt resolves any
// conflict it meets with strategy instead of the configured one.
func (o *Orchestrator) ResolveConflict(itemID string, strategy conflict.Strategy) error {
	if _, err := conflict.ParseStrategy(string(strategy)); err != nil {
		return err
	}
	if strategy == conflict.Manual {
		return fmt.Errorf("cannot resolve a conflict with the %s strategy", conflict.Manual)
	}

	o.conflictMu.Lock()
	c, ok := o.conflicts[itemID]
	if !ok {
		o.conflictMu.Unlock()
		return ErrConflictMissing
	}

	b := o.store.NewBatch()
	b.DeleteConflict(itemID)
	if err := o.queue.Release(itemID, string(strategy), b); err != nil {
		o.conflictMu.Unlock()
		return err
	}
	delete(o.conflicts, itemID)
	o.conflictMu.Unlock()

	o.logger.Info("conflict resolved manually",
		"item_id", itemID,
		"record_id", c.RecordID,
		"strategy", strategy)

	o.Trigger(TriggerManual)
	return nil
}

// Record returns the local copy of a record, tombstones included
func (o *Orchestrator) Record(id string) (*record.Record, error) {
	return o.store.GetRecord(id)
}

// Records returns every live local record
func (o *Orchestrator) Records() ([]*record.Record, error) {
	all, err := o.store.ListRecords()
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, r := range all {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	return live, nil
}

func decodeConflict(e store.Entry) (*Conflict, error) {
	var c Conflict
	if err := json.Unmarshal(e.Value, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, e.Key, err)
	}
	if c.ItemID == "" {
		return nil, fmt.Errorf("%w: %s is missing its item id", store.ErrCorrupt, e.Key)
	}
	return &c, nil
}

// Clear wipes every local record, pending and dead-lettered item and held
// conflict. It is refused with ErrSyncInProgress while a drain is running.
// Pending items are reported to item subscribers as discarded.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.lifecycleMu.Lock()
	if !o.started {
		defer o.lifecycleMu.Unlock()
		return o.clearLocal()
	}
	done := o.loopDone
	o.lifecycleMu.Unlock()

	reply := make(chan error, 1)
	select {
	case o.clearCh <- reply:
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (o *Orchestrator) clearLocal() error {
	o.localMu.Lock()
	defer o.localMu.Unlock()
	o.conflictMu.Lock()
	defer o.conflictMu.Unlock()

	records, err := o.store.ListRecords()
	if err != nil {
		return fmt.Errorf("failed to list local records: %w", err)
	}

	b := o.store.NewBatch()
	for _, r := range records {
		b.DeleteRecord(r.ID)
	}
	for id := range o.conflicts {
		b.DeleteConflict(id)
	}
	dropped, err := o.queue.Clear(b)
	if err != nil {
		return err
	}
	o.conflicts = make(map[string]*Conflict)

	o.logger.Warn("local state cleared",
		"records", len(records),
		"pending", len(dropped))

	for _, item := range dropped {
		o.publishItem(item, ItemDiscarded, 0, "local state cleared")
	}
	return nil
}
