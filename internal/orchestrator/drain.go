package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/record"
	"github.com/livinlefevreloca/tether/internal/remote"
	"github.com/livinlefevreloca/tether/internal/store"
)

// outcome is what processing did to one item
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAcked
	outcomeDiscarded
	outcomeHeld
	outcomeFailed
	outcomeDeadLettered
	outcomeTransportDead // dead-lettered after exhausting retries on transport errors
	outcomeInterrupted
)

// advances reports whether later items in the same lane may proceed
func (o outcome) advances() bool {
	return o == outcomeAcked || o == outcomeDiscarded
}

type tally struct {
	acked, failed, dead, transportDead, conflicts, discarded atomic.Int64
}

func (t *tally) count(out outcome) {
	switch out {
	case outcomeAcked:
		t.acked.Add(1)
	case outcomeDiscarded:
		t.discarded.Add(1)
	case outcomeHeld:
		t.conflicts.Add(1)
	case outcomeFailed:
		t.failed.Add(1)
	case outcomeDeadLettered:
		t.dead.Add(1)
	case outcomeTransportDead:
		t.failed.Add(1)
		t.dead.Add(1)
		t.transportDead.Add(1)
	}
}

// drainResult is sent from the drain goroutine to the loop
type drainResult struct {
	id         string
	trigger    TriggerSource
	startedAt  time.Time
	finishedAt time.Time

	acked, failed, dead, transportDead, conflicts, discarded int

	interrupted bool
	fatal       error
	outcome     string
}

func (r *drainResult) finish(t *tally, at time.Time) {
	r.finishedAt = at
	r.acked = int(t.acked.Load())
	r.failed = int(t.failed.Load())
	r.dead = int(t.dead.Load())
	r.transportDead = int(t.transportDead.Load())
	r.conflicts = int(t.conflicts.Load())
	r.discarded = int(t.discarded.Load())

	switch {
	case r.fatal != nil && remote.IsAuth(r.fatal):
		r.outcome = OutcomeAuth
	case r.fatal != nil:
		r.outcome = OutcomeFailed
	case r.interrupted:
		r.outcome = OutcomeInterrupted
	case r.transportDead > 0 && r.acked+r.discarded+r.conflicts == 0:
		r.outcome = OutcomeUnreachable
	default:
		r.outcome = OutcomeDrained
	}
}

func (r drainResult) report() RunCompleted {
	run := RunCompleted{
		ID:           r.id,
		Trigger:      r.trigger,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
		Acked:        r.acked,
		Failed:       r.failed,
		DeadLettered: r.dead,
		Conflicts:    r.conflicts,
		Discarded:    r.discarded,
		Outcome:      r.outcome,
	}
	if r.fatal != nil {
		run.Error = r.fatal.Error()
	}
	return run
}

// drain processes batches until nothing is eligible, the context is
// cancelled, or a fatal error stops it. The result always reaches doneCh.
func (o *Orchestrator) drain(ctx context.Context, source TriggerSource) {
	t := &tally{}
	res := drainResult{
		id:        uuid.New().String(),
		trigger:   source,
		startedAt: o.clock.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("drain panic recovered",
				"run_id", res.id,
				"panic", r)
			res.fatal = fmt.Errorf("drain panic: %v", r)
		}
		res.interrupted = ctx.Err() != nil
		res.finish(t, o.clock.Now())
		o.doneCh <- res
	}()

	o.logger.Debug("drain started", "run_id", res.id, "trigger", source)

	for ctx.Err() == nil {
		batch := o.queue.PeekBatch(0)
		if len(batch) == 0 {
			return
		}
		if err := o.processBatch(ctx, batch, t); err != nil {
			res.fatal = err
			return
		}
	}
}

// processBatch runs one lane per record. Lanes run concurrently up to
// Workers; each lane stops at its first item that does not succeed. A fatal
// error cancels every lane.
func (o *Orchestrator) processBatch(ctx context.Context, batch []*queue.Item, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)

	for _, lane := range groupLanes(batch) {
		g.Go(func() error {
			for _, item := range lane {
				if gctx.Err() != nil {
					return nil
				}
				out, err := o.processItem(gctx, item.ID)
				if err != nil {
					return err
				}
				t.count(out)
				if !out.advances() {
					return nil
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// groupLanes splits a batch by record, keeping sequence order within each
// lane and ordering lanes by their first item
func groupLanes(batch []*queue.Item) [][]*queue.Item {
	index := make(map[string]int)
	var lanes [][]*queue.Item
	for _, item := range batch {
		i, ok := index[item.RecordID]
		if !ok {
			i = len(lanes)
			index[item.RecordID] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], item)
	}
	return lanes
}

// processItem fetches, compares, resolves and applies one item. Errors
// returned are fatal to the drain; everything else is an outcome.
func (o *Orchestrator) processItem(ctx context.Context, itemID string) (outcome, error) {
	// Re-read so an earlier item's rebase is visible
	item, err := o.queue.Get(itemID)
	if errors.Is(err, queue.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	if !item.Eligible(o.clock.Now()) {
		return outcomeSkipped, nil
	}

	current, err := o.fetch(ctx, item.RecordID)
	if err != nil && !remote.IsNotFound(err) {
		return o.remoteFailure(ctx, item, err)
	}

	if !conflicting(item, current) {
		return o.apply(ctx, item, directOperation(item, current))
	}

	strategy := o.config.ConflictStrategy
	if item.Override != "" {
		strategy = conflict.Strategy(item.Override)
	}

	local := item.Record
	if local == nil {
		// Deletes enqueued without a snapshot
		local = &record.Record{ID: item.RecordID, Deleted: true, UpdatedAt: item.EnqueuedAt}
	}

	res, err := conflict.Resolve(conflict.Case{
		Local:    local,
		Remote:   current,
		Op:       item.Op,
		Strategy: strategy,
	})
	if err != nil {
		return o.deadLetter(item, "conflict resolution failed: "+err.Error())
	}

	o.logger.Debug("conflict resolved",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"strategy", strategy,
		"action", res.Action,
		"reason", res.Reason,
		"base_version", item.BaseVersion,
		"remote_version", current.Version)

	switch res.Action {
	case conflict.ApplyLocal, conflict.ApplyMerged:
		op := remote.Operation{
			Type:        res.Op,
			RecordID:    item.RecordID,
			BaseVersion: current.Version,
		}
		if res.Op != record.OpDelete {
			winner := res.Winner.Clone()
			winner.Version = current.Version
			op.Record = winner
		}
		return o.apply(ctx, item, op)

	case conflict.ApplyRemote:
		adopted := res.Winner
		if adopted == nil {
			adopted = current
		}
		return o.discard(item, adopted, res.Reason)

	case conflict.RequireManual:
		return o.hold(item, current)
	}

	return outcomeSkipped, fmt.Errorf("unhandled conflict action %q", res.Action)
}

func (o *Orchestrator) fetch(ctx context.Context, id string) (*record.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return o.remote.Fetch(callCtx, id)
}

// conflicting reports whether the remote moved since the item's base
// version. current is nil when the record never existed remotely.
func conflicting(item *queue.Item, current *record.Record) bool {
	if current == nil {
		return false
	}
	if current.Version != item.BaseVersion {
		return true
	}
	switch item.Op {
	case record.OpCreate:
		return !current.Deleted
	default:
		return current.Deleted
	}
}

// directOperation builds the remote call for an item with no conflict
func directOperation(item *queue.Item, current *record.Record) remote.Operation {
	op := remote.Operation{
		Type:        item.Op,
		RecordID:    item.RecordID,
		BaseVersion: item.BaseVersion,
	}
	if current == nil && item.Op == record.OpUpdate {
		// Never reached the remote; send the full snapshot as a create
		op.Type = record.OpCreate
	}
	if item.Op != record.OpDelete {
		op.Record = item.Record.Clone()
		if op.Record == nil {
			op.Record = &record.Record{ID: item.RecordID, Kind: item.Kind}
		}
		op.Record.Version = item.BaseVersion
	}
	return op
}

func (o *Orchestrator) apply(ctx context.Context, item *queue.Item, op remote.Operation) (outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	result, err := o.remote.Apply(callCtx, op)
	cancel()

	if err != nil {
		if op.Type == record.OpDelete && remote.IsNotFound(err) {
			// Nothing to delete remotely; the local tombstone stands
			return o.ack(item, nil)
		}
		return o.remoteFailure(ctx, item, err)
	}
	return o.ack(item, result)
}

// ack removes an applied item and brings the local copy up to the remote
// version. With later items pending for the record the local snapshot keeps
// their edits and only adopts the version.
func (o *Orchestrator) ack(item *queue.Item, result *record.Record) (outcome, error) {
	o.localMu.Lock()
	defer o.localMu.Unlock()

	b := o.store.NewBatch()
	if result != nil {
		if o.hasLaterPending(item) {
			local, err := o.store.GetRecord(item.RecordID)
			switch {
			case err == nil:
				local.Version = result.Version
				b.PutRecord(local)
			case !store.IsNotFound(err):
				return outcomeSkipped, fmt.Errorf("failed to read local record %s: %w", item.RecordID, err)
			}
		} else {
			b.PutRecord(result)
		}
	}

	if err := o.queue.Ack(item.ID, b); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	version := item.BaseVersion
	if result != nil {
		version = result.Version
		if err := o.queue.Rebase(item.RecordID, result.Version); err != nil {
			return outcomeSkipped, err
		}
	}

	o.logger.Debug("item applied",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"op", item.Op,
		"version", version)

	o.publishItem(item, ItemAcked, version, "")
	return outcomeAcked, nil
}

// discard drops the local operation in favour of the remote record
func (o *Orchestrator) discard(item *queue.Item, current *record.Record, reason string) (outcome, error) {
	o.localMu.Lock()
	defer o.localMu.Unlock()

	b := o.store.NewBatch()
	if !o.hasLaterPending(item) {
		b.PutRecord(current)
	}
	if err := o.queue.Ack(item.ID, b); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	o.logger.Info("local operation discarded",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"op", item.Op,
		"reason", reason)

	o.publishItem(item, ItemDiscarded, current.Version, reason)
	return outcomeDiscarded, nil
}

// hold parks the item until ResolveConflict is called
func (o *Orchestrator) hold(item *queue.Item, current *record.Record) (outcome, error) {
	c := &Conflict{
		ItemID:     item.ID,
		RecordID:   item.RecordID,
		Op:         item.Op,
		Local:      item.Record.Clone(),
		Remote:     current.Clone(),
		DetectedAt: o.clock.Now(),
	}

	o.conflictMu.Lock()
	defer o.conflictMu.Unlock()

	b := o.store.NewBatch()
	b.PutConflict(item.ID, c)
	if err := o.queue.Hold(item.ID, b); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	o.conflicts[item.ID] = c

	o.logger.Warn("conflict held for manual resolution",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"base_version", item.BaseVersion,
		"remote_version", current.Version)

	o.publishItem(item, ItemConflict, current.Version, "manual resolution required")
	return outcomeHeld, nil
}

func (o *Orchestrator) deadLetter(item *queue.Item, reason string) (outcome, error) {
	if err := o.queue.DeadLetter(item.ID, reason); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	o.publishItem(item, ItemDeadLettered, 0, reason)
	return outcomeDeadLettered, nil
}

// remoteFailure routes a failed remote call through the error taxonomy
func (o *Orchestrator) remoteFailure(ctx context.Context, item *queue.Item, err error) (outcome, error) {
	if ctx.Err() != nil {
		// Paused or stopped mid-call; the item stays pending untouched
		o.logger.Debug("item interrupted",
			"item_id", item.ID,
			"record_id", item.RecordID)
		return outcomeInterrupted, nil
	}

	switch {
	case remote.IsAuth(err):
		return outcomeSkipped, fmt.Errorf("remote rejected credentials: %w", err)

	case remote.IsPermanent(err), remote.IsNotFound(err):
		o.logger.Warn("remote rejected item",
			"item_id", item.ID,
			"record_id", item.RecordID,
			"error", err)
		return o.deadLetter(item, err.Error())
	}

	// Transient failures, and conflicts raced between fetch and apply,
	// retry with backoff
	dead, qerr := o.queue.Fail(item.ID, err)
	if qerr != nil {
		if errors.Is(qerr, queue.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, qerr
	}
	if dead {
		o.publishItem(item, ItemDeadLettered, 0, err.Error())
		if remote.IsConflict(err) {
			return outcomeDeadLettered, nil
		}
		return outcomeTransportDead, nil
	}

	o.logger.Debug("item failed",
		"item_id", item.ID,
		"record_id", item.RecordID,
		"error", err)
	o.publishItem(item, ItemFailed, 0, err.Error())
	return outcomeFailed, nil
}

// hasLaterPending must be called with localMu held
func (o *Orchestrator) hasLaterPending(item *queue.Item) bool {
	for _, p := range o.queue.Pending() {
		if p.RecordID == item.RecordID && p.ID != item.ID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) publishItem(item *queue.Item, typ ItemEventType, version int64, msg string) {
	o.itemBus.Publish(ItemEvent{
		Type:     typ,
		ItemID:   item.ID,
		RecordID: item.RecordID,
		Op:       item.Op,
		Version:  version,
		Error:    msg,
		At:       o.clock.Now(),
	})
}
