// Package orchestrator drives the sync queue against the remote. A single
// loop goroutine owns the sync state; drains run on their own goroutine and
// report back to the loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/tether/internal/events"
	"github.com/livinlefevreloca/tether/internal/netmon"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/remote"
	"github.com/livinlefevreloca/tether/internal/store"
)

// Deps are the collaborators an orchestrator drives
type Deps struct {
	Store   *store.Store
	Queue   *queue.Queue
	Remote  remote.Remote
	Network Network
	Clock   queue.Clock
}

// Orchestrator coordinates the queue, the remote and the local store
type Orchestrator struct {
	config  Config
	store   *store.Store
	queue   *queue.Queue
	remote  remote.Remote
	network Network
	clock   queue.Clock
	logger  *slog.Logger

	// Guarded by mu; written only by the loop goroutine
	mu         sync.RWMutex
	state      State
	online     bool
	lastSyncAt time.Time
	lastErr    error

	// Serializes local record writes between EnqueueMutation and the drain
	localMu sync.Mutex

	conflictMu sync.RWMutex
	conflicts  map[string]*Conflict

	stateBus *events.Bus[StateChange]
	itemBus  *events.Bus[ItemEvent]
	runBus   *events.Bus[RunCompleted]

	triggerCh chan TriggerSource
	doneCh    chan drainResult
	clearCh   chan chan error

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	loopDone    chan struct{}

	// Optional state recorder for testing
	recorder *StateRecorder
}

// New creates an orchestrator in the Idle state. Persisted conflicts are
// loaded from the store; an undecodable entry is reported as corruption.
func New(deps Deps, config Config, logger *slog.Logger) (*Orchestrator, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Queue == nil || deps.Remote == nil || deps.Network == nil {
		return nil, fmt.Errorf("store, queue, remote and network are required")
	}
	if deps.Clock == nil {
		deps.Clock = queue.SystemClock
	}

	o := &Orchestrator{
		config:    config,
		store:     deps.Store,
		queue:     deps.Queue,
		remote:    deps.Remote,
		network:   deps.Network,
		clock:     deps.Clock,
		logger:    logger,
		state:     &IdleState{},
		online:    deps.Network.IsOnline(),
		conflicts: make(map[string]*Conflict),
		stateBus:  events.NewBus[StateChange]("sync-state", config.EventSendTimeout, logger),
		itemBus:   events.NewBus[ItemEvent]("sync-items", config.EventSendTimeout, logger),
		runBus:    events.NewBus[RunCompleted]("sync-runs", config.EventSendTimeout, logger),
		triggerCh: make(chan TriggerSource, 1),
		doneCh:    make(chan drainResult, 1),
		clearCh:   make(chan chan error),
	}

	if err := o.loadConflicts(); err != nil {
		return nil, err
	}
	return o, nil
}

// SetRecorder attaches a recorder that sees every transition
func (o *Orchestrator) SetRecorder(r *StateRecorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorder = r
}

// Start launches the driving loop. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	netSub := o.network.Subscribe(16)

	o.started = true
	o.cancel = cancel
	o.loopDone = make(chan struct{})

	go o.run(ctx, netSub)

	o.logger.Info("orchestrator started",
		"sync_strategy", o.config.SyncStrategy,
		"conflict_strategy", o.config.ConflictStrategy,
		"workers", o.config.Workers,
		"online", o.network.IsOnline())
	return nil
}

// Stop cancels any drain in flight and waits for the loop to exit. Items
// mid-flight are left pending.
func (o *Orchestrator) Stop() {
	o.lifecycleMu.Lock()
	if !o.started {
		o.lifecycleMu.Unlock()
		return
	}
	o.started = false
	cancel, done := o.cancel, o.loopDone
	o.lifecycleMu.Unlock()

	cancel()
	<-done

	o.logger.Info("orchestrator stopped")
}

// Close stops the orchestrator and ends every event subscription
func (o *Orchestrator) Close() {
	o.Stop()
	o.stateBus.Close()
	o.itemBus.Close()
	o.runBus.Close()
}

// Trigger requests a sync. A sync already in flight makes this a no-op.
func (o *Orchestrator) Trigger(source TriggerSource) {
	select {
	case o.triggerCh <- source:
	default:
		// A trigger is already waiting for the loop
	}
}

// loop-owned drain bookkeeping
type loopState struct {
	drainCancel context.CancelFunc
	draining    bool
	retryTimer  *time.Timer
	retryAt     time.Time
}

// run is the main orchestrator loop
func (o *Orchestrator) run(ctx context.Context, netSub *events.Subscription[netmon.Change]) {
	ls := &loopState{}

	defer close(o.loopDone)
	defer netSub.Unsubscribe()
	defer func() {
		if ls.retryTimer != nil {
			ls.retryTimer.Stop()
		}
		if ls.draining {
			ls.drainCancel()
			res := <-o.doneCh
			o.publishRun(res)
		}
	}()

	if !o.network.IsOnline() {
		o.setOnline(false)
		o.pause(ls, "offline at startup")
	} else {
		o.setOnline(true)
		o.handleTrigger(ctx, ls, TriggerStartup)
	}

	netC := netSub.C()
	for {
		var retryC <-chan time.Time
		if ls.retryTimer != nil {
			retryC = ls.retryTimer.C
		}

		select {
		case <-ctx.Done():
			return

		case change, ok := <-netC:
			if !ok {
				// Monitor stopped; keep the last known state
				o.logger.Warn("network monitor closed, connectivity frozen", "online", o.isOnline())
				netC = nil
				continue
			}
			o.handleNetwork(ctx, ls, change)

		case source := <-o.triggerCh:
			o.handleTrigger(ctx, ls, source)

		case res := <-o.doneCh:
			o.handleDrainDone(ctx, ls, res)

		case <-retryC:
			ls.retryTimer = nil
			ls.retryAt = time.Time{}
			o.handleTrigger(ctx, ls, TriggerRetry)

		case reply := <-o.clearCh:
			reply <- o.handleClear(ls)
		}
	}
}

func (o *Orchestrator) handleNetwork(ctx context.Context, ls *loopState, change netmon.Change) {
	o.setOnline(change.Online)

	if !change.Online {
		if ls.draining {
			// The drain reports back as interrupted; in-flight items stay pending
			ls.drainCancel()
		}
		o.pause(ls, "network offline")
		return
	}

	if _, paused := o.currentState().(*PausedState); paused {
		o.handleTrigger(ctx, ls, TriggerNetwork)
	}
}

// pause moves to Paused from any state
func (o *Orchestrator) pause(ls *loopState, reason string) {
	o.stopRetryTimer(ls)
	switch s := o.currentState().(type) {
	case *IdleState:
		o.transitionTo(s.ToPaused(), reason, nil)
	case *SyncingState:
		o.transitionTo(s.ToPaused(), reason, nil)
	case *ErrorState:
		o.transitionTo(s.ToPaused(), reason, nil)
	case *PausedState:
	}
}

func (o *Orchestrator) handleTrigger(ctx context.Context, ls *loopState, source TriggerSource) {
	if ls.draining || !o.isOnline() {
		return
	}

	hasWork := len(o.queue.PeekBatch(1)) > 0

	switch s := o.currentState().(type) {
	case *SyncingState:
		// Draining flag already covers this; a stale Syncing state means the
		// drain finished between checks
		return

	case *ErrorState:
		// Only an explicit request clears an auth or storage failure
		timed := source == TriggerRetry || source == TriggerSchedule
		if timed && !errors.Is(s.Err, ErrUnreachable) {
			return
		}
		if !hasWork {
			o.transitionTo(s.ToIdle(), "error cleared by "+string(source), nil)
			o.armRetryTimer(ls)
			return
		}
		o.transitionTo(s.ToSyncing(), "triggered by "+string(source), nil)

	case *PausedState:
		if !hasWork {
			o.transitionTo(s.ToIdle(), "network online", nil)
			o.armRetryTimer(ls)
			return
		}
		o.transitionTo(s.ToSyncing(), "network online", nil)

	case *IdleState:
		if !hasWork {
			o.armRetryTimer(ls)
			return
		}
		o.transitionTo(s.ToSyncing(), "triggered by "+string(source), nil)
	}

	o.stopRetryTimer(ls)
	drainCtx, cancel := context.WithCancel(ctx)
	ls.drainCancel = cancel
	ls.draining = true
	go o.drain(drainCtx, source)
}

func (o *Orchestrator) handleDrainDone(ctx context.Context, ls *loopState, res drainResult) {
	ls.draining = false
	ls.drainCancel()
	o.publishRun(res)

	s, syncing := o.currentState().(*SyncingState)
	if !syncing {
		// Paused while the drain was winding down
		if res.fatal != nil {
			o.mu.Lock()
			o.lastErr = res.fatal
			o.mu.Unlock()
		}
		// The network may have come back before the drain reported in
		if _, paused := o.currentState().(*PausedState); paused && o.isOnline() {
			o.handleTrigger(ctx, ls, TriggerNetwork)
		}
		return
	}

	o.mu.Lock()
	o.lastSyncAt = res.finishedAt
	o.mu.Unlock()

	switch {
	case res.fatal != nil:
		o.transitionTo(s.ToError(res.fatal), res.outcome, res.fatal)
		return
	case res.outcome == OutcomeUnreachable:
		o.transitionTo(s.ToError(ErrUnreachable), res.outcome, ErrUnreachable)
		o.armRetryTimer(ls)
		return
	}

	o.transitionTo(s.ToIdle(), "queue drained", nil)

	// Items enqueued during the drain, or released while it ran
	if len(o.queue.PeekBatch(1)) > 0 {
		o.handleTrigger(ctx, ls, TriggerEnqueue)
		return
	}
	o.armRetryTimer(ls)
}

// handleClear wipes local state between drains
func (o *Orchestrator) handleClear(ls *loopState) error {
	if ls.draining {
		return ErrSyncInProgress
	}
	if err := o.clearLocal(); err != nil {
		return err
	}
	o.stopRetryTimer(ls)
	if s, failed := o.currentState().(*ErrorState); failed {
		o.transitionTo(s.ToIdle(), "local state cleared", nil)
	}
	return nil
}

// armRetryTimer wakes the loop when the earliest backed-off item becomes
// eligible
func (o *Orchestrator) armRetryTimer(ls *loopState) {
	next, ok := o.queue.NextEligible()
	if !ok {
		o.stopRetryTimer(ls)
		return
	}
	if ls.retryTimer != nil && ls.retryAt.Equal(next) {
		return
	}
	o.stopRetryTimer(ls)

	d := next.Sub(o.clock.Now())
	if d < 0 {
		d = 0
	}
	ls.retryTimer = time.NewTimer(d)
	ls.retryAt = next
	o.logger.Debug("retry timer armed", "at", next, "in", d)
}

func (o *Orchestrator) stopRetryTimer(ls *loopState) {
	if ls.retryTimer != nil {
		ls.retryTimer.Stop()
		ls.retryTimer = nil
		ls.retryAt = time.Time{}
	}
}

func (o *Orchestrator) currentState() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setOnline(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online = online
}

func (o *Orchestrator) isOnline() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// transitionTo performs a state transition, logs it and publishes it
func (o *Orchestrator) transitionTo(newState State, reason string, err error) {
	o.mu.Lock()
	old := o.state
	o.state = newState
	if err != nil {
		o.lastErr = err
	} else if newState.Status() != SyncError {
		o.lastErr = nil
	}
	recorder := o.recorder
	o.mu.Unlock()

	// Record state for testing if recorder is present
	if recorder != nil {
		recorder.Record(newState)
	}

	attrs := []any{"from", old.Name(), "to", newState.Name(), "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if newState.Status() == SyncError {
		o.logger.Error("state transition", attrs...)
	} else {
		o.logger.Info("state transition", attrs...)
	}

	change := StateChange{
		From:   old.Status(),
		To:     newState.Status(),
		Reason: reason,
		At:     o.clock.Now(),
	}
	if err != nil {
		change.Error = err.Error()
	}
	o.stateBus.Publish(change)
}

func (o *Orchestrator) publishRun(res drainResult) {
	run := res.report()
	o.logger.Info("sync run completed",
		"run_id", run.ID,
		"trigger", run.Trigger,
		"outcome", run.Outcome,
		"acked", run.Acked,
		"failed", run.Failed,
		"dead_lettered", run.DeadLettered,
		"conflicts", run.Conflicts,
		"discarded", run.Discarded,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	o.runBus.Publish(run)
}

func (o *Orchestrator) loadConflicts() error {
	entries, err := o.store.LoadConflicts()
	if err != nil {
		return fmt.Errorf("failed to load conflicts: %w", err)
	}
	for _, e := range entries {
		c, err := decodeConflict(e)
		if err != nil {
			return err
		}
		item, err := o.queue.Get(c.ItemID)
		if errors.Is(err, queue.ErrNotFound) || (err == nil && !item.Held) {
			// Resolved but not yet cleaned up before a crash
			b := o.store.NewBatch()
			b.DeleteConflict(c.ItemID)
			if err := o.store.Commit(b); err != nil {
				return fmt.Errorf("failed to drop stale conflict %s: %w", c.ItemID, err)
			}
			continue
		}
		o.conflicts[c.ItemID] = c
	}
	return nil
}
