package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/events"
	"github.com/livinlefevreloca/tether/internal/netmon"
	"github.com/livinlefevreloca/tether/internal/record"
)

// SyncState is the externally visible orchestrator state
type SyncState int

const (
	SyncIdle    SyncState = iota // Queue drained or waiting on retry timers
	SyncSyncing                  // Drain in flight
	SyncPaused                   // Offline
	SyncError                    // Halted until the next trigger
)

// String returns a human-readable representation of the sync state
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncSyncing:
		return "syncing"
	case SyncPaused:
		return "paused"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SyncState) UnmarshalText(text []byte) error {
	for _, candidate := range []SyncState{SyncIdle, SyncSyncing, SyncPaused, SyncError} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown sync state: %q", text)
}

// Strategy controls when a sync runs relative to local mutations
type Strategy string

const (
	// Trigger a sync after every enqueue while online
	Optimistic Strategy = "optimistic"
	// Leave syncing to the scheduler and connectivity changes
	Eventual Strategy = "eventual"
	// Trigger and wait for the mutation to leave the queue
	Pessimistic Strategy = "pessimistic"
)

// ParseStrategy converts a string into a sync Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Optimistic, Eventual, Pessimistic:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown sync strategy: %q (must be optimistic, eventual, or pessimistic)", s)
	}
}

// Config holds orchestrator settings
type Config struct {
	// Concurrent record lanes per batch
	Workers int `toml:"workers"`

	// Deadline for each remote call
	CallTimeout time.Duration `toml:"call_timeout"`

	SyncStrategy Strategy `toml:"sync_strategy"`

	// Cron spec for the periodic trigger
	SyncSchedule string `toml:"sync_schedule"`

	// Conflict strategy, taken from the [conflict] section
	ConflictStrategy conflict.Strategy `toml:"-"`

	// Mailbox sizing for event subscribers
	EventBuffer      int           `toml:"event_buffer"`
	EventSendTimeout time.Duration `toml:"event_send_timeout"`
}

// DefaultConfig returns orchestrator defaults
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		CallTimeout:      10 * time.Second,
		SyncStrategy:     Optimistic,
		SyncSchedule:     "@every 30s",
		ConflictStrategy: conflict.Merge,
		EventBuffer:      64,
		EventSendTimeout: 100 * time.Millisecond,
	}
}

// validateConfig validates orchestrator configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", config.Workers)
	}
	if config.CallTimeout <= 0 {
		return fmt.Errorf("CallTimeout must be positive, got %v", config.CallTimeout)
	}
	if _, err := ParseStrategy(string(config.SyncStrategy)); err != nil {
		return err
	}
	if config.SyncSchedule != "" {
		if _, err := cron.ParseStandard(config.SyncSchedule); err != nil {
			return fmt.Errorf("invalid SyncSchedule %q: %w", config.SyncSchedule, err)
		}
	}
	if _, err := conflict.ParseStrategy(string(config.ConflictStrategy)); err != nil {
		return err
	}
	if config.EventBuffer < 0 {
		return fmt.Errorf("EventBuffer must not be negative, got %d", config.EventBuffer)
	}
	if config.EventSendTimeout <= 0 {
		return fmt.Errorf("EventSendTimeout must be positive, got %v", config.EventSendTimeout)
	}
	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// Standard errors
var (
	ErrStopped         = errors.New("orchestrator: not running")
	ErrAlreadyStarted  = errors.New("orchestrator: already started")
	ErrConflictMissing = errors.New("orchestrator: no pending conflict for item")
	ErrUnconfirmed     = errors.New("orchestrator: mutation queued but not confirmed")
	ErrUnreachable     = errors.New("orchestrator: remote unreachable, retry budget exhausted")
	ErrSyncInProgress  = errors.New("orchestrator: sync in progress")
)

// TriggerSource says why a sync was requested
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerEnqueue  TriggerSource = "enqueue"
	TriggerSchedule TriggerSource = "schedule"
	TriggerNetwork  TriggerSource = "network"
	TriggerRetry    TriggerSource = "retry"
	TriggerStartup  TriggerSource = "startup"
)

// Network reports connectivity. *netmon.Monitor satisfies it.
type Network interface {
	IsOnline() bool
	Subscribe(buffer int) *events.Subscription[netmon.Change]
}

// StateChange is published on every transition
type StateChange struct {
	From   SyncState `json:"from"`
	To     SyncState `json:"to"`
	Reason string    `json:"reason"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// ItemEventType is what happened to a queue item
type ItemEventType string

const (
	ItemAcked        ItemEventType = "acked"
	ItemFailed       ItemEventType = "failed"
	ItemDeadLettered ItemEventType = "dead_lettered"
	ItemConflict     ItemEventType = "conflict"
	ItemDiscarded    ItemEventType = "discarded"
)

// ItemEvent is published once per processed item
type ItemEvent struct {
	Type     ItemEventType `json:"type"`
	ItemID   string        `json:"item_id"`
	RecordID string        `json:"record_id"`
	Op       record.OpType `json:"op"`
	Version  int64         `json:"version,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// terminal reports whether the item has left the active queue or is
// waiting on a manual decision
func (e ItemEvent) terminal() bool {
	return e.Type != ItemFailed
}

// RunCompleted summarizes one drain
type RunCompleted struct {
	ID           string        `json:"id"`
	Trigger      TriggerSource `json:"trigger"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Acked        int           `json:"acked"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Conflicts    int           `json:"conflicts"`
	Discarded    int           `json:"discarded"`
	Outcome      string        `json:"outcome"`
	Error        string        `json:"error,omitempty"`
}

// Run outcomes
const (
	OutcomeDrained     = "drained"
	OutcomeInterrupted = "interrupted"
	OutcomeAuth        = "auth_rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeFailed      = "failed"
)

// Conflict is a queue item held for a manual decision
type Conflict struct {
	ItemID     string         `json:"item_id"`
	RecordID   string         `json:"record_id"`
	Op         record.OpType  `json:"op"`
	Local      *record.Record `json:"local"`
	Remote     *record.Record `json:"remote"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Status is a snapshot of the orchestrator
type Status struct {
	State        SyncState `json:"state"`
	Online       bool      `json:"online"`
	QueueLength  int       `json:"queue_length"`
	DeadLetters  int       `json:"dead_letters"`
	Conflicts    int       `json:"conflicts"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	SyncStrategy Strategy  `json:"sync_strategy"`
}

// waitFor blocks on a pessimistic enqueue until the item settles
func waitFor(ctx context.Context, sub *events.Subscription[ItemEvent], itemID string) (ItemEvent, error) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return ItemEvent{}, ErrStopped
			}
			if ev.ItemID == itemID && ev.terminal() {
				return ev, nil
			}
		case <-ctx.Done():
			return ItemEvent{}, fmt.Errorf("%w: %v", ErrUnconfirmed, ctx.Err())
		}
	}
}
