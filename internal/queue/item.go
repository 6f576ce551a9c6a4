package queue

import (
	"time"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Item is a pending mutation waiting to be applied to the remote
type Item struct {
	ID       string        `json:"id"`
	Seq      uint64        `json:"seq"`
	Op       record.OpType `json:"op"`
	RecordID string        `json:"record_id"`
	Kind     string        `json:"kind,omitempty"`

	// Local snapshot after the mutation was applied
	Record *record.Record `json:"record,omitempty"`

	// Remote version the mutation was made against
	BaseVersion int64 `json:"base_version"`

	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// Held items wait for a manual conflict decision and block later items
	// for the same record
	Held bool `json:"held,omitempty"`

	// Conflict strategy chosen when a held item was released
	Override string `json:"override,omitempty"`

	// Set once the item is dead-lettered
	DeadLetteredAt time.Time `json:"dead_lettered_at,omitempty"`
	DeadReason     string    `json:"dead_reason,omitempty"`
}

// Eligible reports whether the item may be attempted at now
func (i *Item) Eligible(now time.Time) bool {
	return !i.Held && !i.NextAttemptAt.After(now)
}

func (i *Item) clone() *Item {
	c := *i
	c.Record = i.Record.Clone()
	return &c
}

// Request describes a new queue item
type Request struct {
	Op          record.OpType
	RecordID    string
	Kind        string
	Record      *record.Record
	BaseVersion int64
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}
