// Package remote is the record endpoint tether syncs against: the contract,
// its error taxonomy, an HTTP client, and an in-memory reference server.
package remote

import (
	"context"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Operation is a mutation sent to the remote
type Operation struct {
	Type     record.OpType `json:"type"`
	RecordID string        `json:"record_id"`

	// Version the operation was made against. Ignored when Force is set.
	BaseVersion int64 `json:"base_version"`

	// Full record for create and update
	Record *record.Record `json:"record,omitempty"`

	// Apply regardless of the current remote version
	Force bool `json:"force,omitempty"`
}

// Remote fetches and mutates records on the server
type Remote interface {
	// Fetch returns the current record, a tombstone (Deleted=true), or an
	// error matching ErrNotFound when the record never existed
	Fetch(ctx context.Context, id string) (*record.Record, error)

	// Apply performs op and returns the resulting record
	Apply(ctx context.Context, op Operation) (*record.Record, error)
}
