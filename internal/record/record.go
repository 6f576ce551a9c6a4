// Package record defines the domain records tether keeps in sync and the
// mutations callers apply to them locally.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// OpType is the kind of mutation carried by a queued operation
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// ParseOpType converts a string into an OpType
func ParseOpType(s string) (OpType, error) {
	switch OpType(s) {
	case OpCreate, OpUpdate, OpDelete:
		return OpType(s), nil
	default:
		return "", fmt.Errorf("unknown operation type: %q (must be create, update, or delete)", s)
	}
}

// Record is a domain entity (customer, project, task, ...) identified by a
// stable ID. Version is the last remote version the local copy is based on;
// local edits never bump it. Deleted marks a tombstone.
type Record struct {
	ID             string                     `json:"id"`
	Kind           string                     `json:"kind,omitempty"`
	Version        int64                      `json:"version"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	Deleted        bool                       `json:"deleted,omitempty"`
	Data           map[string]json.RawMessage `json:"data,omitempty"`
	FieldUpdatedAt map[string]time.Time       `json:"field_updated_at,omitempty"`
}

// Validate checks the record carries the fields sync depends on
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Version < 0 {
		return fmt.Errorf("version must not be negative (got %d)", r.Version)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// FieldTime returns the last time a field changed, falling back to the
// record's UpdatedAt when no per-field time was tracked.
func (r *Record) FieldTime(name string) time.Time {
	if t, ok := r.FieldUpdatedAt[name]; ok && !t.IsZero() {
		return t
	}
	return r.UpdatedAt
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = make(map[string]json.RawMessage, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = append(json.RawMessage(nil), v...)
		}
	}
	if r.FieldUpdatedAt != nil {
		c.FieldUpdatedAt = make(map[string]time.Time, len(r.FieldUpdatedAt))
		for k, v := range r.FieldUpdatedAt {
			c.FieldUpdatedAt[k] = v
		}
	}
	return &c
}

// SameContent reports whether two records carry identical data and deletion
// state. Versions and timestamps are ignored.
func SameContent(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Deleted != b.Deleted || len(a.Data) != len(b.Data) {
		return false
	}
	for k, av := range a.Data {
		bv, ok := b.Data[k]
		if !ok || !bytes.Equal(compact(av), compact(bv)) {
			return false
		}
	}
	return true
}

func compact(v json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// Tombstone returns a deletion marker for the given record
func Tombstone(r *Record, at time.Time) *Record {
	t := r.Clone()
	t.Deleted = true
	t.Data = nil
	t.FieldUpdatedAt = nil
	t.UpdatedAt = at
	return t
}
