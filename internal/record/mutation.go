package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Mutation is a local change requested by a caller
type Mutation struct {
	Op       OpType                     `json:"op"`
	RecordID string                     `json:"record_id"`
	Kind     string                     `json:"kind,omitempty"`
	Data     map[string]json.RawMessage `json:"data,omitempty"`
}

// Validate checks the mutation is well formed
func (m *Mutation) Validate() error {
	if _, err := ParseOpType(string(m.Op)); err != nil {
		return err
	}
	if m.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if m.Op == OpCreate && len(m.Data) == 0 {
		return fmt.Errorf("create requires data")
	}
	if m.Op == OpUpdate && len(m.Data) == 0 {
		return fmt.Errorf("update requires data")
	}
	return nil
}

var jsonNull = []byte("null")

// ApplyMutation produces the local snapshot that results from applying m to
// current. current may be nil when the record is unknown locally.
//
// Create replaces all fields. Update overlays fields and a JSON null removes
// a field. Delete produces a tombstone. Every touched field is stamped with
// now, and Version is carried over unchanged.
func ApplyMutation(current *Record, m Mutation, now time.Time) (*Record, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	switch m.Op {
	case OpCreate:
		if current != nil && !current.Deleted {
			return nil, fmt.Errorf("record %s already exists", m.RecordID)
		}
		next := &Record{
			ID:             m.RecordID,
			Kind:           m.Kind,
			UpdatedAt:      now,
			Data:           make(map[string]json.RawMessage, len(m.Data)),
			FieldUpdatedAt: make(map[string]time.Time, len(m.Data)),
		}
		if current != nil {
			next.Version = current.Version
			if next.Kind == "" {
				next.Kind = current.Kind
			}
		}
		for k, v := range m.Data {
			if bytes.Equal(bytes.TrimSpace(v), jsonNull) {
				continue
			}
			next.Data[k] = v
			next.FieldUpdatedAt[k] = now
		}
		return next, nil

	case OpUpdate:
		if current == nil || current.Deleted {
			return nil, fmt.Errorf("record %s does not exist", m.RecordID)
		}
		next := current.Clone()
		if next.Data == nil {
			next.Data = make(map[string]json.RawMessage)
		}
		if next.FieldUpdatedAt == nil {
			next.FieldUpdatedAt = make(map[string]time.Time)
		}
		if m.Kind != "" {
			next.Kind = m.Kind
		}
		for k, v := range m.Data {
			if bytes.Equal(bytes.TrimSpace(v), jsonNull) {
				delete(next.Data, k)
			} else {
				next.Data[k] = v
			}
			next.FieldUpdatedAt[k] = now
		}
		next.UpdatedAt = now
		return next, nil

	case OpDelete:
		if current == nil || current.Deleted {
			return nil, fmt.Errorf("record %s does not exist", m.RecordID)
		}
		return Tombstone(current, now), nil
	}

	return nil, fmt.Errorf("unknown operation type: %q", m.Op)
}
