package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Hook runs before every Memory call. method is "fetch" or "apply"; a
// non-nil error is returned to the caller instead of performing the call.
type Hook func(ctx context.Context, method, recordID string) error

// Memory is an in-memory reference remote. Every successful write bumps the
// record version; deletes leave tombstones; stale base versions conflict.
type Memory struct {
	mu       sync.Mutex
	records  map[string]*record.Record
	hook     Hook
	validate func(*record.Record) error
	calls    map[string]int
	applied  []Operation
	now      func() time.Time
}

// NewMemory creates an empty remote
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*record.Record),
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

var _ Remote = (*Memory)(nil)

// SetHook installs a hook run before every call; nil removes it
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// SetValidator installs a check whose failures are permanent rejections
func (m *Memory) SetValidator(fn func(*record.Record) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validate = fn
}

// Put stores a record as-is, bypassing versioning
func (m *Memory) Put(r *record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r.Clone()
}

// Get returns the stored record without running hooks
func (m *Memory) Get(id string) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r.Clone(), ok
}

// Records returns every stored record, tombstones included, in id order
func (m *Memory) Records() []*record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*record.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns how many times method was invoked, hooks included
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Applied returns every operation that changed state, in order
func (m *Memory) Applied() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Operation(nil), m.applied...)
}

func (m *Memory) before(ctx context.Context, method, id string) error {
	m.mu.Lock()
	m.calls[method]++
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, method, id); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return NewError(KindTransient, method, id, err)
	}
	return nil
}

func (m *Memory) Fetch(ctx context.Context, id string) (*record.Record, error) {
	if err := m.before(ctx, "fetch", id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, NewError(KindNotFound, "fetch", id, nil)
	}
	return r.Clone(), nil
}

func (m *Memory) Apply(ctx context.Context, op Operation) (*record.Record, error) {
	if err := m.before(ctx, "apply", op.RecordID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reject := func(kind Kind, format string, args ...any) (*record.Record, error) {
		return nil, NewError(kind, "apply", op.RecordID, fmt.Errorf(format, args...))
	}

	if op.RecordID == "" {
		return reject(KindPermanent, "record id is required")
	}
	if op.Type != record.OpDelete {
		if op.Record == nil {
			return reject(KindPermanent, "%s requires a record", op.Type)
		}
		if op.Record.ID != op.RecordID {
			return reject(KindPermanent, "record id %q does not match %q", op.Record.ID, op.RecordID)
		}
		if m.validate != nil {
			if err := m.validate(op.Record); err != nil {
				return reject(KindPermanent, "validation failed: %v", err)
			}
		}
	}

	current, exists := m.records[op.RecordID]
	live := exists && !current.Deleted

	var next *record.Record
	switch op.Type {
	case record.OpCreate:
		if live && !op.Force {
			return reject(KindConflict, "record already exists at version %d", current.Version)
		}
		next = m.stamp(op.Record, current)

	case record.OpUpdate:
		if !exists {
			return reject(KindNotFound, "record does not exist")
		}
		if !op.Force && (current.Deleted || op.BaseVersion != current.Version) {
			return reject(KindConflict, "base version %d is not current version %d", op.BaseVersion, current.Version)
		}
		next = m.stamp(op.Record, current)

	case record.OpDelete:
		if !exists {
			return reject(KindNotFound, "record does not exist")
		}
		if current.Deleted {
			return current.Clone(), nil
		}
		if !op.Force && op.BaseVersion != current.Version {
			return reject(KindConflict, "base version %d is not current version %d", op.BaseVersion, current.Version)
		}
		next = record.Tombstone(current, m.now())
		next.Version = current.Version + 1

	default:
		return reject(KindPermanent, "unknown operation type %q", op.Type)
	}

	m.records[op.RecordID] = next
	m.applied = append(m.applied, op)
	return next.Clone(), nil
}

// stamp must be called with mu held
func (m *Memory) stamp(incoming, current *record.Record) *record.Record {
	next := incoming.Clone()
	next.Deleted = false
	next.Version = 1
	if current != nil {
		next.Version = current.Version + 1
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = m.now()
	}
	return next
}
