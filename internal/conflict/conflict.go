// Package conflict decides the outcome when a queued local mutation targets
// a record that changed remotely since the mutation's base version.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Strategy selects how a conflict is resolved
type Strategy string

const (
	LocalWins     Strategy = "local_wins"
	RemoteWins    Strategy = "remote_wins"
	Merge         Strategy = "merge"
	Manual        Strategy = "manual"
	LastWriteWins Strategy = "last_write_wins"
)

// ParseStrategy converts a string into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LocalWins, RemoteWins, Merge, Manual, LastWriteWins:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy: %q (must be local_wins, remote_wins, merge, manual, or last_write_wins)", s)
	}
}

// Action is what the caller must do with the resolution
type Action string

const (
	// Push the winning record to the remote
	ApplyLocal Action = "apply_local"
	// Discard the local operation and adopt the remote record
	ApplyRemote Action = "apply_remote"
	// Push the merged record to the remote
	ApplyMerged Action = "apply_merged"
	// Leave the operation pending for an external decision
	RequireManual Action = "require_manual"
)

// Case is a local and remote version of the same record
type Case struct {
	Local    *record.Record `json:"local"`
	Remote   *record.Record `json:"remote"`
	Op       record.OpType  `json:"op"`
	Strategy Strategy       `json:"strategy"`
}

// Resolution is the outcome of resolving a Case
type Resolution struct {
	Winner *record.Record `json:"winner,omitempty"`
	Action Action         `json:"action"`

	// Op to send to the remote for ApplyLocal and ApplyMerged
	Op     record.OpType `json:"op,omitempty"`
	Reason string        `json:"reason"`
}

// Resolve decides a conflict. It is a pure function of c.
//
// A tombstoned remote beats a pending local update or delete under every
// strategy except LocalWins, which resurrects the record as a create.
func Resolve(c Case) (Resolution, error) {
	if c.Local == nil || c.Remote == nil {
		return Resolution{}, fmt.Errorf("conflict needs both a local and a remote record")
	}
	if c.Local.ID != c.Remote.ID {
		return Resolution{}, fmt.Errorf("conflict between different records: %s and %s", c.Local.ID, c.Remote.ID)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return Resolution{}, err
	}

	if c.Remote.Deleted {
		return resolveTombstone(c), nil
	}

	switch c.Strategy {
	case LocalWins:
		return applyLocal(c, c.Local.Clone(), "local wins"), nil

	case RemoteWins:
		return Resolution{Winner: c.Remote.Clone(), Action: ApplyRemote, Reason: "remote wins"}, nil

	case Manual:
		return Resolution{Action: RequireManual, Reason: "manual resolution required"}, nil

	case LastWriteWins:
		// Tie goes to the remote
		if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
			return applyLocal(c, c.Local.Clone(), "local written last"), nil
		}
		return Resolution{Winner: c.Remote.Clone(), Action: ApplyRemote, Reason: "remote written last"}, nil

	case Merge:
		if c.Local.Deleted {
			// A local delete has no fields to merge; the later side wins
			if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
				return applyLocal(c, c.Local.Clone(), "local delete is newer"), nil
			}
			return Resolution{Winner: c.Remote.Clone(), Action: ApplyRemote, Reason: "remote edit is newer than local delete"}, nil
		}
		merged := MergeRecords(c.Local, c.Remote)
		if record.SameContent(merged, c.Remote) {
			return Resolution{Winner: merged, Action: ApplyRemote, Reason: "merge matches remote"}, nil
		}
		return Resolution{Winner: merged, Action: ApplyMerged, Op: record.OpUpdate, Reason: "field-level merge"}, nil
	}

	return Resolution{}, fmt.Errorf("unhandled strategy %q", c.Strategy)
}

func resolveTombstone(c Case) Resolution {
	if c.Local.Deleted {
		// Both sides agree the record is gone
		return Resolution{Winner: c.Remote.Clone(), Action: ApplyRemote, Reason: "already deleted remotely"}
	}
	if c.Strategy == LocalWins {
		winner := c.Local.Clone()
		winner.Deleted = false
		return Resolution{Winner: winner, Action: ApplyLocal, Op: record.OpCreate, Reason: "local wins, resurrecting deleted record"}
	}
	return Resolution{Winner: c.Remote.Clone(), Action: ApplyRemote, Reason: "record deleted remotely"}
}

func applyLocal(c Case, winner *record.Record, reason string) Resolution {
	op := c.Op
	switch {
	case winner.Deleted:
		op = record.OpDelete
	case op == "" || op == record.OpDelete:
		op = record.OpUpdate
	case op == record.OpCreate:
		// The record exists remotely, so a create becomes an overwrite
		op = record.OpUpdate
	}
	return Resolution{Winner: winner, Action: ApplyLocal, Op: op, Reason: reason}
}

// MergeRecords merges two live versions of a record field by field. For
// each field the side that changed it later wins; ties go to remote.
// The result carries the remote version and the later of the two UpdatedAt
// times.
func MergeRecords(local, remote *record.Record) *record.Record {
	merged := &record.Record{
		ID:             remote.ID,
		Kind:           remote.Kind,
		Version:        remote.Version,
		UpdatedAt:      maxTime(local.UpdatedAt, remote.UpdatedAt),
		Data:           make(map[string]json.RawMessage),
		FieldUpdatedAt: make(map[string]time.Time),
	}
	if merged.Kind == "" {
		merged.Kind = local.Kind
	}

	fields := make(map[string]struct{})
	for k := range local.Data {
		fields[k] = struct{}{}
	}
	for k := range local.FieldUpdatedAt {
		fields[k] = struct{}{}
	}
	for k := range remote.Data {
		fields[k] = struct{}{}
	}
	for k := range remote.FieldUpdatedAt {
		fields[k] = struct{}{}
	}

	for name := range fields {
		lt, rt := touched(local, name), touched(remote, name)
		src, at := remote, rt
		if lt.After(rt) {
			src, at = local, lt
		}
		if v, ok := src.Data[name]; ok {
			merged.Data[name] = append(json.RawMessage(nil), v...)
		}
		merged.FieldUpdatedAt[name] = at
	}

	return merged
}

// touched returns when a side last changed a field. A field the side never
// carried and never removed has the zero time.
func touched(r *record.Record, name string) time.Time {
	if t, ok := r.FieldUpdatedAt[name]; ok && !t.IsZero() {
		return t
	}
	if _, ok := r.Data[name]; ok {
		return r.UpdatedAt
	}
	return time.Time{}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Config selects the strategy applied to every detected conflict
type Config struct {
	Strategy Strategy `toml:"strategy"`
}

// DefaultConfig returns conflict defaults
func DefaultConfig() Config {
	return Config{Strategy: Merge}
}

// Validate validates the configuration
func (c Config) Validate() error {
	_, err := ParseStrategy(string(c.Strategy))
	return err
}
