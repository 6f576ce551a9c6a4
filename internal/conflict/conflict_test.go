package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/livinlefevreloca/tether/internal/record"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func rec(version int64, updated time.Time, fields map[string]string) *record.Record {
	r := &record.Record{
		ID:             "cust-1",
		Kind:           "customer",
		Version:        version,
		UpdatedAt:      updated,
		Data:           make(map[string]json.RawMessage),
		FieldUpdatedAt: make(map[string]time.Time),
	}
	for k, v := range fields {
		r.Data[k] = json.RawMessage(v)
		r.FieldUpdatedAt[k] = updated
	}
	return r
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"local_wins", "remote_wins", "merge", "manual", "last_write_wins"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseStrategy("coin_flip"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestResolve_Strategies(t *testing.T) {
	local := rec(1, t0.Add(time.Minute), map[string]string{"name": `"Local"`})
	remote := rec(2, t0, map[string]string{"name": `"Remote"`})

	tests := []struct {
		strategy   Strategy
		wantAction Action
		wantName   string
	}{
		{LocalWins, ApplyLocal, `"Local"`},
		{RemoteWins, ApplyRemote, `"Remote"`},
		{Merge, ApplyMerged, `"Local"`},
		{LastWriteWins, ApplyLocal, `"Local"`},
		{Manual, RequireManual, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			res, err := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: tt.strategy})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", res.Action, tt.wantAction)
			}
			if tt.wantName == "" {
				if res.Winner != nil {
					t.Error("manual resolution must not pick a winner")
				}
				return
			}
			if got := string(res.Winner.Data["name"]); got != tt.wantName {
				t.Errorf("winner name = %s, want %s", got, tt.wantName)
			}
		})
	}
}

func TestResolve_LastWriteWinsTieGoesRemote(t *testing.T) {
	local := rec(1, t0, map[string]string{"name": `"Local"`})
	remote := rec(2, t0, map[string]string{"name": `"Remote"`})

	res, err := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: LastWriteWins})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ApplyRemote {
		t.Errorf("expected tie to resolve to remote, got %s", res.Action)
	}
}

func TestResolve_LocalWinsCreateBecomesUpdate(t *testing.T) {
	local := rec(0, t0, map[string]string{"name": `"Local"`})
	remote := rec(3, t0, map[string]string{"name": `"Remote"`})

	res, _ := Resolve(Case{Local: local, Remote: remote, Op: record.OpCreate, Strategy: LocalWins})
	if res.Op != record.OpUpdate {
		t.Errorf("expected create against an existing record to become an update, got %s", res.Op)
	}
}

func TestResolve_Tombstone(t *testing.T) {
	local := rec(1, t0.Add(time.Hour), map[string]string{"name": `"Local"`})
	remote := record.Tombstone(rec(2, t0, nil), t0)

	for _, strategy := range []Strategy{RemoteWins, Merge, Manual, LastWriteWins} {
		t.Run(string(strategy), func(t *testing.T) {
			res, err := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: strategy})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if res.Action != ApplyRemote || !res.Winner.Deleted {
				t.Errorf("expected the tombstone to win, got %s", res.Action)
			}
		})
	}

	t.Run("local_wins resurrects", func(t *testing.T) {
		res, err := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: LocalWins})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Action != ApplyLocal || res.Op != record.OpCreate {
			t.Errorf("expected apply_local as create, got %s/%s", res.Action, res.Op)
		}
		if res.Winner.Deleted {
			t.Error("resurrected record must not be a tombstone")
		}
	})
}

func TestResolve_LocalDeleteUnderMerge(t *testing.T) {
	remote := rec(2, t0, map[string]string{"name": `"Remote"`})
	localDelete := record.Tombstone(rec(1, t0, nil), t0.Add(time.Minute))

	res, _ := Resolve(Case{Local: localDelete, Remote: remote, Op: record.OpDelete, Strategy: Merge})
	if res.Action != ApplyLocal || res.Op != record.OpDelete {
		t.Errorf("expected newer local delete to win, got %s/%s", res.Action, res.Op)
	}

	staleDelete := record.Tombstone(rec(1, t0, nil), t0.Add(-time.Minute))
	res, _ = Resolve(Case{Local: staleDelete, Remote: remote, Op: record.OpDelete, Strategy: Merge})
	if res.Action != ApplyRemote {
		t.Errorf("expected newer remote edit to win, got %s", res.Action)
	}
}

func TestResolve_InvalidCase(t *testing.T) {
	remote := rec(1, t0, nil)
	if _, err := Resolve(Case{Remote: remote, Strategy: Merge}); err == nil {
		t.Error("expected error without local record")
	}
	other := rec(1, t0, nil)
	other.ID = "cust-2"
	if _, err := Resolve(Case{Local: other, Remote: remote, Strategy: Merge}); err == nil {
		t.Error("expected error for mismatched ids")
	}
	if _, err := Resolve(Case{Local: remote, Remote: remote, Strategy: "nope"}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestMergeRecords_FieldLevel(t *testing.T) {
	local := rec(1, t0, map[string]string{"name": `"Local"`, "phone": `"111"`})
	local.FieldUpdatedAt["phone"] = t0.Add(2 * time.Hour)
	local.UpdatedAt = t0.Add(2 * time.Hour)

	remote := rec(4, t0.Add(time.Hour), map[string]string{"name": `"Remote"`, "phone": `"222"`, "email": `"r@x"`})

	merged := MergeRecords(local, remote)

	if string(merged.Data["name"]) != `"Remote"` {
		t.Errorf("expected newer remote name, got %s", merged.Data["name"])
	}
	if string(merged.Data["phone"]) != `"111"` {
		t.Errorf("expected newer local phone, got %s", merged.Data["phone"])
	}
	if string(merged.Data["email"]) != `"r@x"` {
		t.Errorf("expected remote-only field to survive, got %s", merged.Data["email"])
	}
	if merged.Version != 4 {
		t.Errorf("expected remote version, got %d", merged.Version)
	}
	if !merged.UpdatedAt.Equal(local.UpdatedAt) {
		t.Errorf("expected UpdatedAt to be the max of inputs, got %v", merged.UpdatedAt)
	}
}

func TestMergeRecords_TieGoesRemote(t *testing.T) {
	local := rec(1, t0, map[string]string{"name": `"Local"`})
	remote := rec(2, t0, map[string]string{"name": `"Remote"`})

	merged := MergeRecords(local, remote)
	if string(merged.Data["name"]) != `"Remote"` {
		t.Errorf("expected tie to go to remote, got %s", merged.Data["name"])
	}
	if !merged.UpdatedAt.Equal(t0) {
		t.Errorf("expected UpdatedAt %v, got %v", t0, merged.UpdatedAt)
	}
}

func TestMergeRecords_LocalRemovalWins(t *testing.T) {
	local := rec(1, t0, map[string]string{"name": `"Acme"`})
	local.FieldUpdatedAt["phone"] = t0.Add(time.Hour)

	remote := rec(2, t0, map[string]string{"name": `"Acme"`, "phone": `"555"`})

	merged := MergeRecords(local, remote)
	if _, ok := merged.Data["phone"]; ok {
		t.Error("expected newer local removal to drop the field")
	}
}

// Resolving the same case twice yields the same record, and resolving
// against the result of a merge is stable.
func TestResolve_Idempotent(t *testing.T) {
	local := rec(1, t0.Add(time.Minute), map[string]string{"name": `"Local"`, "tier": `"gold"`})
	remote := rec(2, t0, map[string]string{"name": `"Remote"`, "city": `"Oslo"`})

	for _, strategy := range []Strategy{RemoteWins, Merge} {
		t.Run(string(strategy), func(t *testing.T) {
			first, _ := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: strategy})
			second, _ := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: strategy})
			if !record.SameContent(first.Winner, second.Winner) {
				t.Error("expected repeated resolution to produce the same record")
			}

			// Remote now holds the winner; the duplicate changes nothing
			again, _ := Resolve(Case{Local: local, Remote: first.Winner, Op: record.OpUpdate, Strategy: strategy})
			if !record.SameContent(again.Winner, first.Winner) {
				t.Error("expected resolution against the applied result to be stable")
			}
		})
	}
}

func TestResolve_DoesNotModifyInputs(t *testing.T) {
	local := rec(1, t0.Add(time.Minute), map[string]string{"name": `"Local"`})
	remote := rec(2, t0, map[string]string{"name": `"Remote"`})

	res, _ := Resolve(Case{Local: local, Remote: remote, Op: record.OpUpdate, Strategy: Merge})
	res.Winner.Data["name"] = json.RawMessage(`"changed"`)

	if string(local.Data["name"]) != `"Local"` || string(remote.Data["name"]) != `"Remote"` {
		t.Error("Resolve must not alias its inputs")
	}
}
