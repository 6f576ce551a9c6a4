package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/livinlefevreloca/tether/internal/record"
)

func testRecord(id string) *record.Record {
	return &record.Record{
		ID:        id,
		Kind:      "customer",
		Version:   1,
		UpdatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Data:      map[string]json.RawMessage{"name": json.RawMessage(`"Acme"`)},
	}
}

func TestStore_RecordRoundTrip(t *testing.T) {
	s, err := Open(NewMemoryMedium())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := s.GetRecord("missing"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.PutRecord(testRecord("b")); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	if err := s.PutRecord(testRecord("a")); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := s.GetRecord("a")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Version != 1 || string(got.Data["name"]) != `"Acme"` {
		t.Errorf("unexpected record: %+v", got)
	}

	all, err := s.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("expected records in id order, got %d records", len(all))
	}

	if err := s.DeleteRecord("a"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := s.GetRecord("a"); !IsNotFound(err) {
		t.Errorf("expected record to be gone, got %v", err)
	}
}

func TestStore_BatchSurvivesReopen(t *testing.T) {
	medium := NewMemoryMedium()
	s, err := Open(medium)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	b := s.NewBatch()
	b.PutRecord(testRecord("r1"))
	seq1 := s.NextSeq()
	seq2 := s.NextSeq()
	b.PutQueueItem(seq1, map[string]string{"id": "one"})
	b.PutQueueItem(seq2, map[string]string{"id": "two"})
	if err := s.Commit(b); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	reopened, err := Open(medium)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	entries, err := reopened.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 queue entries, got %d", len(entries))
	}
	if entries[0].Key != QueueKey(seq1) {
		t.Errorf("expected first entry %s, got %s", QueueKey(seq1), entries[0].Key)
	}
	if next := reopened.NextSeq(); next != seq2+1 {
		t.Errorf("expected sequence to continue at %d, got %d", seq2+1, next)
	}
}

func TestStore_QueueKeysSortNumerically(t *testing.T) {
	if QueueKey(9) >= QueueKey(10) {
		t.Errorf("expected %s < %s", QueueKey(9), QueueKey(10))
	}
}

func TestOpen_FailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *MemoryMedium)
	}{
		{
			name:  "undecodable record",
			setup: func(m *MemoryMedium) { m.Set("record/x", []byte("{not json")) },
		},
		{
			name:  "record stored under wrong key",
			setup: func(m *MemoryMedium) { m.Set("record/x", []byte(`{"id":"y"}`)) },
		},
		{
			name: "queue entry without counter",
			setup: func(m *MemoryMedium) {
				m.Set(QueueKey(1), []byte(`{}`))
			},
		},
		{
			name: "counter behind queue",
			setup: func(m *MemoryMedium) {
				m.Set(QueueKey(5), []byte(`{}`))
				m.Set("meta/seq", []byte("3"))
			},
		},
		{
			name:  "bad queue key",
			setup: func(m *MemoryMedium) { m.Set("queue/abc", []byte(`{}`)) },
		},
		{
			name:  "garbled dead letter",
			setup: func(m *MemoryMedium) { m.Set("dead/abc", []byte(`{"id":`)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryMedium()
			tt.setup(m)
			if _, err := Open(m); !IsCorrupt(err) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestBatch_DeleteKeys(t *testing.T) {
	s, _ := Open(NewMemoryMedium())

	b := s.NewBatch()
	b.PutDeadLetter("d1", map[string]int{"attempts": 3})
	b.PutConflict("c1", map[string]string{"strategy": "manual"})
	if err := s.Commit(b); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	b = s.NewBatch()
	b.DeleteDeadLetter("d1")
	b.DeleteConflict("c1")
	if err := s.Commit(b); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	dead, _ := s.LoadDeadLetters()
	conflicts, _ := s.LoadConflicts()
	if len(dead) != 0 || len(conflicts) != 0 {
		t.Errorf("expected empty keyspaces, got %d dead and %d conflicts", len(dead), len(conflicts))
	}
}
