package db

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncRun is one persisted drain of the sync queue
type SyncRun struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Trigger      string
	Acked        int
	Failed       int
	DeadLettered int
	Conflicts    int
	Discarded    int
	Outcome      string
	Error        *string
}

// CreateSyncRun inserts a sync run
func (db *DB) CreateSyncRun(run *SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, started_at, finished_at, trigger, acked, failed, dead_lettered, conflicts, discarded, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		run.ID,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Trigger,
		run.Acked,
		run.Failed,
		run.DeadLettered,
		run.Conflicts,
		run.Discarded,
		run.Outcome,
		run.Error,
	)
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("sync run %s: %w", run.ID, ErrDuplicate)
		}
		return err
	}
	return nil
}

// GetSyncRun retrieves a sync run by ID
func (db *DB) GetSyncRun(id string) (*SyncRun, error) {
	query := `
		SELECT id, started_at, finished_at, trigger, acked, failed, dead_lettered, conflicts, discarded, outcome, error
		FROM sync_runs
		WHERE id = ?
	`

	run, err := scanSyncRun(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RecentSyncRuns returns the most recent runs, newest first
func (db *DB) RecentSyncRuns(limit int) ([]SyncRun, error) {
	query := `
		SELECT id, started_at, finished_at, trigger, acked, failed, dead_lettered, conflicts, discarded, outcome, error
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// DeleteSyncRunsBefore prunes history older than cutoff
func (db *DB) DeleteSyncRunsBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM sync_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(s scanner) (*SyncRun, error) {
	run := &SyncRun{}
	err := s.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Trigger,
		&run.Acked,
		&run.Failed,
		&run.DeadLettered,
		&run.Conflicts,
		&run.Discarded,
		&run.Outcome,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
