package history

import (
	"errors"
	"time"

	"github.com/livinlefevreloca/tether/internal/db"
	"github.com/livinlefevreloca/tether/internal/events"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
)

// DBAdapter writes reports to the sync_runs table
type DBAdapter struct {
	db *db.DB
}

// NewDBAdapter creates a writer backed by database
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

// WriteRun inserts a report. Rewriting a report that already exists is a
// no-op, so replays after a crash are safe.
func (a *DBAdapter) WriteRun(report RunReport) error {
	run := &db.SyncRun{
		ID:           report.ID,
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
		Trigger:      report.Trigger,
		Acked:        report.Acked,
		Failed:       report.Failed,
		DeadLettered: report.DeadLettered,
		Conflicts:    report.Conflicts,
		Discarded:    report.Discarded,
		Outcome:      report.Outcome,
	}
	if report.Error != "" {
		msg := report.Error
		run.Error = &msg
	}

	err := a.db.CreateSyncRun(run)
	if errors.Is(err, db.ErrDuplicate) {
		return nil
	}
	return err
}

// PruneRuns deletes reports that started before cutoff
func (a *DBAdapter) PruneRuns(before time.Time) (int64, error) {
	return a.db.DeleteSyncRunsBefore(before)
}

// Recent returns the latest reports, newest first
func (a *DBAdapter) Recent(limit int) ([]RunReport, error) {
	runs, err := a.db.RecentSyncRuns(limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunReport, 0, len(runs))
	for _, run := range runs {
		report := RunReport{
			ID:           run.ID,
			Trigger:      run.Trigger,
			StartedAt:    run.StartedAt,
			FinishedAt:   run.FinishedAt,
			Acked:        run.Acked,
			Failed:       run.Failed,
			DeadLettered: run.DeadLettered,
			Conflicts:    run.Conflicts,
			Discarded:    run.Discarded,
			Outcome:      run.Outcome,
		}
		if run.Error != nil {
			report.Error = *run.Error
		}
		out = append(out, report)
	}
	return out, nil
}

// FromRun converts a completed orchestrator run into a report
func FromRun(run orchestrator.RunCompleted) RunReport {
	return RunReport{
		ID:           run.ID,
		Trigger:      string(run.Trigger),
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Acked:        run.Acked,
		Failed:       run.Failed,
		DeadLettered: run.DeadLettered,
		Conflicts:    run.Conflicts,
		Discarded:    run.Discarded,
		Outcome:      run.Outcome,
		Error:        run.Error,
	}
}

// Follow buffers every run delivered on sub until the subscription closes
func (r *Recorder) Follow(sub *events.Subscription[orchestrator.RunCompleted]) {
	for run := range sub.C() {
		if err := r.Buffer(FromRun(run)); err != nil {
			r.logger.Warn("failed to buffer run report",
				"run_id", run.ID,
				"error", err)
		}
	}
}
