// Package scheduler triggers periodic syncs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/tether/internal/orchestrator"
)

// Target is the orchestrator surface the scheduler drives
type Target interface {
	Status() orchestrator.Status
	Trigger(source orchestrator.TriggerSource)
}

// Stats counts scheduled ticks
type Stats struct {
	Fired   int64
	Skipped int64
}

// Scheduler fires orchestrator.TriggerSchedule on every tick of a cron
// schedule. Ticks are skipped while offline, while a drain is in flight, or
// when there is nothing queued.
type Scheduler struct {
	schedule string
	target   Target
	logger   *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	started bool
	stats   Stats
}

// New creates a scheduler. An empty schedule disables periodic syncs.
func New(schedule string, target Target, logger *slog.Logger) (*Scheduler, error) {
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
		}
	}
	return &Scheduler{
		schedule: schedule,
		target:   target,
		logger:   logger,
		cron:     cron.New(),
	}, nil
}

// Start registers the schedule and starts the cron runner
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if s.schedule == "" {
		s.logger.Info("periodic sync disabled")
		return nil
	}

	id, err := s.cron.AddFunc(s.schedule, s.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.entryID = id
	s.started = true
	s.cron.Start()

	s.logger.Info("scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the cron runner. The returned context is done once a tick in
// progress has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.cron.Stop()
	if s.started {
		s.cron.Remove(s.entryID)
		s.started = false
		s.logger.Info("scheduler stopped")
	}
	return ctx
}

// Stats returns tick counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) tick() {
	status := s.target.Status()

	reason := ""
	switch {
	case !status.Online:
		reason = "offline"
	case status.State == orchestrator.SyncSyncing:
		reason = "sync already running"
	case status.QueueLength == 0:
		reason = "queue empty"
	}

	s.mu.Lock()
	if reason != "" {
		s.stats.Skipped++
	} else {
		s.stats.Fired++
	}
	s.mu.Unlock()

	if reason != "" {
		s.logger.Debug("skipping scheduled sync", "reason", reason)
		return
	}

	s.logger.Debug("triggering scheduled sync", "queue_length", status.QueueLength)
	s.target.Trigger(orchestrator.TriggerSchedule)
}
