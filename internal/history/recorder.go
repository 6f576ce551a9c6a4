// Package history persists a report for every sync run. Reports are
// buffered and handed to a single writer goroutine so the orchestrator never
// waits on the database.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunReport is the persisted summary of one sync run
type RunReport struct {
	ID           string    `json:"id"`
	Trigger      string    `json:"trigger"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Acked        int       `json:"acked"`
	Failed       int       `json:"failed"`
	DeadLettered int       `json:"dead_lettered"`
	Conflicts    int       `json:"conflicts"`
	Discarded    int       `json:"discarded"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
}

// Writer persists reports
type Writer interface {
	WriteRun(report RunReport) error
}

// Pruner deletes reports older than a cutoff
type Pruner interface {
	PruneRuns(before time.Time) (int64, error)
}

// Stats provides current recorder statistics
type Stats struct {
	Buffered int
	Written  int64
	Failed   int64
}

// ErrClosed is returned when buffering after Shutdown
var ErrClosed = errors.New("history: recorder shut down")

// Recorder buffers run reports and writes them on a background goroutine
type Recorder struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	buffer    []RunReport
	lastFlush time.Time
	closed    bool
	started   bool
	written   int64
	failed    int64

	ch       chan RunReport
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewRecorder creates a recorder with the specified configuration
func NewRecorder(config Config, logger *slog.Logger) (*Recorder, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Recorder{
		config:    config,
		logger:    logger,
		buffer:    make([]RunReport, 0),
		lastFlush: time.Now(),
		ch:        make(chan RunReport, config.ChannelSize),
		shutdown:  make(chan struct{}),
	}, nil
}

// Buffer adds a report. Reaching FlushThreshold flushes immediately.
// Returns error if the buffer exceeds its maximum size.
func (r *Recorder) Buffer(report RunReport) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.buffer = append(r.buffer, report)
	n := len(r.buffer)
	r.mu.Unlock()

	if n > r.config.MaxBuffered {
		return fmt.Errorf("run report buffer exceeded maximum size: %d > %d", n, r.config.MaxBuffered)
	}
	if n >= r.config.FlushThreshold {
		return r.Flush()
	}
	return nil
}

// Flush hands every buffered report to the writer goroutine. Reports that
// do not fit in the channel stay buffered.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if len(r.buffer) == 0 {
		return nil
	}

	sent := 0
	for _, report := range r.buffer {
		select {
		case r.ch <- report:
			sent++
		default:
			r.buffer = r.buffer[sent:]
			return fmt.Errorf("run report channel full, %d reports buffered", len(r.buffer))
		}
	}

	r.buffer = make([]RunReport, 0)
	r.lastFlush = time.Now()
	return nil
}

// Stats returns current recorder statistics
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Buffered: len(r.buffer),
		Written:  r.written,
		Failed:   r.failed,
	}
}

// Start launches the writer goroutine and the interval flusher. If w also
// implements Pruner, old runs are pruned at start and hourly.
func (r *Recorder) Start(w Writer) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	r.wg.Add(2)
	go r.runWriter(w)
	go r.runFlusher(w)
}

func (r *Recorder) runWriter(w Writer) {
	defer r.wg.Done()

	for report := range r.ch {
		err := w.WriteRun(report)

		r.mu.Lock()
		if err != nil {
			r.failed++
		} else {
			r.written++
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("failed to write run report",
				"run_id", report.ID,
				"error", err)
		} else {
			r.logger.Debug("wrote run report",
				"run_id", report.ID,
				"outcome", report.Outcome)
		}
	}

	r.logger.Debug("history writer shut down")
}

func (r *Recorder) runFlusher(w Writer) {
	defer r.wg.Done()

	pruner, _ := w.(Pruner)
	var lastPrune time.Time
	prune := func() {
		if pruner == nil || r.config.Retention == 0 || time.Since(lastPrune) < time.Hour {
			return
		}
		lastPrune = time.Now()
		n, err := pruner.PruneRuns(lastPrune.Add(-r.config.Retention))
		if err != nil {
			r.logger.Warn("failed to prune run history", "error", err)
			return
		}
		if n > 0 {
			r.logger.Info("pruned run history", "deleted", n, "retention", r.config.Retention)
		}
	}
	prune()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			due := time.Since(r.lastFlush) >= r.config.FlushInterval
			var err error
			if due {
				err = r.flushLocked()
			}
			r.mu.Unlock()
			if err != nil {
				r.logger.Warn("interval flush incomplete", "error", err)
			}
			prune()
		case <-r.shutdown:
			return
		}
	}
}

// Shutdown performs graceful shutdown ensuring all buffered reports are
// written. Without a running writer, reports that do not fit in the
// channel are dropped and reported in the error.
func (r *Recorder) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.logger.Info("starting history shutdown")

	// Stop the interval flusher before the final flush
	close(r.shutdown)

	var dropped int
	r.mu.Lock()
	for len(r.buffer) > 0 {
		if err := r.flushLocked(); err != nil {
			if !started {
				dropped = len(r.buffer)
				r.buffer = nil
				break
			}
			// The writer is draining the channel; retry shortly
			r.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			r.mu.Lock()
		}
	}
	r.mu.Unlock()

	// The writer uses "for range", so it drains the channel and exits once closed
	close(r.ch)
	r.wg.Wait()

	r.logger.Info("history shutdown complete")
	if dropped > 0 {
		return fmt.Errorf("history shut down without a writer, %d reports dropped", dropped)
	}
	return nil
}
