package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManualSignal is driven by explicit Set calls
type ManualSignal struct {
	mu     sync.Mutex
	state  bool
	report func(bool)
}

// NewManualSignal creates a manual signal with an initial state
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{state: online}
}

func (s *ManualSignal) Name() string { return ModeManual }

// Set records a new observation
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	s.state = online
	report := s.report
	s.mu.Unlock()

	if report != nil {
		report(online)
	}
}

// State returns the last value passed to Set
func (s *ManualSignal) State() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ManualSignal) Run(ctx context.Context, report func(bool)) error {
	s.mu.Lock()
	s.report = report
	state := s.state
	s.mu.Unlock()

	report(state)
	<-ctx.Done()

	s.mu.Lock()
	s.report = nil
	s.mu.Unlock()
	return nil
}

// ProbeSignal polls an HTTP endpoint. Any response below 500 counts as
// online; errors, timeouts and 5xx count as offline.
type ProbeSignal struct {
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProbeSignal creates a probe against url
func NewProbeSignal(url string, interval, timeout time.Duration) *ProbeSignal {
	return &ProbeSignal{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *ProbeSignal) Name() string { return ModeProbe }

func (s *ProbeSignal) Run(ctx context.Context, report func(bool)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	report(s.probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report(s.probe(ctx))
		}
	}
}

func (s *ProbeSignal) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// FileSignal watches a status file containing "online" or "offline". A
// missing or unrecognised file produces no observation.
type FileSignal struct {
	path   string
	logger *slog.Logger
}

// NewFileSignal creates a signal over the file at path
func NewFileSignal(path string, logger *slog.Logger) *FileSignal {
	return &FileSignal{path: path, logger: logger}
}

func (s *FileSignal) Name() string { return ModeFile }

func (s *FileSignal) Run(ctx context.Context, report func(bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic replaces of the file are seen
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	if online, ok := s.read(); ok {
		report(online)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if online, ok := s.read(); ok {
				report(online)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("status file watcher error", "path", s.path, "error", err)
		}
	}
}

func (s *FileSignal) read() (online bool, ok bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "up", "1":
		return true, true
	case "offline", "down", "0":
		return false, true
	default:
		return false, false
	}
}
