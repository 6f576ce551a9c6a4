// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/tether/internal/store"
)

// FlakyMedium wraps a store.Medium and fails writes on demand
type FlakyMedium struct {
	store.Medium

	mu       sync.Mutex
	writeErr error
}

func NewFlakyMedium(inner store.Medium) *FlakyMedium {
	return &FlakyMedium{Medium: inner}
}

// SetWriteError makes every following Set, Delete and Apply fail with err
// until it is cleared with nil
func (m *FlakyMedium) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *FlakyMedium) failing() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeErr
}

func (m *FlakyMedium) Set(key string, value []byte) error {
	if err := m.failing(); err != nil {
		return err
	}
	return m.Medium.Set(key, value)
}

func (m *FlakyMedium) Delete(key string) error {
	if err := m.failing(); err != nil {
		return err
	}
	return m.Medium.Delete(key)
}

func (m *FlakyMedium) Apply(ops []store.Op) error {
	if err := m.failing(); err != nil {
		return err
	}
	return m.Medium.Apply(ops)
}

// MockClock is a clock that only moves when told to
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// TestLogger captures slog records so tests can assert on them
type TestLogger struct {
	mu      sync.Mutex
	entries []slog.Record
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{logs: l})
}

// HasMessage reports whether any entry was logged with msg
func (l *TestLogger) HasMessage(msg string) bool {
	return l.any(func(r slog.Record) bool { return r.Message == msg })
}

func (l *TestLogger) HasError() bool {
	return l.any(func(r slog.Record) bool { return r.Level == slog.LevelError })
}

func (l *TestLogger) HasWarning() bool {
	return l.any(func(r slog.Record) bool { return r.Level == slog.LevelWarn })
}

func (l *TestLogger) any(match func(slog.Record) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.entries {
		if match(r) {
			return true
		}
	}
	return false
}

// captureHandler appends every record to a TestLogger. Attributes are kept
// on the record but groups are flattened away.
type captureHandler struct {
	logs  *TestLogger
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(h.attrs...)

	h.logs.mu.Lock()
	h.logs.entries = append(h.logs.entries, r)
	h.logs.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &captureHandler{logs: h.logs, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

// WaitFor polls condition every 10ms until it holds or timeout passes
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is the part of *testing.T that WaitFor needs
type TestingT interface {
	Errorf(format string, args ...interface{})
}
