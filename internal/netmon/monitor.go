// Package netmon observes connectivity and reports debounced online/offline
// transitions. Without a usable signal the monitor reports online.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/tether/internal/events"
)

// Change is published whenever the debounced connectivity state flips
type Change struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Signal is a source of raw connectivity observations. Run reports
// observations until ctx is done; repeated identical reports are fine.
type Signal interface {
	Name() string
	Run(ctx context.Context, report func(online bool)) error
}

// Monitor debounces a Signal into a stable connectivity state
type Monitor struct {
	config Config
	signal Signal
	logger *slog.Logger
	bus    *events.Bus[Change]

	mu     sync.Mutex
	online bool
	raw    bool
	timer  *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over signal. A nil signal never changes state.
func New(config Config, signal Signal, logger *slog.Logger) (*Monitor, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &Monitor{
		config: config,
		signal: signal,
		logger: logger,
		bus:    events.NewBus[Change]("netmon", 100*time.Millisecond, logger),
		online: true,
		raw:    true,
	}, nil
}

// NewFromConfig builds the signal named by config.Mode and wraps it in a
// monitor. The manual signal is returned so callers can drive it; it is nil
// in every other mode.
func NewFromConfig(config Config, logger *slog.Logger) (*Monitor, *ManualSignal, error) {
	if err := validateConfig(config); err != nil {
		return nil, nil, err
	}

	var signal Signal
	var manual *ManualSignal
	switch config.Mode {
	case ModeProbe:
		signal = NewProbeSignal(config.ProbeURL, config.ProbeInterval, config.ProbeTimeout)
	case ModeFile:
		signal = NewFileSignal(config.StatusFile, logger)
	case ModeManual:
		manual = NewManualSignal(true)
		signal = manual
	}

	m, err := New(config, signal, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, manual, nil
}

// IsOnline returns the current debounced state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a mailbox of state changes
func (m *Monitor) Subscribe(buffer int) *events.Subscription[Change] {
	return m.bus.Subscribe(buffer)
}

// OnChange calls fn on its own goroutine for every state change until the
// returned function is called
func (m *Monitor) OnChange(fn func(Change)) (unsubscribe func()) {
	return m.bus.Listen(8, fn)
}

// Start runs the signal in the background
func (m *Monitor) Start(ctx context.Context) error {
	if m.signal == nil {
		m.logger.Info("network monitor started without a signal, assuming online")
		return nil
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("network monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.signal.Run(ctx, m.Report)
		if err != nil && ctx.Err() == nil {
			// Stale but safe: keep the last known state
			m.logger.Warn("connectivity signal stopped",
				"signal", m.signal.Name(),
				"online", m.IsOnline(),
				"error", err)
		}
	}()

	m.logger.Info("network monitor started",
		"signal", m.signal.Name(),
		"debounce_window", m.config.DebounceWindow)
	return nil
}

// Stop halts the signal and any pending debounce, then closes subscriptions
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.bus.Close()
}

// Report feeds a raw observation into the debouncer
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	m.raw = online

	if m.config.DebounceWindow == 0 {
		m.mu.Unlock()
		m.settle()
		return
	}

	if m.timer == nil {
		m.timer = time.AfterFunc(m.config.DebounceWindow, m.settle)
	} else {
		m.timer.Reset(m.config.DebounceWindow)
	}
	m.mu.Unlock()
}

// settle commits the latest raw observation once the window has passed
func (m *Monitor) settle() {
	m.mu.Lock()
	if m.raw == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.raw
	change := Change{Online: m.online, At: time.Now()}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", change.Online)
	m.bus.Publish(change)
}
