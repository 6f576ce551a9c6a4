package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livinlefevreloca/tether/internal/testutil"
)

func newMonitor(t *testing.T, window time.Duration, signal Signal) *Monitor {
	t.Helper()
	config := DefaultConfig()
	config.DebounceWindow = window
	m, err := New(config, signal, testutil.NewTestLogger().Logger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"manual", func(c *Config) { c.Mode = ModeManual }, false},
		{"probe without url", func(c *Config) { c.Mode = ModeProbe }, true},
		{"probe", func(c *Config) { c.Mode = ModeProbe; c.ProbeURL = "http://localhost/health" }, false},
		{"file without path", func(c *Config) { c.Mode = ModeFile }, true},
		{"unknown mode", func(c *Config) { c.Mode = "carrier-pigeon" }, true},
		{"negative window", func(c *Config) { c.DebounceWindow = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			if err := validateConfig(config); (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitor_DefaultsOnlineWithoutSignal(t *testing.T) {
	m := newMonitor(t, 0, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !m.IsOnline() {
		t.Error("expected monitor to default to online")
	}
}

func TestMonitor_PublishesChanges(t *testing.T) {
	m := newMonitor(t, 0, nil)
	sub := m.Subscribe(4)

	m.Report(false)
	m.Report(false)
	m.Report(true)

	want := []bool{false, true}
	for _, w := range want {
		select {
		case c := <-sub.C():
			if c.Online != w {
				t.Errorf("expected online=%v, got %v", w, c.Online)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}

	select {
	case c := <-sub.C():
		t.Errorf("unexpected extra change %+v", c)
	default:
	}
}

func TestMonitor_DebounceCollapsesFlapping(t *testing.T) {
	m := newMonitor(t, 50*time.Millisecond, nil)

	var changes atomic.Int32
	stop := m.OnChange(func(Change) { changes.Add(1) })
	defer stop()

	// Flap faster than the window, ending offline
	for i := 0; i < 10; i++ {
		m.Report(i%2 == 1)
	}
	m.Report(false)

	if !m.IsOnline() {
		t.Error("state must not change before the window passes")
	}

	testutil.WaitFor(t, func() bool { return !m.IsOnline() }, time.Second, "monitor to settle offline")
	time.Sleep(100 * time.Millisecond)
	if n := changes.Load(); n != 1 {
		t.Errorf("expected exactly one change, got %d", n)
	}
}

func TestMonitor_FlapBackToSameStateIsSilent(t *testing.T) {
	m := newMonitor(t, 30*time.Millisecond, nil)
	sub := m.Subscribe(4)

	m.Report(false)
	m.Report(true)

	time.Sleep(100 * time.Millisecond)
	select {
	case c := <-sub.C():
		t.Errorf("expected no change, got %+v", c)
	default:
	}
}

func TestManualSignal(t *testing.T) {
	signal := NewManualSignal(true)
	m := newMonitor(t, 0, signal)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	testutil.WaitFor(t, func() bool { return m.IsOnline() }, time.Second, "initial state")

	signal.Set(false)
	testutil.WaitFor(t, func() bool { return !m.IsOnline() }, time.Second, "offline")
	if signal.State() {
		t.Error("expected manual signal to remember its state")
	}

	signal.Set(true)
	testutil.WaitFor(t, func() bool { return m.IsOnline() }, time.Second, "online")
}

func TestProbeSignal(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newMonitor(t, 0, NewProbeSignal(srv.URL, 10*time.Millisecond, time.Second))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	healthy.Store(false)
	testutil.WaitFor(t, func() bool { return !m.IsOnline() }, 2*time.Second, "probe to report offline")

	healthy.Store(true)
	testutil.WaitFor(t, func() bool { return m.IsOnline() }, 2*time.Second, "probe to report online")
}

func TestProbeSignal_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := newMonitor(t, 0, NewProbeSignal(url, 10*time.Millisecond, 100*time.Millisecond))
	m.Start(context.Background())

	testutil.WaitFor(t, func() bool { return !m.IsOnline() }, 2*time.Second, "unreachable probe to report offline")
}

func TestFileSignal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network")
	if err := os.WriteFile(path, []byte("online\n"), 0644); err != nil {
		t.Fatalf("failed to write status file: %v", err)
	}

	logger := testutil.NewTestLogger()
	m := newMonitor(t, 0, NewFileSignal(path, logger.Logger()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Give the watcher time to register
	time.Sleep(50 * time.Millisecond)

	os.WriteFile(path, []byte("offline\n"), 0644)
	testutil.WaitFor(t, func() bool { return !m.IsOnline() }, 2*time.Second, "file to report offline")

	os.WriteFile(path, []byte("garbage"), 0644)
	time.Sleep(50 * time.Millisecond)
	if m.IsOnline() {
		t.Error("unrecognised content must not change state")
	}

	os.WriteFile(path, []byte("online"), 0644)
	testutil.WaitFor(t, func() bool { return m.IsOnline() }, 2*time.Second, "file to report online")
}

func TestNewFromConfig(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeManual

	m, manual, err := NewFromConfig(config, testutil.NewTestLogger().Logger())
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	defer m.Stop()
	if manual == nil {
		t.Fatal("expected a manual signal in manual mode")
	}

	config.Mode = ModeNone
	m2, manual2, err := NewFromConfig(config, testutil.NewTestLogger().Logger())
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	defer m2.Stop()
	if manual2 != nil {
		t.Error("expected no manual signal outside manual mode")
	}
}
