package netmon

import (
	"fmt"
	"time"
)

// Signal modes
const (
	ModeNone   = "none"
	ModeProbe  = "probe"
	ModeFile   = "file"
	ModeManual = "manual"
)

// Config defines how connectivity is observed
type Config struct {
	// Which signal drives the monitor: none, probe, file, or manual
	Mode string `toml:"mode"`

	// Transitions closer together than this collapse into the final state
	DebounceWindow time.Duration `toml:"debounce_window"`

	// Probe signal
	ProbeURL      string        `toml:"probe_url"`
	ProbeInterval time.Duration `toml:"probe_interval"`
	ProbeTimeout  time.Duration `toml:"probe_timeout"`

	// File signal: a file containing "online" or "offline"
	StatusFile string `toml:"status_file"`
}

// DefaultConfig returns monitor defaults
func DefaultConfig() Config {
	return Config{
		Mode:           ModeNone,
		DebounceWindow: 300 * time.Millisecond,
		ProbeInterval:  10 * time.Second,
		ProbeTimeout:   3 * time.Second,
	}
}

// validateConfig validates monitor configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.DebounceWindow < 0 {
		return fmt.Errorf("DebounceWindow must not be negative, got %v", config.DebounceWindow)
	}

	switch config.Mode {
	case ModeNone, ModeManual:
	case ModeProbe:
		if config.ProbeURL == "" {
			return fmt.Errorf("ProbeURL is required in probe mode")
		}
		if config.ProbeInterval <= 0 {
			return fmt.Errorf("ProbeInterval must be positive, got %v", config.ProbeInterval)
		}
		if config.ProbeTimeout <= 0 {
			return fmt.Errorf("ProbeTimeout must be positive, got %v", config.ProbeTimeout)
		}
	case ModeFile:
		if config.StatusFile == "" {
			return fmt.Errorf("StatusFile is required in file mode")
		}
	default:
		return fmt.Errorf("unknown network mode: %q (must be none, probe, file, or manual)", config.Mode)
	}

	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}
