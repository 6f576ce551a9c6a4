package history

import (
	"fmt"
	"time"
)

// Config defines buffering for sync run history writes
type Config struct {
	// Maximum buffered reports before Buffer reports an error
	MaxBuffered int `toml:"max_buffered"`

	// Channel buffer size
	ChannelSize int `toml:"channel_size"`

	// Flushing - dual mechanism (size OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`

	// Runs older than this are pruned; zero keeps everything
	Retention time.Duration `toml:"retention"`
}

// DefaultConfig returns history defaults
func DefaultConfig() Config {
	return Config{
		MaxBuffered:    1000,
		ChannelSize:    64,
		FlushThreshold: 16,
		FlushInterval:  2 * time.Second,
		Retention:      30 * 24 * time.Hour,
	}
}

// validateConfig validates history configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.MaxBuffered <= 0 {
		return fmt.Errorf("MaxBuffered must be positive, got %d", config.MaxBuffered)
	}

	if config.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", config.ChannelSize)
	}

	if config.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", config.FlushThreshold)
	}

	if config.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", config.FlushInterval)
	}

	if config.Retention < 0 {
		return fmt.Errorf("Retention must not be negative, got %v", config.Retention)
	}

	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}
