package queue

import (
	"fmt"
	"time"
)

// Config defines retry and batching behaviour for the sync queue
type Config struct {
	// Attempts before an item is dead-lettered
	MaxAttempts int `toml:"max_attempts"`

	// Backoff: InitialDelay * BackoffMultiplier^(attempts-1), capped at MaxDelay
	InitialDelay      time.Duration `toml:"initial_delay"`
	BackoffMultiplier float64       `toml:"backoff_multiplier"`
	MaxDelay          time.Duration `toml:"max_delay"`

	// Largest batch handed out by PeekBatch
	BatchSize int `toml:"batch_size"`
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Minute,
		BatchSize:         50,
	}
}

// validateConfig validates queue configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", config.MaxAttempts)
	}

	if config.InitialDelay <= 0 {
		return fmt.Errorf("InitialDelay must be positive, got %v", config.InitialDelay)
	}

	if config.BackoffMultiplier < 1 {
		return fmt.Errorf("BackoffMultiplier must be at least 1, got %v", config.BackoffMultiplier)
	}

	if config.MaxDelay < config.InitialDelay {
		return fmt.Errorf("MaxDelay (%v) must not be less than InitialDelay (%v)", config.MaxDelay, config.InitialDelay)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}

	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// Backoff returns the delay before the next attempt after attempts failures
func (c Config) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < attempts; i++ {
		delay *= c.BackoffMultiplier
		if delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(delay)
}
