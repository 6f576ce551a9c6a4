package api

import (
	"fmt"
	"time"
)

// Config defines the HTTP API server
type Config struct {
	// Address to listen on, empty disables the API
	Listen string `toml:"listen"`

	// Bearer token required on /api/v1 and /ws, empty disables auth
	Token string `toml:"token"`

	// Upper bound on a pessimistic enqueue waiting for its ack
	EnqueueTimeout time.Duration `toml:"enqueue_timeout"`

	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`

	// Mailbox size for each WebSocket client
	StreamBuffer int `toml:"stream_buffer"`
}

// DefaultConfig returns API defaults
func DefaultConfig() Config {
	return Config{
		Listen:            "127.0.0.1:8080",
		EnqueueTimeout:    10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		StreamBuffer:      32,
	}
}

func validateConfig(config Config) error {
	if config.EnqueueTimeout <= 0 {
		return fmt.Errorf("EnqueueTimeout must be positive, got %v", config.EnqueueTimeout)
	}
	if config.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("ReadHeaderTimeout must be positive, got %v", config.ReadHeaderTimeout)
	}
	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", config.ShutdownTimeout)
	}
	if config.StreamBuffer <= 0 {
		return fmt.Errorf("StreamBuffer must be positive, got %d", config.StreamBuffer)
	}
	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}
