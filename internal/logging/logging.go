// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging settings
type Config struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	// Rotated log file; empty logs to the console writer only
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// DefaultConfig returns logging defaults
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// ParseLevel converts a level name into a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("unknown log level: %q (must be debug, info, warn, or error)", level)
	}
	return l, nil
}

func validateConfig(config Config) error {
	if _, err := ParseLevel(config.Level); err != nil {
		return err
	}
	if config.Format != "text" && config.Format != "json" {
		return fmt.Errorf("unknown log format: %q (must be text or json)", config.Format)
	}
	if config.File != "" {
		if config.MaxSizeMB <= 0 {
			return fmt.Errorf("MaxSizeMB must be positive, got %d", config.MaxSizeMB)
		}
		if config.MaxBackups < 0 || config.MaxAgeDays < 0 {
			return fmt.Errorf("MaxBackups and MaxAgeDays must not be negative")
		}
	}
	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// New builds a logger writing to console and, when File is set, to a
// rotated file as well. The returned closer releases the file.
func New(config Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	if err := validateConfig(config); err != nil {
		return nil, nil, err
	}
	level, _ := ParseLevel(config.Level)

	var out io.Writer = console
	var closer io.Closer = nopCloser{}
	if config.File != "" {
		file := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		closer = file
		if console != nil {
			out = io.MultiWriter(console, file)
		} else {
			out = file
		}
	}
	if out == nil {
		out = io.Discard
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
