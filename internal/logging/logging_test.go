package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	config := DefaultConfig()
	config.Format = "json"
	config.Level = "warn"

	var buf bytes.Buffer
	logger, closer, err := New(config, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("queue item dead-lettered", "item_id", "q1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "queue item dead-lettered", entry["msg"])
	assert.Equal(t, "q1", entry["item_id"])
}

func TestNew_WritesRotatedFile(t *testing.T) {
	config := DefaultConfig()
	config.File = filepath.Join(t.TempDir(), "tether.log")

	var console bytes.Buffer
	logger, closer, err := New(config, &console)
	require.NoError(t, err)

	logger.Info("state transition", "to", "syncing")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(config.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "state transition")
	assert.Contains(t, console.String(), "state transition")
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Level = "verbose" },
		func(c *Config) { c.Format = "xml" },
		func(c *Config) { c.File = "x.log"; c.MaxSizeMB = 0 },
	}
	for i, modify := range bad {
		config := DefaultConfig()
		modify(&config)
		assert.Error(t, config.Validate(), "case %d", i)
	}
}
