// Package config loads tether's configuration from defaults, a TOML file and
// TETHER_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/livinlefevreloca/tether/internal/api"
	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/db"
	"github.com/livinlefevreloca/tether/internal/history"
	"github.com/livinlefevreloca/tether/internal/logging"
	"github.com/livinlefevreloca/tether/internal/netmon"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. TETHER_DATABASE_DSN
const EnvPrefix = "TETHER"

// Config represents the application configuration
type Config struct {
	Database     db.Config           `toml:"database"`
	Queue        queue.Config        `toml:"queue"`
	Conflict     conflict.Config     `toml:"conflict"`
	Network      netmon.Config       `toml:"network"`
	Orchestrator orchestrator.Config `toml:"orchestrator"`
	Remote       remote.Config       `toml:"remote"`
	History      history.Config      `toml:"history"`
	API          api.Config          `toml:"api"`
	Logging      logging.Config      `toml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:     db.DefaultConfig(),
		Queue:        queue.DefaultConfig(),
		Conflict:     conflict.DefaultConfig(),
		Network:      netmon.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Remote:       remote.DefaultConfig(),
		History:      history.DefaultConfig(),
		API:          api.DefaultConfig(),
		Logging:      logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. TETHER_* environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides fields from the environment. The variable for a key is
// the prefix plus the upper-cased section and key joined by underscores:
// remote.base_url is read from TETHER_REMOTE_BASE_URL.
func ApplyEnv(config *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root := reflect.ValueOf(config).Elem()
	for i := 0; i < root.NumField(); i++ {
		section := tomlName(root.Type().Field(i))
		if section == "" {
			continue
		}
		sv := root.Field(i)
		for j := 0; j < sv.NumField(); j++ {
			name := tomlName(sv.Type().Field(j))
			if name == "" {
				continue
			}
			key := section + "." + name
			if !v.IsSet(key) {
				continue
			}
			if err := setField(sv.Field(j), v.GetString(key)); err != nil {
				return fmt.Errorf("invalid %s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), err)
			}
		}
	}
	return nil
}

func tomlName(f reflect.StructField) string {
	tag := f.Tag.Get("toml")
	if tag == "-" || !f.IsExported() {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// OrchestratorConfig returns the orchestrator section with the conflict
// strategy from the [conflict] section applied
func (c *Config) OrchestratorConfig() orchestrator.Config {
	oc := c.Orchestrator
	oc.ConflictStrategy = c.Conflict.Strategy
	return oc
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must be specified")
	}

	sections := []struct {
		name     string
		validate func() error
	}{
		{"queue", c.Queue.Validate},
		{"conflict", c.Conflict.Validate},
		{"network", c.Network.Validate},
		{"orchestrator", c.OrchestratorConfig().Validate},
		{"remote", c.Remote.Validate},
		{"history", c.History.Validate},
		{"api", c.API.Validate},
		{"logging", c.Logging.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
