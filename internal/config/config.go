package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recognized option names for the host configuration interface.
const (
	OptionParserTimeoutMS = "ICAL-PARSER-TIMEOUT-MS"

	DefaultParserTimeoutMS = 500
	MinParserTimeoutMS     = 1
	MaxParserTimeoutMS     = 60000
)

// Config is the top-level server configuration.
type Config struct {
	// Listen is the HTTP listen address for the command API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel selects the zerolog level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ParserTimeoutMS bounds property and query parsing, in
	// milliseconds. Clamped to [1, 60000].
	ParserTimeoutMS int `yaml:"parser_timeout_ms" json:"parser_timeout_ms"`

	// SnapshotDir is where calendar snapshots are written. Empty
	// disables snapshotting.
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`

	// SnapshotCron is a cron-style schedule for periodic snapshots.
	SnapshotCron string `yaml:"snapshot_cron" json:"snapshot_cron"`

	// RedisURL, if set, enables publishing keyspace notifications to
	// Redis pub/sub (e.g. "redis://localhost:6379/0").
	RedisURL string `yaml:"redis_url" json:"redis_url"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		LogLevel:        "info",
		ParserTimeoutMS: DefaultParserTimeoutMS,
		SnapshotDir:     "",
		SnapshotCron:    "*/15 * * * *",
	}
}

// Normalize fills missing/zero values with defaults and clamps bounded
// options so partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ParserTimeoutMS == 0 {
		c.ParserTimeoutMS = DefaultParserTimeoutMS
	}
	if c.ParserTimeoutMS < MinParserTimeoutMS {
		c.ParserTimeoutMS = MinParserTimeoutMS
	}
	if c.ParserTimeoutMS > MaxParserTimeoutMS {
		c.ParserTimeoutMS = MaxParserTimeoutMS
	}
	if c.SnapshotCron == "" {
		c.SnapshotCron = "*/15 * * * *"
	}
}

// ApplyOption sets one recognized option by its external name.
func (c *Config) ApplyOption(name, value string) error {
	switch strings.ToUpper(name) {
	case OptionParserTimeoutMS:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("option %s requires an integer, got %q", OptionParserTimeoutMS, value)
		}
		if n < MinParserTimeoutMS || n > MaxParserTimeoutMS {
			return fmt.Errorf("option %s must be within [%d, %d], got %d",
				OptionParserTimeoutMS, MinParserTimeoutMS, MaxParserTimeoutMS, n)
		}
		c.ParserTimeoutMS = n
		return nil
	default:
		return fmt.Errorf("unknown configuration option %q", name)
	}
}

// ApplyEnv overlays configuration from environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ICALQ_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("ICALQ_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ICAL_PARSER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ParserTimeoutMS = n
		}
	}
	if v := os.Getenv("ICALQ_SNAPSHOT_DIR"); v != "" {
		c.SnapshotDir = v
	}
	if v := os.Getenv("ICALQ_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	c.Normalize()
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there with
// 0600 permissions and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with
// 0600 permissions, creating the parent directory as needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".icalq-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
