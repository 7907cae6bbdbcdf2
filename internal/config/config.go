// Package config loads leadsync settings from defaults, an optional YAML file
// and LEADSYNC_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultPollJitter     = 0.2
	DefaultRequestTimeout = 8 * time.Second
	DefaultMaxRetries     = 2
	DefaultMaxActivity    = 500

	// EnvConfigFile names the YAML file to load when no path is given.
	EnvConfigFile = "LEADSYNC_CONFIG"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Endpoint       string        `yaml:"endpoint"`
	BackupDSN      string        `yaml:"backup_dsn"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollJitter     float64       `yaml:"poll_jitter"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	VerifySaves    bool          `yaml:"verify_saves"`
	MaxActivity    int           `yaml:"max_activity"`
	BusyMarker     string        `yaml:"busy_marker"`
	Log            Log           `yaml:"log"`
}

func Default() Config {
	return Config{
		BackupDSN:      DefaultBackupDSN(),
		PollInterval:   DefaultPollInterval,
		PollJitter:     DefaultPollJitter,
		RequestTimeout: DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
		VerifySaves:    true,
		MaxActivity:    DefaultMaxActivity,
		Log:            Log{Level: "info", Format: "json"},
	}
}

// DefaultBackupDSN points at a per-user directory, falling back to the
// working directory when the platform has none.
func DefaultBackupDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "file://" + filepath.Join(".", ".leadsync")
	}
	return "file://" + filepath.Join(dir, "leadsync")
}

// Load resolves the configuration. An empty path falls back to
// LEADSYNC_CONFIG; with neither set no file is read. lookup defaults to
// os.Getenv.
func Load(path string, lookup func(string) string, logger *zap.Logger) (Config, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(lookup(EnvConfigFile))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	env := NewEnv(lookup, logger)
	cfg.Endpoint = env.String("LEADSYNC_ENDPOINT", cfg.Endpoint)
	cfg.BackupDSN = env.String("LEADSYNC_BACKUP_DSN", cfg.BackupDSN)
	cfg.PollInterval = env.Duration("LEADSYNC_POLL_INTERVAL", cfg.PollInterval)
	cfg.PollJitter = env.Float("LEADSYNC_POLL_JITTER", cfg.PollJitter)
	cfg.RequestTimeout = env.Duration("LEADSYNC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxRetries = env.Int("LEADSYNC_MAX_RETRIES", cfg.MaxRetries)
	cfg.VerifySaves = env.Bool("LEADSYNC_VERIFY_SAVES", cfg.VerifySaves)
	cfg.MaxActivity = env.Int("LEADSYNC_MAX_ACTIVITY", cfg.MaxActivity)
	cfg.BusyMarker = env.String("LEADSYNC_BUSY_MARKER", cfg.BusyMarker)
	cfg.Log.Level = env.String("LEADSYNC_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.String("LEADSYNC_LOG_FORMAT", cfg.Log.Format)

	cfg.Sanitize()
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Sanitize replaces out-of-range values with defaults.
func (c *Config) Sanitize() {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.BackupDSN = strings.TrimSpace(c.BackupDSN)
	c.BusyMarker = strings.TrimSpace(c.BusyMarker)
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.PollJitter = ClampJitterRatio(c.PollJitter)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxActivity <= 0 {
		c.MaxActivity = DefaultMaxActivity
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// Env reads typed environment values. Values that do not parse are logged
// and replaced by the fallback.
type Env struct {
	lookup func(string) string
	logger *zap.Logger
}

// NewEnv defaults lookup to os.Getenv and logger to a no-op logger.
func NewEnv(lookup func(string) string, logger *zap.Logger) Env {
	if lookup == nil {
		lookup = os.Getenv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Env{lookup: lookup, logger: logger}
}

func (e Env) raw(name string) string {
	return strings.TrimSpace(e.lookup(name))
}

func (e Env) invalid(name, raw string, fallback any) {
	e.logger.Warn("invalid environment value, using fallback",
		zap.String("name", name), zap.String("value", raw), zap.Any("fallback", fallback))
}

func (e Env) String(name, fallback string) string {
	if value := e.raw(name); value != "" {
		return value
	}
	return fallback
}

func (e Env) Duration(name string, fallback time.Duration) time.Duration {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e Env) Float(name string, fallback float64) float64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e Env) Int(name string, fallback int) int {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e Env) Int64(name string, fallback int64) int64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e Env) Bool(name string, fallback bool) bool {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}
