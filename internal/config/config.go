// Package config loads the relay configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Queue   QueueConfig   `yaml:"queue"`
	Session SessionConfig `yaml:"session"`
	Reload  ReloadConfig  `yaml:"reload"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Logging LoggingConfig `yaml:"logging"`
}

// QueueConfig selects and tunes the durable queue backend.
type QueueConfig struct {
	// Driver is one of "local", "sqlite", "postgres". "local" runs the
	// in-process priority queue without a durable backend.
	Driver string `yaml:"driver"`

	// Path is the SQLite database file for the sqlite driver.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`

	PollIntervalMS int `yaml:"poll_interval_ms"`

	// Retention for finished jobs, in minutes.
	CompletedRetentionMin int `yaml:"completed_retention_min"`
	FailedRetentionMin    int `yaml:"failed_retention_min"`
}

// SessionConfig tunes the tool-session manager timeouts.
type SessionConfig struct {
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	CloseTimeoutMS   int `yaml:"close_timeout_ms"`
}

// ReloadConfig tunes the shared-state reload watcher.
type ReloadConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// DedupConfig tunes the dispatch dedup window.
type DedupConfig struct {
	TTLMS      int `yaml:"ttl_ms"`
	MaxEntries int `yaml:"max_entries"`
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Queue: QueueConfig{
			Driver:                "sqlite",
			PollIntervalMS:        250,
			CompletedRetentionMin: 10,
			FailedRetentionMin:    24 * 60,
		},
		Session: SessionConfig{
			ConnectTimeoutMS: int(5 * time.Minute / time.Millisecond),
			CloseTimeoutMS:   int(10 * time.Second / time.Millisecond),
		},
		Reload: ReloadConfig{PollIntervalMS: 2000},
		Dedup:  DedupConfig{TTLMS: 60000, MaxEntries: 10000},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults, expands ${ENV}
// references, then applies RELAY_* environment overrides. An empty path
// yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RELAY_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("RELAY_QUEUE_PATH"); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv("RELAY_QUEUE_DSN"); v != "" {
		cfg.Queue.DSN = v
	}
	overrideInt("RELAY_CONNECT_TIMEOUT_MS", &cfg.Session.ConnectTimeoutMS)
	overrideInt("RELAY_CLOSE_TIMEOUT_MS", &cfg.Session.CloseTimeoutMS)
	overrideInt("RELAY_RELOAD_POLL_MS", &cfg.Reload.PollIntervalMS)
	overrideInt("RELAY_DEDUP_TTL_MS", &cfg.Dedup.TTLMS)
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func overrideInt(env string, target *int) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = n
	}
}

func (c *Config) validate() error {
	switch c.Queue.Driver {
	case "local", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "postgres" && c.Queue.DSN == "" {
		return fmt.Errorf("queue driver postgres requires a dsn")
	}
	if c.Session.ConnectTimeoutMS <= 0 || c.Session.CloseTimeoutMS <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Reload.PollIntervalMS <= 0 {
		return fmt.Errorf("reload poll interval must be positive")
	}
	return nil
}

// ConnectTimeout returns the session connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Session.ConnectTimeoutMS) * time.Millisecond
}

// CloseTimeout returns the session close timeout.
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.Session.CloseTimeoutMS) * time.Millisecond
}

// ReloadPollInterval returns the shared-state poll interval.
func (c *Config) ReloadPollInterval() time.Duration {
	return time.Duration(c.Reload.PollIntervalMS) * time.Millisecond
}

// DedupTTL returns the dedup window TTL.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLMS) * time.Millisecond
}

// QueuePollInterval returns the worker poll interval.
func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

// CompletedRetention returns the completed-job retention.
func (c *Config) CompletedRetention() time.Duration {
	return time.Duration(c.Queue.CompletedRetentionMin) * time.Minute
}

// FailedRetention returns the failed-job retention.
func (c *Config) FailedRetention() time.Duration {
	return time.Duration(c.Queue.FailedRetentionMin) * time.Minute
}
