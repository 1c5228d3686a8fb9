// Package config loads engine configuration from YAML with FLUXOS_*
// environment overrides. Later sources win: defaults, then the config
// file, then the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxtopus/fluxos/internal/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "6h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RedisConfig locates the fast store and event bus.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig locates the durable store.
type DatabaseConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

// SchedulerConfig tunes the scheduling pass.
type SchedulerConfig struct {
	// MarkerTTL bounds the per-node idempotency marker lifetime.
	MarkerTTL Duration `yaml:"marker_ttl"`
}

// WorkerConfig tunes the background worker process.
type WorkerConfig struct {
	PoolSize      int      `yaml:"pool_size"`
	EventLockTTL  Duration `yaml:"event_lock_ttl"`
	SingletonTTL  Duration `yaml:"singleton_ttl"`
	DispatchQueue string   `yaml:"dispatch_queue"`
}

// CheckpointsConfig tunes checkpoint expiry.
type CheckpointsConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Config is the engine's full configuration.
type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Worker      WorkerConfig      `yaml:"worker"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Database: DatabaseConfig{Dialect: "sqlite", DSN: "fluxos.db"},
		Scheduler: SchedulerConfig{
			MarkerTTL: Duration(6 * time.Hour),
		},
		Worker: WorkerConfig{
			PoolSize:      8,
			EventLockTTL:  Duration(5 * time.Minute),
			SingletonTTL:  Duration(30 * time.Second),
			DispatchQueue: "fluxos:dispatch",
		},
		Checkpoints: CheckpointsConfig{SweepInterval: Duration(30 * time.Second)},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and FLUXOS_* environment variables, then validates it. An empty path
// skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Newf(errors.CodeConfigMissing, "read config %s", path).WithCause(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Newf(errors.CodeConfigInvalid, "parse config %s", path).WithCause(err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from FLUXOS_* variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	setString("FLUXOS_REDIS_URL", &cfg.Redis.URL)
	setString("FLUXOS_DB_DIALECT", &cfg.Database.Dialect)
	setString("FLUXOS_DB_DSN", &cfg.Database.DSN)
	setDuration("FLUXOS_MARKER_TTL", &cfg.Scheduler.MarkerTTL)
	setInt("FLUXOS_POOL_SIZE", &cfg.Worker.PoolSize)
	setDuration("FLUXOS_EVENT_LOCK_TTL", &cfg.Worker.EventLockTTL)
	setDuration("FLUXOS_SINGLETON_TTL", &cfg.Worker.SingletonTTL)
	setString("FLUXOS_DISPATCH_QUEUE", &cfg.Worker.DispatchQueue)
	setDuration("FLUXOS_SWEEP_INTERVAL", &cfg.Checkpoints.SweepInterval)
	setString("FLUXOS_LOG_LEVEL", &cfg.Log.Level)
	setString("FLUXOS_LOG_FORMAT", &cfg.Log.Format)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.New(errors.CodeConfigInvalid, "redis.url is required")
	}
	switch c.Database.Dialect {
	case "sqlite", "postgres":
	default:
		return errors.Newf(errors.CodeConfigInvalid, "database.dialect %q is not supported", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return errors.New(errors.CodeConfigInvalid, "database.dsn is required")
	}
	if c.Worker.PoolSize <= 0 {
		return errors.New(errors.CodeConfigInvalid, "worker.pool_size must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.CodeConfigInvalid, "log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Newf(errors.CodeConfigInvalid, "log.format %q is not supported", c.Log.Format)
	}
	return nil
}
