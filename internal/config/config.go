// Package config loads the daemon settings from ~/.chatsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("250ms", "5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	SelfUserID     string  `toml:"self_user_id"`
	PageSize       int     `toml:"page_size"`
	Retry          Retry   `toml:"retry"`
	Remote         Remote  `toml:"remote"`
	Metrics        Metrics `toml:"metrics"`
}

// Retry bounds local store retries.
type Retry struct {
	Attempts  int      `toml:"attempts"`
	BaseDelay Duration `toml:"base_delay"`
	MaxDelay  Duration `toml:"max_delay"`
}

// Remote selects and configures the remote feed.
type Remote struct {
	Driver string      `toml:"driver"` // "mongo" or "memory"
	Mongo  MongoConfig `toml:"mongo"`
	Redis  RedisConfig `toml:"redis"`
	Writes Writes      `toml:"writes"`
}

type MongoConfig struct {
	URI          string `toml:"uri"`
	Database     string `toml:"database"`
	Collection   string `toml:"collection"`
	InitialLimit int    `toml:"initial_limit"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// Writes tunes fire-and-forget remote writes.
type Writes struct {
	Rate        float64  `toml:"rate"`
	Burst       int      `toml:"burst"`
	MaxFailures uint32   `toml:"max_failures"`
	OpenTimeout Duration `toml:"open_timeout"`
	CallTimeout Duration `toml:"call_timeout"`
}

// Metrics configures the Prometheus endpoint. An empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Default returns the settings used when no config file exists.
func Default() *Config {
	return &Config{
		PageSize: 50,
		Retry: Retry{
			Attempts:  5,
			BaseDelay: Duration{100 * time.Millisecond},
			MaxDelay:  Duration{5 * time.Second},
		},
		Remote: Remote{
			Driver: DriverMemory,
			Mongo: MongoConfig{
				URI:          "mongodb://localhost:27017",
				Database:     "chatsync",
				Collection:   "messages",
				InitialLimit: 50,
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "chatsync",
			},
			Writes: Writes{
				Rate:        20,
				Burst:       40,
				MaxFailures: 5,
				OpenTimeout: Duration{30 * time.Second},
				CallTimeout: Duration{10 * time.Second},
			},
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.BaseDelay.Duration <= 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	switch c.Remote.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Remote.Mongo.URI == "" || c.Remote.Mongo.Database == "" {
			return errors.New("remote.mongo.uri and remote.mongo.database are required")
		}
		if c.Remote.Redis.Addr == "" {
			return errors.New("remote.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown remote.driver %q", c.Remote.Driver)
	}
	if c.Remote.Writes.Rate < 0 || c.Remote.Writes.Burst < 0 {
		return errors.New("remote.writes rate and burst must not be negative")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
