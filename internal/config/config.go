package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrMissingCredentials indicates the remote section lacks the fields
// needed to reach the backend. The daemon surfaces it once at startup and
// runs with sync and streaming disabled rather than crashing.
var ErrMissingCredentials = errors.New("remote credentials not configured")

// Remote kinds accepted in the [remote] section.
const (
	RemoteKindHTTP     = "http"
	RemoteKindPostgres = "postgres"
)

// Config represents the global ~/.cove/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Remote Remote `toml:"remote"`
	Sync   Sync   `toml:"sync"`
	Stream Stream `toml:"stream"`
}

// Remote configures how the engine reaches the authoritative store.
// Kind selects the client: "http" for the hosted row API, "postgres"
// for self-hosted deployments that talk straight to the backing database.
type Remote struct {
	Kind    string `toml:"kind"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	DSN     string `toml:"dsn"`
	UserID  string `toml:"user_id"`
}

// Sync configures the engine's trigger cadence and network bounds.
type Sync struct {
	IntervalSeconds int `toml:"interval_seconds"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
}

// Stream configures the chat streaming transport.
type Stream struct {
	Endpoint           string `toml:"endpoint"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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

// Default returns a config with defaults applied and no remote configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Remote.Kind == "" {
		c.Remote.Kind = RemoteKindHTTP
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 300
	}
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = 30
	}
	if c.Stream.IdleTimeoutSeconds <= 0 {
		c.Stream.IdleTimeoutSeconds = 60
	}
}

// ValidateRemote checks that the configured remote kind has the fields it
// needs. Returns ErrMissingCredentials when the backend is unreachable by
// configuration rather than by network.
func (c *Config) ValidateRemote() error {
	if c.Remote.UserID == "" {
		return ErrMissingCredentials
	}
	switch c.Remote.Kind {
	case RemoteKindPostgres:
		if c.Remote.DSN == "" {
			return ErrMissingCredentials
		}
	default:
		if c.Remote.BaseURL == "" || c.Remote.APIKey == "" {
			return ErrMissingCredentials
		}
	}
	return nil
}

// SyncInterval returns the periodic sync trigger interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// SyncTimeout returns the bound applied to each pull/push network call.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Sync.TimeoutSeconds) * time.Second
}

// StreamIdleTimeout returns the inactivity bound for stream reads.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.Stream.IdleTimeoutSeconds) * time.Second
}
