package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the static service configuration. Runtime tunables
// (provider timeout, reasoning defaults) live in the settings table
// and are snapshotted per request instead.
type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	TrafficDir   string `toml:"traffic_dir"`

	// APIKey/APISecret gate JWT token minting on the HTTP surface.
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`

	Retry  Retry  `toml:"retry"`
	Limits Limits `toml:"limits"`

	// Secrets are only ever read from the environment.
	JWTSecret    string `toml:"-"`
	MasterSecret string `toml:"-"`
}

// Retry bounds the 429 backoff-and-retry loop of the provider
// requester.
type Retry struct {
	MaxAttempts int   `toml:"max_attempts"`
	BackoffMs   int64 `toml:"backoff_ms"`
	// Outbound requests per second across all turns; zero disables
	// client-side pacing.
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`
}

// Backoff returns the retry delay as a duration.
func (r Retry) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// Limits overrides the per-model context/completion token limits.
type Limits struct {
	ContextOverrides    map[string]int `toml:"context_overrides"`
	CompletionOverrides map[string]int `toml:"completion_overrides"`
}

func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		DataDir:      "data",
		DatabasePath: "data/relay.db",
		TrafficDir:   "data/traffic",
		Retry: Retry{
			MaxAttempts: 3,
			BackoffMs:   1500,
		},
	}
}

// Load reads the TOML config at path, falling back to defaults when
// the file is absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RELAY_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("RELAY_TRAFFIC_DIR"); v != "" {
		cfg.TrafficDir = v
	}
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("RELAY_API_SECRET"); v != "" {
		cfg.APISecret = v
	}
	cfg.JWTSecret = os.Getenv("RELAY_JWT_SECRET")
	cfg.MasterSecret = os.Getenv("RELAY_MASTER_SECRET")

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("RELAY_JWT_SECRET is not set")
	}
	if cfg.MasterSecret == "" {
		return nil, fmt.Errorf("RELAY_MASTER_SECRET is not set")
	}

	return cfg, nil
}
