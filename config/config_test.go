package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_JWT_SECRET", "jwt-secret")
	t.Setenv("RELAY_MASTER_SECRET", "master-secret")
}

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	setSecrets(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, "jwt-secret", cfg.JWTSecret)
	require.Equal(t, "master-secret", cfg.MasterSecret)
}

func TestLoadParsesTOML(t *testing.T) {
	setSecrets(t)

	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":9090"
api_key = "operator"
api_secret = "hunter2"

[retry]
max_attempts = 5
backoff_ms = 250
rate_per_second = 2.5
rate_burst = 4

[limits.context_overrides]
"gpt-4o" = 64000
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "operator", cfg.APIKey)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, int64(250), cfg.Retry.BackoffMs)
	require.Equal(t, 2.5, cfg.Retry.RatePerSecond)
	require.Equal(t, 64000, cfg.Limits.ContextOverrides["gpt-4o"])
}

func TestEnvOverridesFile(t *testing.T) {
	setSecrets(t)
	t.Setenv("RELAY_LISTEN_ADDR", ":7070")

	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr = ":9090"`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddr)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("RELAY_JWT_SECRET", "")
	t.Setenv("RELAY_MASTER_SECRET", "x")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("RELAY_JWT_SECRET", "x")
	t.Setenv("RELAY_MASTER_SECRET", "")
	_, err = Load("")
	require.Error(t, err)
}

func TestRetryBackoffDuration(t *testing.T) {
	r := Retry{BackoffMs: 1500}
	require.Equal(t, "1.5s", r.Backoff().String())
}
