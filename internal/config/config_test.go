package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.StoreURL, cfg.StoreURL)
	assert.Equal(t, d.RequestLimit, cfg.RequestLimit)
	assert.Equal(t, d.SweepInterval, cfg.SweepInterval)
	assert.Equal(t, []string{"dummy"}, cfg.Platforms)
	assert.Equal(t, SpawnerInProcess, cfg.Spawner)

	// Generated identity.
	assert.Len(t, cfg.ParentSecret, 64)
	assert.Len(t, cfg.ParentID, 16)

	other, err := Load(New(), "")
	require.NoError(t, err)
	assert.NotEqual(t, cfg.ParentSecret, other.ParentSecret)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sockethub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  url: postgres://gw@db/sockethub
parent:
  id: gw-1
  secret: fixed
ratelimit:
  requests: 5
  window: 2s
platforms:
  enabled: [dummy, irc]
  spawner: EXEC
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://gw@db/sockethub", cfg.StoreURL)
	assert.Equal(t, "gw-1", cfg.ParentID)
	assert.Equal(t, "fixed", cfg.ParentSecret)
	assert.Equal(t, 5, cfg.RequestLimit)
	assert.Equal(t, 2*time.Second, cfg.Window)
	assert.Equal(t, []string{"dummy", "irc"}, cfg.Platforms)
	assert.Equal(t, SpawnerExec, cfg.Spawner)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sockethub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ratelimit:\n  requests: 5\n"), 0o600))
	t.Setenv("SOCKETHUB_RATELIMIT_REQUESTS", "9")
	t.Setenv("SOCKETHUB_STORE_URL", "sqlite:///tmp/env.db")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.RequestLimit)
	assert.Equal(t, "sqlite:///tmp/env.db", cfg.StoreURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store", func(c *Config) { c.StoreURL = "" }},
		{"no retries", func(c *Config) { c.RetryAttempts = 0 }},
		{"zero limit", func(c *Config) { c.RequestLimit = 0 }},
		{"zero session limit", func(c *Config) { c.SessionLimit = 0 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"negative block", func(c *Config) { c.BlockDuration = -time.Second }},
		{"zero sweep", func(c *Config) { c.SweepInterval = 0 }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"bad spawner", func(c *Config) { c.Spawner = "fork" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
