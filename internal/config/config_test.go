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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "accounts.json", cfg.Accounts.Path)
	assert.Equal(t, 10, cfg.Accounts.Max)
	assert.True(t, cfg.Accounts.Watch)
	assert.True(t, cfg.Dispatch.FallbackEnabled)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.DefaultCooldown)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.MaxWait)
	assert.Equal(t, 5, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 2, cfg.Dispatch.MaxEmptyRetries)
	assert.Equal(t, 16384, cfg.Upstream.GeminiMaxOutputTokens)
	assert.Equal(t, 2*time.Hour, cfg.Upstream.SignatureTTL)
	require.Len(t, cfg.Upstream.Endpoints, 2)
	assert.Contains(t, cfg.Upstream.Endpoints[0], "daily-")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  token: ${TEST_RELAY_TOKEN}

accounts:
  path: /var/lib/cloudrelay/accounts.json
  max: 4

dispatch:
  fallback_enabled: false
  default_cooldown: 5s

upstream:
  endpoints:
    - https://upstream.example.com
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// t.Setenv auto-restores the original value when the test finishes.
	t.Setenv("TEST_RELAY_TOKEN", "relay-secret")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "relay-secret", cfg.Server.Token)
	assert.Equal(t, "/var/lib/cloudrelay/accounts.json", cfg.Accounts.Path)
	assert.Equal(t, 4, cfg.Accounts.Max)
	assert.False(t, cfg.Dispatch.FallbackEnabled)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.DefaultCooldown)
	assert.Equal(t, []string{"https://upstream.example.com"}, cfg.Upstream.Endpoints)

	// Keys the file does not mention keep their defaults.
	assert.Equal(t, 5, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 2*time.Hour, cfg.Upstream.SignatureTTL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CLOUDRELAY_SERVER__PORT", "3000")
	t.Setenv("CLOUDRELAY_DISPATCH__MAX_RETRIES", "9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 9, cfg.Dispatch.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
