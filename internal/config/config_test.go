package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, "data/ingestd.db", cfg.Storage.Path)
	assert.Equal(t, 90, cfg.Storage.RetentionDays)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30, cfg.Breaker.CooldownSeconds)
	assert.Equal(t, 2, cfg.Upstream.MaxRetries)
	assert.Equal(t, 0.5, cfg.Upstream.JitterFraction)
	assert.Equal(t, 2000, cfg.Cache.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL["quote"].StaleAfter)
	assert.Equal(t, 15, cfg.Backfill.RunningLeaseMinutes)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listen_addr: ":9999"
breaker:
  failure_threshold: 3
cache:
  max_entries: 50
  ttl:
    quote:
      stale_after: 90s
      evict_after: 10m
backfill:
  symbols: [AAPL, NVDA]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL["quote"].StaleAfter)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL["quote"].EvictAfter)
	assert.Equal(t, []string{"AAPL", "NVDA"}, cfg.Backfill.Symbols)

	// Untouched sections keep defaults.
	assert.Equal(t, 90, cfg.Storage.RetentionDays)
	assert.Equal(t, 30, cfg.Breaker.CooldownSeconds)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  path: from-yaml.db\n"), 0o644))

	t.Setenv("INGESTD_DB_PATH", "from-env.db")
	t.Setenv("INGESTD_API_KEY", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Storage.Path)
	assert.Equal(t, "secret", cfg.Upstream.APIKey)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "cache:\n  ttl:\n    quote:\n      stale_after: soon\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
