package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads. Empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CONFIG_FILE", "PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL",
		"EXPIRY_SCHEDULE", "MAX_CONFLICT_RETRIES", "MAX_AMOUNT", "RESOLVER_IDS", "LOG_LEVEL", "REQUEST_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, "@every 30s", cfg.ExpirySchedule)
	assert.Equal(t, 3, cfg.MaxConflictRetries)
	assert.Equal(t, int64(1_000_000_000_000), cfg.MaxAmount)
	assert.Empty(t, cfg.ResolverIDs)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestLoad_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/outcomes")
	t.Setenv("CACHE_TTL", "5s")
	t.Setenv("MAX_CONFLICT_RETRIES", "7")
	t.Setenv("MAX_AMOUNT", "5000")
	t.Setenv("RESOLVER_IDS", "oracle-1, oracle-2,,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://localhost/outcomes", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 7, cfg.MaxConflictRetries)
	assert.Equal(t, int64(5000), cfg.MaxAmount)
	assert.Equal(t, []string{"oracle-1", "oracle-2"}, cfg.ResolverIDs)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	body := "port: \"7000\"\nexpiry_schedule: \"*/5 * * * *\"\nresolver_ids:\n  - judge\n  - panel\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	clearEnv(t)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "*/5 * * * *", cfg.ExpirySchedule)
	assert.Equal(t, []string{"judge", "panel"}, cfg.ResolverIDs)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel(), "env overrides file")
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Port: "8080", CacheTTL: time.Second, ExpirySchedule: "@every 1m",
		MaxConflictRetries: 1, MaxAmount: 100, LogLevel: "info", RequestTimeout: time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = "http" }},
		{"port range", func(c *Config) { c.Port = "70000" }},
		{"cache ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"timeout", func(c *Config) { c.RequestTimeout = -time.Second }},
		{"retries", func(c *Config) { c.MaxConflictRetries = 0 }},
		{"max amount", func(c *Config) { c.MaxAmount = 0 }},
		{"max amount limit", func(c *Config) { c.MaxAmount = 2_000_000_000_000_000_000 }},
		{"schedule", func(c *Config) { c.ExpirySchedule = "every so often" }},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
