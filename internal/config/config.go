// Package config loads the server configuration from the environment and an
// optional YAML file named by CONFIG_FILE. Environment variables win over the
// file; both win over defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// maxAmountLimit caps max_amount at 1e18.
const maxAmountLimit = 1_000_000_000_000_000_000

// Config is the server configuration.
type Config struct {
	Port               string        `mapstructure:"port"`
	DatabaseURL        string        `mapstructure:"database_url"`
	RedisURL           string        `mapstructure:"redis_url"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	ExpirySchedule     string        `mapstructure:"expiry_schedule"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries"`
	MaxAmount          int64         `mapstructure:"max_amount"`
	ResolverIDs        []string      `mapstructure:"-"`
	LogLevel           string        `mapstructure:"log_level"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// Load reads the configuration. A CONFIG_FILE that cannot be read is an
// error; an unset one is not.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("expiry_schedule", "@every 30s")
	v.SetDefault("max_conflict_retries", 3)
	v.SetDefault("max_amount", int64(1_000_000_000_000))
	v.SetDefault("resolver_ids", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("request_timeout", "30s")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.ResolverIDs = splitList(v.GetStringSlice("resolver_ids"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList flattens comma separated entries, as an env var arrives as a
// single element while a YAML list arrives as many.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validate checks value ranges and the expiry schedule syntax.
func (c Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("config: invalid port %q", c.Port)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: cache_ttl must be positive, got %s", c.CacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxConflictRetries < 1 {
		return fmt.Errorf("config: max_conflict_retries must be at least 1, got %d", c.MaxConflictRetries)
	}
	if c.MaxAmount < 1 || c.MaxAmount > maxAmountLimit {
		return fmt.Errorf("config: max_amount must be between 1 and %d, got %d", int64(maxAmountLimit), c.MaxAmount)
	}
	if _, err := cron.ParseStandard(c.ExpirySchedule); err != nil {
		return fmt.Errorf("config: expiry_schedule %q: %w", c.ExpirySchedule, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log_level %q: %w", s, err)
	}
	return lvl, nil
}
