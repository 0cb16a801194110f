package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Server struct {
	ListenAddr     string `yaml:"listen_addr" env:"INGESTD_LISTEN_ADDR"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

type Storage struct {
	Path          string `yaml:"path" env:"INGESTD_DB_PATH"`
	RetentionDays int    `yaml:"retention_days"`
}

type Upstream struct {
	QuoteBaseURL       string  `yaml:"quote_base_url" env:"INGESTD_QUOTE_BASE_URL"`
	MessageBaseURL     string  `yaml:"message_base_url" env:"INGESTD_MESSAGE_BASE_URL"`
	APIKey             string  `yaml:"api_key" env:"INGESTD_API_KEY"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
	MaxRetries         int     `yaml:"max_retries"`
	BackoffBaseMs      int     `yaml:"backoff_base_ms"`
	BackoffMaxMs       int     `yaml:"backoff_max_ms"`
	JitterFraction     float64 `yaml:"jitter_fraction"`
}

type Breaker struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// TTLPolicy sets how long a cached payload is fresh and how long past
// freshness it remains eligible for stale fallback.
type TTLPolicy struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	EvictAfter time.Duration `yaml:"evict_after"`
}

// UnmarshalYAML accepts duration strings ("5m", "1h30m") for the TTL fields.
func (p *TTLPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		StaleAfter string `yaml:"stale_after"`
		EvictAfter string `yaml:"evict_after"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if raw.StaleAfter != "" {
		if p.StaleAfter, err = time.ParseDuration(raw.StaleAfter); err != nil {
			return fmt.Errorf("stale_after: %w", err)
		}
	}
	if raw.EvictAfter != "" {
		if p.EvictAfter, err = time.ParseDuration(raw.EvictAfter); err != nil {
			return fmt.Errorf("evict_after: %w", err)
		}
	}
	return nil
}

type Cache struct {
	MaxEntries int                  `yaml:"max_entries"`
	TTL        map[string]TTLPolicy `yaml:"ttl"`
}

type Backfill struct {
	GapScanIntervalMinutes int      `yaml:"gap_scan_interval_minutes"`
	GapScanDays            int      `yaml:"gap_scan_days"`
	RunningLeaseMinutes    int      `yaml:"running_lease_minutes"`
	Symbols                []string `yaml:"symbols"`
}

type Root struct {
	Server   Server   `yaml:"server"`
	Storage  Storage  `yaml:"storage"`
	Upstream Upstream `yaml:"upstream"`
	Breaker  Breaker  `yaml:"breaker"`
	Cache    Cache    `yaml:"cache"`
	Backfill Backfill `yaml:"backfill"`
}

// Load reads the yaml config at path, fills defaults for zero values, then
// applies environment overrides. A missing file yields pure defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return c, err
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, err
			}
		}
	}

	applyDefaults(&c)

	if err := env.Parse(&c); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 15
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "data/ingestd.db"
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 90
	}

	if c.Upstream.QuoteBaseURL == "" {
		c.Upstream.QuoteBaseURL = "https://api.example-market.com"
	}
	if c.Upstream.MessageBaseURL == "" {
		c.Upstream.MessageBaseURL = "https://api.example-social.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.RateLimitPerMinute == 0 {
		c.Upstream.RateLimitPerMinute = 60
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 2
	}
	if c.Upstream.BackoffBaseMs == 0 {
		c.Upstream.BackoffBaseMs = 250
	}
	if c.Upstream.BackoffMaxMs == 0 {
		c.Upstream.BackoffMaxMs = 5000
	}
	if c.Upstream.JitterFraction == 0 {
		c.Upstream.JitterFraction = 0.5
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 30
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 2000
	}
	if c.Cache.TTL == nil {
		c.Cache.TTL = DefaultTTLs()
	}

	if c.Backfill.GapScanIntervalMinutes == 0 {
		c.Backfill.GapScanIntervalMinutes = 60
	}
	if c.Backfill.GapScanDays == 0 {
		c.Backfill.GapScanDays = 30
	}
	if c.Backfill.RunningLeaseMinutes == 0 {
		c.Backfill.RunningLeaseMinutes = 15
	}
}

// DefaultTTLs returns the per-category cache policy. Longer-lived categories
// tolerate staler reads because they change less.
func DefaultTTLs() map[string]TTLPolicy {
	return map[string]TTLPolicy{
		"quote":     {StaleAfter: 5 * time.Minute, EvictAfter: 15 * time.Minute},
		"trending":  {StaleAfter: 1 * time.Minute, EvictAfter: 5 * time.Minute},
		"messages":  {StaleAfter: 5 * time.Minute, EvictAfter: 30 * time.Minute},
		"analytics": {StaleAfter: 30 * time.Minute, EvictAfter: 2 * time.Hour},
	}
}
