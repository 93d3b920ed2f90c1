// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Download DownloadConfig            `mapstructure:"download"`
	Domains  DomainsConfig             `mapstructure:"domains"`
	Pipeline PipelineConfig            `mapstructure:"pipeline"`
	Media    MediaConfig               `mapstructure:"media"`
	Logging  LoggingConfig             `mapstructure:"logging"`
	Metrics  MetricsConfig             `mapstructure:"metrics"`
	Policies map[string]DomainOverride `mapstructure:"policies"`
}

// DownloadConfig governs slot sizing and dispatch pacing.
type DownloadConfig struct {
	// MaxConcurrent is the global in-flight download ceiling.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MaxPerSlot is the per-host (or per-IP) concurrency budget.
	MaxPerSlot int `mapstructure:"max_per_slot"`
	// DelaySeconds is the default wait between dispatches to one slot.
	DelaySeconds float64 `mapstructure:"delay_seconds"`
	// RandomizeDelay draws each effective delay from [0.5x, 1.5x].
	RandomizeDelay bool `mapstructure:"randomize_delay"`
	// SlotKeyMode is "host" or "ip".
	SlotKeyMode string `mapstructure:"slot_key_mode"`
	// PerDomainSlots scopes slots per (domain, key) pair.
	PerDomainSlots bool `mapstructure:"per_domain_slots"`
	// HostRPS optionally caps request rate per host; 0 disables the
	// rate-limit interceptor.
	HostRPS float64 `mapstructure:"host_rps"`
	// RespectRobots enables per-host robots.txt enforcement.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// DomainsConfig governs the lifecycle controller.
type DomainsConfig struct {
	// MaxOpen bounds how many domains run simultaneously.
	MaxOpen int `mapstructure:"max_open"`
	// CloseDelaySeconds of downloader quiescence before a domain may close.
	CloseDelaySeconds float64 `mapstructure:"close_delay_seconds"`
	// IdleRecheckMs between idle retries after a veto or busy check.
	IdleRecheckMs int `mapstructure:"idle_recheck_ms"`
	// Deny lists hosts never crawled: exact names, "*.suffix" wildcards,
	// or ".suffix" shorthand.
	Deny []string `mapstructure:"deny"`
}

// DomainOverride tunes one domain's slot policy.
type DomainOverride struct {
	Concurrency  int     `mapstructure:"concurrency"`
	DelaySeconds float64 `mapstructure:"delay_seconds"`
}

// PipelineConfig governs item processing.
type PipelineConfig struct {
	// PerDomainLimit caps items in flight through the chain per domain;
	// 0 means unbounded.
	PerDomainLimit int `mapstructure:"per_domain_limit"`
}

// MediaConfig governs the fingerprint cache.
type MediaConfig struct {
	// ExpiresDays bounds the age of a stored artifact before re-fetch.
	ExpiresDays int `mapstructure:"expires_days"`
	// Dir optionally persists fetched media under this directory; empty
	// keeps artifacts in memory only.
	Dir string `mapstructure:"dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the metrics/health HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk and environment. An empty path loads
// defaults plus CRAWLCORE_* environment overrides only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.max_concurrent", 16)
	v.SetDefault("download.max_per_slot", 2)
	v.SetDefault("download.delay_seconds", 0.0)
	v.SetDefault("download.randomize_delay", false)
	v.SetDefault("download.slot_key_mode", "host")
	v.SetDefault("download.per_domain_slots", false)
	v.SetDefault("download.host_rps", 0.0)
	v.SetDefault("download.respect_robots", false)
	v.SetDefault("domains.max_open", 8)
	v.SetDefault("domains.close_delay_seconds", 0.0)
	v.SetDefault("domains.idle_recheck_ms", 100)
	v.SetDefault("pipeline.per_domain_limit", 0)
	v.SetDefault("media.expires_days", 90)
	v.SetDefault("media.dir", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("download.max_concurrent must be > 0")
	}
	if c.Download.MaxPerSlot <= 0 {
		return fmt.Errorf("download.max_per_slot must be > 0")
	}
	if mode := c.Download.SlotKeyMode; mode != "host" && mode != "ip" {
		return fmt.Errorf("download.slot_key_mode must be \"host\" or \"ip\", got %q", mode)
	}
	if c.Domains.MaxOpen <= 0 {
		return fmt.Errorf("domains.max_open must be > 0")
	}
	if c.Pipeline.PerDomainLimit < 0 {
		return fmt.Errorf("pipeline.per_domain_limit must be >= 0")
	}
	if c.Media.ExpiresDays < 0 {
		return fmt.Errorf("media.expires_days must be >= 0")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	return nil
}

// Delay converts the configured default slot delay into a duration.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Download.DelaySeconds * float64(time.Second))
}

// CloseDelay converts the close-delay setting into a duration.
func (c Config) CloseDelay() time.Duration {
	return time.Duration(c.Domains.CloseDelaySeconds * float64(time.Second))
}

// IdleRecheck converts the recheck setting into a duration.
func (c Config) IdleRecheck() time.Duration {
	return time.Duration(c.Domains.IdleRecheckMs) * time.Millisecond
}

// MediaExpiry converts the media expiry into a duration.
func (c Config) MediaExpiry() time.Duration {
	return time.Duration(c.Media.ExpiresDays) * 24 * time.Hour
}
