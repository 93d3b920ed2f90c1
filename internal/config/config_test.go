package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Download.MaxConcurrent)
	require.Equal(t, 2, cfg.Download.MaxPerSlot)
	require.Equal(t, "host", cfg.Download.SlotKeyMode)
	require.Equal(t, 8, cfg.Domains.MaxOpen)
	require.Equal(t, 90*24*time.Hour, cfg.MediaExpiry())
	require.Equal(t, 100*time.Millisecond, cfg.IdleRecheck())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
download:
  max_concurrent: 32
  max_per_slot: 4
  delay_seconds: 1.5
  randomize_delay: true
  slot_key_mode: ip
domains:
  max_open: 3
  close_delay_seconds: 2
pipeline:
  per_domain_limit: 10
policies:
  example.com:
    concurrency: 1
    delay_seconds: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Download.MaxConcurrent)
	require.True(t, cfg.Download.RandomizeDelay)
	require.Equal(t, "ip", cfg.Download.SlotKeyMode)
	require.Equal(t, 1500*time.Millisecond, cfg.Delay())
	require.Equal(t, 2*time.Second, cfg.CloseDelay())
	require.Equal(t, 10, cfg.Pipeline.PerDomainLimit)
	require.Equal(t, 1, cfg.Policies["example.com"].Concurrency)
	require.InDelta(t, 5.0, cfg.Policies["example.com"].DelaySeconds, 0.001)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max concurrent", func(c *Config) { c.Download.MaxConcurrent = 0 }},
		{"zero per slot", func(c *Config) { c.Download.MaxPerSlot = 0 }},
		{"bad key mode", func(c *Config) { c.Download.SlotKeyMode = "port" }},
		{"zero max open", func(c *Config) { c.Domains.MaxOpen = 0 }},
		{"negative pipeline limit", func(c *Config) { c.Pipeline.PerDomainLimit = -1 }},
		{"metrics without port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
