package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "empty server address",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name:   "empty signal address",
			mutate: func(c *Config) { c.Signal.Address = "" },
		},
		{
			name:   "zero ping interval",
			mutate: func(c *Config) { c.Signal.PingInterval = 0 },
		},
		{
			name:   "reconnect initial delay must be positive",
			mutate: func(c *Config) { c.Client.Reconnect.InitialDelay = 0 },
		},
		{
			name: "reconnect max delay below initial delay",
			mutate: func(c *Config) {
				c.Client.Reconnect.InitialDelay = time.Second
				c.Client.Reconnect.MaxDelay = time.Millisecond
			},
		},
		{
			name:   "negative reconnect retries",
			mutate: func(c *Config) { c.Client.Reconnect.MaxRetries = -1 },
		},
		{
			name:   "zero history timeout",
			mutate: func(c *Config) { c.Client.HistoryTimeout = 0 },
		},
		{
			name: "redis enabled without address",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "tracing enabled with bad sample rate",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
		{
			name: "rate limiting enabled with zero rps",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Signal.Address != ":8081" {
		t.Fatalf("expected default signal address, got %q", cfg.Signal.Address)
	}
}

func TestLoad_ReadsYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("signal:\n  address: \":9999\"\nclient:\n  room: \"calculus\"\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STUDYCHAT_ROOM", "physics")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Signal.Address != ":9999" {
		t.Fatalf("yaml override not applied, got %q", cfg.Signal.Address)
	}
	if cfg.Client.Room != "physics" {
		t.Fatalf("env override not applied, got %q", cfg.Client.Room)
	}
}
