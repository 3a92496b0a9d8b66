package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"BOTFLEET_PORT",
		"BOTFLEET_DATABASE_URL",
		"BOTFLEET_DATABASE_MAX_CONNECTIONS",
		"BOTFLEET_SWEEP_EXPIRY_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty", cfg.Database.URL)
	}
	if cfg.Database.MaxConnections != 25 {
		t.Errorf("Database.MaxConnections = %d, want 25", cfg.Database.MaxConnections)
	}
	if cfg.Sweeper.ExpiryInterval != 30*time.Second {
		t.Errorf("Sweeper.ExpiryInterval = %s, want 30s", cfg.Sweeper.ExpiryInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOTFLEET_PORT", "9090")
	t.Setenv("BOTFLEET_DATABASE_MAX_CONNECTIONS", "50")
	t.Setenv("BOTFLEET_SWEEP_EXPIRY_INTERVAL", "5s")
	t.Setenv("BOTFLEET_INSTANCE_STARTUP_DELAY", "250ms")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Database.MaxConnections != 50 {
		t.Errorf("Database.MaxConnections = %d, want 50", cfg.Database.MaxConnections)
	}
	if cfg.Sweeper.ExpiryInterval != 5*time.Second {
		t.Errorf("Sweeper.ExpiryInterval = %s, want 5s", cfg.Sweeper.ExpiryInterval)
	}
	if cfg.Harness.InstanceStartupDelay != 250*time.Millisecond {
		t.Errorf("Harness.InstanceStartupDelay = %s, want 250ms", cfg.Harness.InstanceStartupDelay)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BOTFLEET_DATABASE_MAX_CONNECTIONS", "lots")
	t.Setenv("BOTFLEET_SWEEP_EXPIRY_INTERVAL", "soon")

	cfg := Load()
	if cfg.Database.MaxConnections != 25 {
		t.Errorf("Database.MaxConnections = %d, want fallback 25", cfg.Database.MaxConnections)
	}
	if cfg.Sweeper.ExpiryInterval != 30*time.Second {
		t.Errorf("Sweeper.ExpiryInterval = %s, want fallback 30s", cfg.Sweeper.ExpiryInterval)
	}
}
