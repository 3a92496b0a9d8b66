package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the BotFleet control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Sweeper   SweeperConfig
	Harness   HarnessConfig
}

type DatabaseConfig struct {
	// URL empty = in-memory store with snapshot persistence.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type SweeperConfig struct {
	ExpiryInterval   time.Duration
	ScheduleInterval time.Duration
}

type HarnessConfig struct {
	// InstanceStartupDelay is the spawning→active ramp.
	InstanceStartupDelay time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("BOTFLEET_PORT", 8080),
		Version: envStr("BOTFLEET_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL:            envStr("BOTFLEET_DATABASE_URL", ""),
			MaxConnections: envInt("BOTFLEET_DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "botfleet-control-plane"),
		},
		Sweeper: SweeperConfig{
			ExpiryInterval:   envDur("BOTFLEET_SWEEP_EXPIRY_INTERVAL", 30*time.Second),
			ScheduleInterval: envDur("BOTFLEET_SWEEP_SCHEDULE_INTERVAL", 60*time.Second),
		},
		Harness: HarnessConfig{
			InstanceStartupDelay: envDur("BOTFLEET_INSTANCE_STARTUP_DELAY", 2*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
