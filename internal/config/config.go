package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the AgentHub control plane.
type Config struct {
	Port      int
	Version   string
	BaseURL   string // external URL injected into containers for artifact publish
	DataDir   string // workspaces, artifacts, store snapshot
	Engine    EngineConfig
	Limits    LimitsConfig
	Telemetry TelemetryConfig
}

type EngineConfig struct {
	Binary       string        // docker-compatible CLI
	BuildTimeout time.Duration // per snapshot build
	StartTimeout time.Duration // per container start
	StopTimeout  time.Duration // graceful stop window before force remove
}

type LimitsConfig struct {
	// MaxConcurrentBuilds and MaxConcurrentStarts bound how much work the
	// engine may have in flight before new requests queue.
	MaxConcurrentBuilds int
	MaxConcurrentStarts int
	BuildLogLines       int // retained per project

	// RetentionInterval is how often unreferenced snapshot images and
	// stale build records are swept. Zero disables the sweep.
	RetentionInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTHUB_PORT", 7420),
		Version: envStr("AGENTHUB_VERSION", "0.4.0"),
		BaseURL: envStr("AGENTHUB_BASE_URL", ""),
		DataDir: envStr("AGENTHUB_DATA_DIR", defaultDataDir()),
		Engine: EngineConfig{
			Binary:       envStr("AGENTHUB_ENGINE_BINARY", "docker"),
			BuildTimeout: envDur("AGENTHUB_BUILD_TIMEOUT", 20*time.Minute),
			StartTimeout: envDur("AGENTHUB_START_TIMEOUT", 60*time.Second),
			StopTimeout:  envDur("AGENTHUB_STOP_TIMEOUT", 10*time.Second),
		},
		Limits: LimitsConfig{
			MaxConcurrentBuilds: envInt("AGENTHUB_MAX_BUILDS", 2),
			MaxConcurrentStarts: envInt("AGENTHUB_MAX_STARTS", 8),
			BuildLogLines:       envInt("AGENTHUB_BUILD_LOG_LINES", 2000),
			RetentionInterval:   envDur("AGENTHUB_RETENTION_INTERVAL", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agenthub-control-plane"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agenthub"
	}
	return filepath.Join(home, ".agenthub")
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
