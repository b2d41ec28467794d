// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Queue       QueueConfig       `yaml:"queue"`
	Users       UsersConfig       `yaml:"users"`
	Workers     WorkersConfig     `yaml:"workers"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Credentials []CredentialEntry `yaml:"credentials"`

	// Targets overrides the upstream base URL per service, for self-hosted
	// compatible endpoints and tests.
	Targets map[string]string `yaml:"targets"`

	// LogPrompts marks responses as logged in the injected proxy block.
	LogPrompts bool `yaml:"log_prompts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey      string `yaml:"admin_key"`      // guards /admin; empty disables admin routes
	ProxyPassword string `yaml:"proxy_password"` // legacy shared password, unmetered access
}

// QueueConfig holds per-family scheduler settings.
type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"` // in-flight cap per family; 0 = unlimited
}

// UsersConfig holds user store settings.
type UsersConfig struct {
	MaxIPs     int           `yaml:"max_ips"` // global default IPs per token
	AutoBan    bool          `yaml:"auto_ban"`
	PurgeAfter time.Duration `yaml:"purge_after"` // temporary-user grace after expiry
}

// WorkersConfig paces the background workers.
type WorkersConfig struct {
	KeyCheckInterval time.Duration `yaml:"key_check_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	QuotaRefresh     time.Duration `yaml:"quota_refresh"` // 0 disables refresh
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CredentialEntry seeds one upstream key into the pool.
type CredentialEntry struct {
	Service  string   `yaml:"service"`
	Secret   string   `yaml:"secret"`   // AWS: "accessKeyId:secretAccessKey:region"; GCP: service-account JSON
	Families []string `yaml:"families"` // empty = service fallback family, widened by checkers
	Region   string   `yaml:"region"`   // GCP only
	Project  string   `yaml:"project"`  // GCP only
	Disabled bool     `yaml:"disabled"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // streaming responses run long
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "palantir.db",
		},
		Workers: WorkersConfig{
			KeyCheckInterval: 6 * time.Hour,
			FlushInterval:    20 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
