// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Redis      RedisConfig     `yaml:"redis"`
	Connectors ConnectorConfig `yaml:"connectors"`
	Audit      AuditConfig     `yaml:"audit"`
	Budget     BudgetConfig    `yaml:"budget"`
	Cache      CacheConfig     `yaml:"cache"`
	Retry      RetryConfig     `yaml:"retry"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Log        LogConfig       `yaml:"log"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Orgs       []OrgEntry      `yaml:"organizations"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"` // empty = admin routes open
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds the shared rate-limit store connection. An empty Addr
// leaves the limiter on its per-process fallback store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ConnectorConfig locates connector definitions.
type ConnectorConfig struct {
	Dir      string        `yaml:"dir"`       // directory of definition JSON files
	CacheTTL time.Duration `yaml:"cache_ttl"` // definition read-cache TTL
}

// AuditConfig holds the audit trail settings.
type AuditConfig struct {
	Path string `yaml:"path"` // JSONL file; parent directory is created
}

// BudgetConfig holds LLM spend caps and thresholds. Zero caps mean unlimited.
type BudgetConfig struct {
	DailyLimitUSD          float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD        float64 `yaml:"monthly_limit_usd"`
	PerUserDailyLimitUSD   float64 `yaml:"per_user_daily_limit_usd"`
	PerWorkflowLimitUSD    float64 `yaml:"per_workflow_limit_usd"`
	AlertThresholds        []int   `yaml:"alert_thresholds"`
	EmergencyStopThreshold float64 `yaml:"emergency_stop_threshold"`
}

// CacheConfig holds LLM response cache settings.
type CacheConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// RetryConfig holds outbound retry settings. AttemptTimeout bounds each
// vendor HTTP attempt, not the retry sleeps between them.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// RateLimitConfig holds the inbound per-organization limiter defaults. The
// outbound buckets are configured per connector definition, not here.
type RateLimitConfig struct {
	InboundRPS   float64 `yaml:"inbound_rps"`
	InboundBurst int     `yaml:"inbound_burst"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
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

// OrgEntry is an organization seed in the config file.
type OrgEntry struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Region        string `yaml:"region"`
	DataResidency string `yaml:"data_residency"`
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

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "bifrost.db",
		},
		Connectors: ConnectorConfig{
			Dir:      "connectors",
			CacheTTL: time.Hour,
		},
		Audit: AuditConfig{
			Path: "audit.jsonl",
		},
		Budget: BudgetConfig{
			DailyLimitUSD:          50,
			MonthlyLimitUSD:        500,
			PerUserDailyLimitUSD:   10,
			PerWorkflowLimitUSD:    5,
			AlertThresholds:        []int{50, 80, 95},
			EmergencyStopThreshold: 95,
		},
		Cache: CacheConfig{
			MaxSize: 1000,
			TTL:     24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			AttemptTimeout: 30 * time.Second,
		},
		RateLimits: RateLimitConfig{
			InboundRPS:   50,
			InboundBurst: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
