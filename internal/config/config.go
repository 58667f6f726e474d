// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// file is the top-level YAML document; everything lives under one key so a
// shared config file can carry other sections untouched.
type file struct {
	OrchestrationAPI Config `yaml:"orchestration_api"`
}

// Config is the gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Auth           AuthConfig           `yaml:"auth"`
	Global         GlobalConfig         `yaml:"global"`
	Gemini         GeminiConfig         `yaml:"gemini"`
	RequestLogging RequestLoggingConfig `yaml:"request_logging"`
	KeyHealthCheck KeyHealthCheckConfig `yaml:"key_health_check"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Groups         []GroupEntry         `yaml:"groups"`
	ProxyKeys      []ProxyKeyEntry      `yaml:"proxy_keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type             string `yaml:"type"` // "sqlite" (default) or "mysql"
	ConnectionString string `yaml:"connection_string"`
	TablePrefix      string `yaml:"table_prefix"`
}

// AuthConfig holds the management UI credentials. Only proxy key validation
// is enforced by the gateway itself; these settings are passed through for
// an external admin frontend.
type AuthConfig struct {
	JwtSecret      string        `yaml:"jwt_secret"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// GlobalConfig holds upstream timeout and retry defaults. Timeouts are in
// seconds to match the per-group timeout column.
type GlobalConfig struct {
	ConnectionTimeout  int `yaml:"connection_timeout"`
	ResponseTimeout    int `yaml:"response_timeout"`
	MaxProviderRetries int `yaml:"max_provider_retries"`
}

// GeminiConfig holds the Gemini streaming watchdog settings.
type GeminiConfig struct {
	StreamingTimeout       int `yaml:"streaming_timeout"`     // seconds
	NonStreamingTimeout    int `yaml:"non_streaming_timeout"` // seconds
	DataTimeoutSeconds     int `yaml:"data_timeout_seconds"`
	MaxDataIntervalSeconds int `yaml:"max_data_interval_seconds"`
}

// RequestLoggingConfig controls the request logger and its async queue.
type RequestLoggingConfig struct {
	Enabled               bool        `yaml:"enabled"`
	EnableDetailedContent bool        `yaml:"enable_detailed_content"`
	MaxContentLength      int         `yaml:"max_content_length"`
	ExcludeHealthChecks   bool        `yaml:"exclude_health_checks"`
	RetentionDays         int         `yaml:"retention_days"`
	Queue                 QueueConfig `yaml:"queue"`
}

// QueueConfig controls the async log write queue.
type QueueConfig struct {
	Enabled                   bool   `yaml:"enabled"`
	MaxCapacity               int    `yaml:"max_capacity"`
	BatchSize                 int    `yaml:"batch_size"`
	ProcessingIntervalMs      int    `yaml:"processing_interval_ms"`
	MaxRetries                int    `yaml:"max_retries"`
	RetryDelayMs              int    `yaml:"retry_delay_ms"`
	FullStrategy              string `yaml:"full_strategy"` // drop_oldest | reject_new | block
	GracefulShutdownTimeoutMs int    `yaml:"graceful_shutdown_timeout_ms"`
}

// KeyHealthCheckConfig controls the invalid-key reconciliation worker.
type KeyHealthCheckConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
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

// GroupEntry seeds a provider group on first run.
type GroupEntry struct {
	ID                 string            `yaml:"id"`
	ProviderType       string            `yaml:"provider_type"`
	BaseURL            string            `yaml:"base_url"`
	APIKeys            []string          `yaml:"api_keys"`
	Models             []string          `yaml:"models"`
	ModelAliases       map[string]string `yaml:"model_aliases"`
	ParameterOverrides map[string]any    `yaml:"parameter_overrides"`
	Headers            map[string]string `yaml:"headers"`
	BalancePolicy      string            `yaml:"balance_policy"`
	RetryCount         int               `yaml:"retry_count"`
	Timeout            int               `yaml:"timeout"` // seconds
	RPMLimit           int               `yaml:"rpm_limit"`
	TestModel          string            `yaml:"test_model"`
	Priority           int               `yaml:"priority"`
	Enabled            *bool             `yaml:"enabled"`
	FakeStreaming      bool              `yaml:"fake_streaming"`
	ProxyURL           string            `yaml:"proxy_url"`
}

// IsEnabled reports whether the group is enabled (defaults to true when nil).
func (g GroupEntry) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// ProxyKeyEntry seeds a proxy key on first run.
type ProxyKeyEntry struct {
	ID                 string         `yaml:"id"`
	Key                string         `yaml:"key"` // the credential clients present
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	Enabled            *bool          `yaml:"enabled"`
	RPMLimit           int            `yaml:"rpm_limit"`
	AllowedGroups      []string       `yaml:"allowed_groups"`
	GroupBalancePolicy string         `yaml:"group_balance_policy"`
	GroupWeights       map[string]int `yaml:"group_weights"`
}

// IsEnabled reports whether the key is enabled (defaults to true when nil).
func (p ProxyKeyEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
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
	return Parse(data)
}

// Parse decodes YAML bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	f := &file{OrchestrationAPI: Defaults()}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f.OrchestrationAPI, nil
}

// Defaults returns the configuration used when keys are absent.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:             "sqlite",
			ConnectionString: "orchd.db",
			TablePrefix:      "orch_",
		},
		Global: GlobalConfig{
			ConnectionTimeout:  30,
			ResponseTimeout:    180,
			MaxProviderRetries: 3,
		},
		Gemini: GeminiConfig{
			StreamingTimeout:       300,
			NonStreamingTimeout:    180,
			DataTimeoutSeconds:     30,
			MaxDataIntervalSeconds: 120,
		},
		RequestLogging: RequestLoggingConfig{
			Enabled:               true,
			EnableDetailedContent: true,
			MaxContentLength:      10_000,
			ExcludeHealthChecks:   true,
			RetentionDays:         30,
			Queue: QueueConfig{
				Enabled:                   true,
				MaxCapacity:               10_000,
				BatchSize:                 100,
				ProcessingIntervalMs:      1_000,
				MaxRetries:                3,
				RetryDelayMs:              100,
				FullStrategy:              "drop_oldest",
				GracefulShutdownTimeoutMs: 10_000,
			},
		},
		KeyHealthCheck: KeyHealthCheckConfig{
			Enabled:         true,
			IntervalMinutes: 10,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}
