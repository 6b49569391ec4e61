// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Feed        FeedConfig        `yaml:"feed"`
	Broker      BrokerConfig      `yaml:"broker"`
	Database    DatabaseConfig    `yaml:"database"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Server      ServerConfig      `yaml:"server"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// EngineConfig contains the trigger-monitoring settings
type EngineConfig struct {
	Enabled               bool `yaml:"enabled"`
	MaxRetries            int  `yaml:"max_retries"`
	RetryBackoffMs        int  `yaml:"retry_backoff_ms"`
	HealthCheckIntervalMs int  `yaml:"health_check_interval_ms"`
}

// HealthCheckInterval returns the configured interval as a duration.
func (e EngineConfig) HealthCheckInterval() time.Duration {
	return time.Duration(e.HealthCheckIntervalMs) * time.Millisecond
}

// RetryBackoff returns the base backoff as a duration.
func (e EngineConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMs) * time.Millisecond
}

// FeedConfig contains market-data feed settings
type FeedConfig struct {
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	AccessToken      string `yaml:"access_token"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalSec  int    `yaml:"ping_interval_sec"`
}

// ReconnectDelay returns the reconnect delay as a duration.
func (f FeedConfig) ReconnectDelay() time.Duration {
	return time.Duration(f.ReconnectDelayMs) * time.Millisecond
}

// BrokerConfig contains the order-placement REST endpoint settings
type BrokerConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Timeout returns the per-request timeout as a duration.
func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// DatabaseConfig contains the Postgres settings
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// GatewayConfig contains webhook gateway settings
type GatewayConfig struct {
	Enabled         bool    `yaml:"enabled"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	RateBurst       int     `yaml:"rate_burst"`
	StopATRMult     float64 `yaml:"stop_atr_mult"`
	TargetATRMult   float64 `yaml:"target_atr_mult"`
	RolloverDay     int     `yaml:"rollover_day"`
	DefaultExchange string  `yaml:"default_exchange"`
}

// ServerConfig contains the HTTP control surface settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel   string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	InstanceID string `yaml:"instance_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ExecutionPoolSize   int `yaml:"execution_pool_size" validate:"min=1,max=100"`
	ExecutionPoolBuffer int `yaml:"execution_pool_buffer" validate:"min=1,max=10000"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// FromEnv builds a configuration from environment variables alone,
// for deployments that carry no config file.
func FromEnv() (*Config, error) {
	config := DefaultConfig()
	config.applyEnvOverrides()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// applyEnvOverrides honors the well-known environment variables over
// whatever the file said.
func (c *Config) applyEnvOverrides() {
	if v, ok := lookupBool("ENGINE_ENABLED"); ok {
		c.Engine.Enabled = v
	}
	if v, ok := lookupInt("MAX_RETRIES"); ok {
		c.Engine.MaxRetries = v
	}
	if v, ok := lookupInt("RETRY_BACKOFF_MS"); ok {
		c.Engine.RetryBackoffMs = v
	}
	if v, ok := lookupInt("HEALTH_CHECK_INTERVAL_MS"); ok {
		c.Engine.HealthCheckIntervalMs = v
	}
	if v, ok := lookupInt("RECONNECT_DELAY_MS"); ok {
		c.Feed.ReconnectDelayMs = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("FEED_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv("FEED_ACCESS_TOKEN"); v != "" {
		c.Feed.AccessToken = v
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		c.System.InstanceID = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGatewayConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.MaxRetries < 0 {
		return ValidationError{
			Field:   "engine.max_retries",
			Value:   c.Engine.MaxRetries,
			Message: "must not be negative",
		}
	}
	if c.Engine.RetryBackoffMs <= 0 {
		return ValidationError{
			Field:   "engine.retry_backoff_ms",
			Value:   c.Engine.RetryBackoffMs,
			Message: "must be positive",
		}
	}
	if c.Engine.HealthCheckIntervalMs < 1000 {
		return ValidationError{
			Field:   "engine.health_check_interval_ms",
			Value:   c.Engine.HealthCheckIntervalMs,
			Message: "must be at least 1000",
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if c.Database.URL == "" {
		return ValidationError{
			Field:   "database.url",
			Message: "database URL is required",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateGatewayConfig() error {
	if !c.Gateway.Enabled {
		return nil
	}
	if c.Gateway.RatePerSecond <= 0 {
		return ValidationError{
			Field:   "gateway.rate_per_second",
			Value:   c.Gateway.RatePerSecond,
			Message: "must be positive when the gateway is enabled",
		}
	}
	if c.Gateway.RolloverDay < 1 || c.Gateway.RolloverDay > 28 {
		return ValidationError{
			Field:   "gateway.rollover_day",
			Value:   c.Gateway.RolloverDay,
			Message: "must be between 1 and 28",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Feed.APIKey = maskString(configCopy.Feed.APIKey)
	configCopy.Feed.AccessToken = maskString(configCopy.Feed.AccessToken)
	configCopy.Database.URL = maskString(configCopy.Database.URL)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func lookupBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the defaults applied before file and
// environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Enabled:               true,
			MaxRetries:            2,
			RetryBackoffMs:        1000,
			HealthCheckIntervalMs: 30000,
		},
		Feed: FeedConfig{
			URL:              "wss://ws.kite.trade",
			ReconnectDelayMs: 5000,
			PingIntervalSec:  30,
		},
		Broker: BrokerConfig{
			BaseURL:   "https://api.kite.trade",
			TimeoutMs: 10000,
		},
		Database: DatabaseConfig{
			MaxConns: 8,
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			RatePerSecond:   5,
			RateBurst:       10,
			StopATRMult:     1.5,
			TargetATRMult:   2.0,
			RolloverDay:     15,
			DefaultExchange: "NFO",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Concurrency: ConcurrencyConfig{
			ExecutionPoolSize:   8,
			ExecutionPoolBuffer: 256,
		},
	}
}
