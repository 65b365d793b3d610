// Package config handles configuration loading for bridge-sentinel.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bridge-sentinel/internal/attack"
	"bridge-sentinel/internal/attestation"
	"bridge-sentinel/internal/chain"
	"bridge-sentinel/internal/liveness"
	"bridge-sentinel/internal/orchestrator"
)

// Config holds the complete application configuration.
type Config struct {
	Logging      LoggingConfig              `yaml:"logging"`
	Networks     []NetworkConfig            `yaml:"networks"`
	Validators   []ValidatorEndpoint        `yaml:"validators"`
	Attestation  attestation.DetectorConfig `yaml:"attestation"`
	Attack       AttackConfig               `yaml:"attack"`
	Liveness     liveness.MonitorConfig     `yaml:"liveness"`
	Orchestrator orchestrator.Config        `yaml:"orchestrator"`
	Kafka        KafkaConfig                `yaml:"kafka"`
	Storage      StorageConfig              `yaml:"storage"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig describes one monitored chain.
type NetworkConfig struct {
	Name         string        `yaml:"name"`
	RPCEndpoints []string      `yaml:"rpc_endpoints"`
	BlockTime    time.Duration `yaml:"block_time"`
}

// ValidatorEndpoint maps a validator address to its liveness health endpoint.
type ValidatorEndpoint struct {
	Address        string `yaml:"address"`
	HealthEndpoint string `yaml:"health_endpoint"`
}

// AttackConfig holds attack matcher settings.
type AttackConfig struct {
	Matcher      attack.MatcherConfig `yaml:"matcher"`
	PatternsFile string               `yaml:"patterns_file"` // empty means builtin profiles only
}

// KafkaConfig holds event publishing settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RequiredAcks int           `yaml:"required_acks"`
}

// StorageConfig holds event archiving settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Attestation:  attestation.DefaultDetectorConfig(),
		Attack:       AttackConfig{Matcher: attack.DefaultMatcherConfig()},
		Liveness:     liveness.DefaultMonitorConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Kafka: KafkaConfig{
			Enabled:      false, // Disabled by default for development without Kafka
			Brokers:      []string{"localhost:9092"},
			Topic:        "bridge-security-events",
			BatchSize:    100,
			BatchTimeout: time.Second,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			RequiredAcks: -1,
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "bridge_sentinel",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if enabled := os.Getenv("SENTINEL_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if enabled := os.Getenv("SENTINEL_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range splitString(s, sep) {
		trimmed := trimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func splitString(s, sep string) []string {
	if s == "" {
		return nil
	}
	var result []string
	start := 0
	for i := 0; i <= len(s)-len(sep); i++ {
		if s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("network name must not be empty")
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate network %q", n.Name)
		}
		seen[n.Name] = true
		if len(n.RPCEndpoints) == 0 {
			return fmt.Errorf("network %q has no rpc endpoints", n.Name)
		}
		if n.BlockTime <= 0 {
			return fmt.Errorf("network %q block_time must be positive", n.Name)
		}
	}

	if c.Attestation.DeviationThreshold <= 0 {
		return fmt.Errorf("attestation deviation_threshold must be positive")
	}
	if c.Attestation.RateLimitPerMinute <= 0 {
		return fmt.Errorf("attestation rate_limit_per_minute must be positive")
	}
	if c.Liveness.PollTimeout <= 0 {
		return fmt.Errorf("liveness poll_timeout must be positive")
	}
	if c.Orchestrator.CorrelationThreshold < 2 {
		return fmt.Errorf("orchestrator correlation_threshold must be at least 2")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage enabled but no clickhouse hosts configured")
	}

	return nil
}

// ValidatorAddresses returns the configured validator addresses.
func (c *Config) ValidatorAddresses() []string {
	out := make([]string, 0, len(c.Validators))
	for _, v := range c.Validators {
		out = append(out, v.Address)
	}
	return out
}

// ProberEndpoints returns the validator address to health endpoint mapping.
func (c *Config) ProberEndpoints() map[string]string {
	out := make(map[string]string, len(c.Validators))
	for _, v := range c.Validators {
		if v.HealthEndpoint != "" {
			out[v.Address] = v.HealthEndpoint
		}
	}
	return out
}

// ChainNetworks converts the configured networks to the catalog type the
// liveness monitor consumes.
func (c *Config) ChainNetworks() []chain.Network {
	out := make([]chain.Network, 0, len(c.Networks))
	for _, n := range c.Networks {
		out = append(out, chain.Network{
			Name:         n.Name,
			RPCEndpoints: append([]string(nil), n.RPCEndpoints...),
			BlockTime:    n.BlockTime,
		})
	}
	return out
}
