package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Networks = []NetworkConfig{
		{Name: "ethereum", RPCEndpoints: []string{"http://localhost:8545"}, BlockTime: 12 * time.Second},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Attestation.DeviationThreshold != 2.0 {
		t.Errorf("deviation threshold = %v, want 2.0", cfg.Attestation.DeviationThreshold)
	}
	if cfg.Liveness.NetworkPollInterval != 30*time.Second {
		t.Errorf("network poll interval = %v, want 30s", cfg.Liveness.NetworkPollInterval)
	}
	if cfg.Orchestrator.CorrelationThreshold != 3 {
		t.Errorf("correlation threshold = %d, want 3", cfg.Orchestrator.CorrelationThreshold)
	}
	if cfg.Kafka.Enabled || cfg.Storage.Enabled {
		t.Error("kafka and storage should be disabled by default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q, want default", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
logging:
  level: debug
networks:
  - name: ethereum
    rpc_endpoints: ["http://localhost:8545"]
    block_time: 12000000000
validators:
  - address: "0x1111111111111111111111111111111111111111"
    health_endpoint: "http://localhost:9100/health"
attestation:
  rate_limit_per_minute: 50
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SENTINEL_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Networks) != 1 || cfg.Networks[0].Name != "ethereum" {
		t.Fatalf("networks = %+v", cfg.Networks)
	}
	if cfg.Networks[0].BlockTime != 12*time.Second {
		t.Errorf("block time = %v, want 12s", cfg.Networks[0].BlockTime)
	}
	if cfg.Attestation.RateLimitPerMinute != 50 {
		t.Errorf("rate limit = %d, want 50", cfg.Attestation.RateLimitPerMinute)
	}
	// Untouched fields keep their defaults.
	if cfg.Attestation.DeviationThreshold != 2.0 {
		t.Errorf("deviation threshold = %v, want default 2.0", cfg.Attestation.DeviationThreshold)
	}
	if len(cfg.Validators) != 1 {
		t.Fatalf("validators = %+v", cfg.Validators)
	}
	eps := cfg.ProberEndpoints()
	if eps["0x1111111111111111111111111111111111111111"] != "http://localhost:9100/health" {
		t.Errorf("prober endpoints = %v", eps)
	}
	addrs := cfg.ValidatorAddresses()
	if len(addrs) != 1 || addrs[0] != "0x1111111111111111111111111111111111111111" {
		t.Errorf("validator addresses = %v", addrs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SENTINEL_LOG_LEVEL", "warn")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("SENTINEL_KAFKA_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q, want warn", cfg.Logging.Level)
	}
	if !cfg.Kafka.Enabled {
		t.Error("kafka should be enabled via env")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no networks", func(c *Config) { c.Networks = nil }, true},
		{"empty network name", func(c *Config) { c.Networks[0].Name = "" }, true},
		{"duplicate network", func(c *Config) {
			c.Networks = append(c.Networks, c.Networks[0])
		}, true},
		{"no endpoints", func(c *Config) { c.Networks[0].RPCEndpoints = nil }, true},
		{"zero block time", func(c *Config) { c.Networks[0].BlockTime = 0 }, true},
		{"bad deviation threshold", func(c *Config) { c.Attestation.DeviationThreshold = 0 }, true},
		{"bad correlation threshold", func(c *Config) { c.Orchestrator.CorrelationThreshold = 1 }, true},
		{"kafka enabled without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChainNetworks(t *testing.T) {
	cfg := validConfig()
	nets := cfg.ChainNetworks()
	if len(nets) != 1 {
		t.Fatalf("expected 1 network, got %d", len(nets))
	}
	if nets[0].Name != "ethereum" || nets[0].BlockTime != 12*time.Second {
		t.Errorf("network = %+v", nets[0])
	}
}
