package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func clearEnvironment(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvMetricsPort, EnvNodeName, EnvProtocol, EnvLogLevel} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnvironment(t)

	path := writeConfig(t, `
server:
  bind_address: "127.0.0.1:9200"
  metrics_path: "/metrics"

scrape:
  protocol: "legacy"
  root_dir: "/var/run/touchstone"
  interval: "10s"
  receive_timeout: "1s"
  namespace_segment: 4
  workload_segment: 5
  node_name: "worker-1"

logging:
  level: "debug"
  format: "console"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.BindAddress != "127.0.0.1:9200" {
		t.Errorf("Expected bind_address '127.0.0.1:9200', got '%s'", cfg.Server.BindAddress)
	}
	if cfg.Scrape.Protocol != "legacy" {
		t.Errorf("Expected protocol 'legacy', got '%s'", cfg.Scrape.Protocol)
	}
	if cfg.Scrape.NodeName != "worker-1" {
		t.Errorf("Expected node_name 'worker-1', got '%s'", cfg.Scrape.NodeName)
	}
	if cfg.Scrape.RootDir != "/var/run/touchstone" {
		t.Errorf("Expected root_dir '/var/run/touchstone', got '%s'", cfg.Scrape.RootDir)
	}
	if cfg.Scrape.Interval != 10*time.Second {
		t.Errorf("Expected interval 10s, got %v", cfg.Scrape.Interval)
	}
	if cfg.Scrape.ReceiveTimeout != time.Second {
		t.Errorf("Expected receive_timeout 1s, got %v", cfg.Scrape.ReceiveTimeout)
	}
	if cfg.Scrape.NamespaceSegment != 4 || cfg.Scrape.WorkloadSegment != 5 {
		t.Errorf("Expected segments 4/5, got %d/%d", cfg.Scrape.NamespaceSegment, cfg.Scrape.WorkloadSegment)
	}

	// Fields not present in the file get defaults
	if cfg.Scrape.BindRetryDelay != DefaultBindRetryDelay {
		t.Errorf("Expected default bind_retry_delay, got %v", cfg.Scrape.BindRetryDelay)
	}
	if cfg.Server.RateLimit.Burst != DefaultRateBurst {
		t.Errorf("Expected default burst %d, got %d", DefaultRateBurst, cfg.Server.RateLimit.Burst)
	}
	if cfg.Storage.DatabasePath != ":memory:" {
		t.Errorf("Expected in-memory database by default, got '%s'", cfg.Storage.DatabasePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "scrape: [not: a: map")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	clearEnvironment(t)

	path := writeConfig(t, `
scrape:
  protocol: "v9"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "scrape.protocol") {
		t.Errorf("Expected error to name scrape.protocol, got: %v", err)
	}
}

func TestLoadCreatesDatabaseDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "snapshot.db")
	path := writeConfig(t, `
storage:
  enabled: true
  database_path: "`+dbPath+`"
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Errorf("Expected database directory to be created: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"bind address", cfg.Server.BindAddress, ":9138"},
		{"metrics path", cfg.Server.MetricsPath, "/metrics"},
		{"protocol", cfg.Scrape.Protocol, "v2"},
		{"root dir", cfg.Scrape.RootDir, "/tmp/touchstone"},
		{"interval", cfg.Scrape.Interval, 5 * time.Second},
		{"receive timeout", cfg.Scrape.ReceiveTimeout, 2 * time.Second},
		{"bind retry delay", cfg.Scrape.BindRetryDelay, 5 * time.Second},
		{"namespace segment", cfg.Scrape.NamespaceSegment, 3},
		{"workload segment", cfg.Scrape.WorkloadSegment, 4},
		{"buffer size", cfg.Scrape.BufferSize, 0},
		{"log level", cfg.Logging.Level, "info"},
		{"log format", cfg.Logging.Format, "json"},
		{"tracing exporter", cfg.Tracing.Exporter.Type, "stdout"},
		{"sampling rate", cfg.Tracing.Sampling.Rate, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, tt.got)
			}
		})
	}
}

func TestApplyEnvironment(t *testing.T) {
	env := map[string]string{
		EnvMetricsPort: "9500",
		EnvNodeName:    "node-7",
		EnvProtocol:    "legacy",
		EnvLogLevel:    "debug",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	var cfg Config
	applyDefaults(&cfg)
	applyEnvironment(&cfg, lookup)

	if cfg.Server.BindAddress != ":9500" {
		t.Errorf("Expected bind address ':9500', got '%s'", cfg.Server.BindAddress)
	}
	if cfg.Scrape.NodeName != "node-7" {
		t.Errorf("Expected node name 'node-7', got '%s'", cfg.Scrape.NodeName)
	}
	if cfg.Scrape.Protocol != "legacy" {
		t.Errorf("Expected protocol 'legacy', got '%s'", cfg.Scrape.Protocol)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Logging.Level)
	}
}

func TestApplyEnvironmentKeepsHost(t *testing.T) {
	cfg := Config{Server: ServerConfig{BindAddress: "127.0.0.1:9138"}}
	applyEnvironment(&cfg, func(key string) (string, bool) {
		if key == EnvMetricsPort {
			return "9999", true
		}
		return "", false
	})

	if cfg.Server.BindAddress != "127.0.0.1:9999" {
		t.Errorf("Expected '127.0.0.1:9999', got '%s'", cfg.Server.BindAddress)
	}
}

func TestApplyEnvironmentEmptyValuesIgnored(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvironment(&cfg, func(key string) (string, bool) { return "", true })

	if cfg.Server.BindAddress != DefaultBindAddress {
		t.Errorf("Expected default bind address, got '%s'", cfg.Server.BindAddress)
	}
	if cfg.Scrape.Protocol != DefaultProtocol {
		t.Errorf("Expected default protocol, got '%s'", cfg.Scrape.Protocol)
	}
}

func TestLoadDefaultUsesEnvironment(t *testing.T) {
	t.Setenv(EnvNodeName, "node-a")
	t.Setenv(EnvMetricsPort, "9300")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	if cfg.Scrape.NodeName != "node-a" {
		t.Errorf("Expected node name from environment, got '%s'", cfg.Scrape.NodeName)
	}
	if cfg.Server.BindAddress != ":9300" {
		t.Errorf("Expected bind address ':9300', got '%s'", cfg.Server.BindAddress)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Parse(Example())
	if err != nil {
		t.Fatalf("Example config does not parse: %v", err)
	}

	result := GetValidationResult(cfg)
	if !result.Valid {
		t.Errorf("Example config is invalid: %s", result.Error())
	}
}
