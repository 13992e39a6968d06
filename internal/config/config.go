package config

import (
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig []byte

// Config represents the exporter configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Scrape  ScrapeConfig  `yaml:"scrape"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	BindAddress string          `yaml:"bind_address"`
	MetricsPath string          `yaml:"metrics_path"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles the metrics endpoint
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ScrapeConfig contains engine discovery and scrape settings
type ScrapeConfig struct {
	Protocol         string        `yaml:"protocol"` // "v2" or "legacy"
	RootDir          string        `yaml:"root_dir"`
	SocketName       string        `yaml:"socket_name,omitempty"` // Empty: derived from protocol
	Interval         time.Duration `yaml:"interval"`
	ReceiveTimeout   time.Duration `yaml:"receive_timeout"`
	BindRetryDelay   time.Duration `yaml:"bind_retry_delay"`
	BufferSize       int           `yaml:"buffer_size,omitempty"` // 0: protocol default
	NamespaceSegment int           `yaml:"namespace_segment"`
	WorkloadSegment  int           `yaml:"workload_segment"`
	NodeName         string        `yaml:"node_name,omitempty"`
}

// StorageConfig contains last-sample snapshot settings
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	ServiceName    string                `yaml:"service_name"`
	ServiceVersion string                `yaml:"service_version"`
	Environment    string                `yaml:"environment"`
	Exporter       TracingExporterConfig `yaml:"exporter"`
	Sampling       TracingSamplingConfig `yaml:"sampling"`
}

// TracingExporterConfig configures the span exporter
type TracingExporterConfig struct {
	Type     string            `yaml:"type"` // "stdout", "otlp"
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// TracingSamplingConfig configures trace sampling
type TracingSamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0 to 1.0
}

// LoadDefault creates a zero-configuration setup with all defaults and
// environment overrides applied
func LoadDefault() (*Config, error) {
	var config Config

	applyDefaults(&config)
	applyEnvironment(&config, os.LookupEnv)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}

	return &config, nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := ensureConfigDirectories(config); err != nil {
		return nil, fmt.Errorf("directory creation failed: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse decodes YAML and applies defaults and environment overrides without
// validating
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvironment(&config, os.LookupEnv)
	return &config, nil
}

// Example returns the annotated example configuration
func Example() []byte {
	return exampleConfig
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = DefaultBindAddress
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = DefaultMetricsPath
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = DefaultRateLimit
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = DefaultRateBurst
	}

	if cfg.Scrape.Protocol == "" {
		cfg.Scrape.Protocol = DefaultProtocol
	}
	if cfg.Scrape.RootDir == "" {
		cfg.Scrape.RootDir = DefaultRootDir
	}
	if cfg.Scrape.Interval == 0 {
		cfg.Scrape.Interval = DefaultScrapeInterval
	}
	if cfg.Scrape.ReceiveTimeout == 0 {
		cfg.Scrape.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Scrape.BindRetryDelay == 0 {
		cfg.Scrape.BindRetryDelay = DefaultBindRetryDelay
	}
	if cfg.Scrape.NamespaceSegment == 0 {
		cfg.Scrape.NamespaceSegment = DefaultNamespaceSegment
	}
	if cfg.Scrape.WorkloadSegment == 0 {
		cfg.Scrape.WorkloadSegment = DefaultWorkloadSegment
	}

	// Default to in-memory database
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ":memory:"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultServiceName
	}
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = "1.0.0"
	}
	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = EnvProduction
	}
	if cfg.Tracing.Exporter.Type == "" {
		cfg.Tracing.Exporter.Type = ExporterTypeStdout
	}
	if cfg.Tracing.Sampling.Rate == 0 {
		cfg.Tracing.Sampling.Rate = DefaultSamplingRate
	}
}

// applyEnvironment overrides file values with the deployment environment.
// METRICS_API_PORT only replaces the port of the bind address.
func applyEnvironment(cfg *Config, lookup func(string) (string, bool)) {
	if port, ok := lookup(EnvMetricsPort); ok && port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.BindAddress)
		if err != nil {
			host = ""
		}
		cfg.Server.BindAddress = net.JoinHostPort(host, port)
	}
	if nodeName, ok := lookup(EnvNodeName); ok && nodeName != "" {
		cfg.Scrape.NodeName = nodeName
	}
	if protocol, ok := lookup(EnvProtocol); ok && protocol != "" {
		cfg.Scrape.Protocol = protocol
	}
	if level, ok := lookup(EnvLogLevel); ok && level != "" {
		cfg.Logging.Level = level
	}
}

// ValidationError represents a structured validation error
type ValidationError struct {
	Field      string      // Configuration field path (e.g., "scrape.interval")
	Value      interface{} // Invalid value
	Message    string      // Human-readable error message
	Suggestion string      // Suggested fix
}

// ValidationResult contains the results of configuration validation
type ValidationResult struct {
	Valid    bool              // Overall validation status
	Errors   []ValidationError // List of validation errors
	Warnings []ValidationError // List of validation warnings
}

// Error implements the error interface for ValidationResult
func (vr *ValidationResult) Error() string {
	if len(vr.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(vr.Errors)))

	for i, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s", i+1, err.Field, err.Message))
		if err.Suggestion != "" {
			sb.WriteString(fmt.Sprintf(" (suggestion: %s)", err.Suggestion))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// validate checks the configuration for required fields and consistency
func validate(cfg *Config) error {
	result := validateConfiguration(cfg)
	if !result.Valid {
		return result
	}
	return nil
}

// validateConfiguration performs comprehensive validation and returns detailed results
func validateConfiguration(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateServerConfig(&cfg.Server, result)
	validateScrapeConfig(&cfg.Scrape, result)
	validateStorageConfig(&cfg.Storage, result)
	validateLoggingConfig(&cfg.Logging, result)
	validateTracingConfig(&cfg.Tracing, result)

	result.Valid = len(result.Errors) == 0

	return result
}

// GetValidationResult returns detailed validation results for external use
func GetValidationResult(cfg *Config) *ValidationResult {
	return validateConfiguration(cfg)
}

func validateServerConfig(cfg *ServerConfig, result *ValidationResult) {
	if err := validateBindAddress(cfg.BindAddress); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.bind_address",
			Value:      cfg.BindAddress,
			Message:    fmt.Sprintf("invalid bind address: %v", err),
			Suggestion: "use format '[host]:port' e.g., ':9138' or '127.0.0.1:9138'",
		})
	}

	if cfg.MetricsPath == "" || !strings.HasPrefix(cfg.MetricsPath, "/") {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.metrics_path",
			Value:      cfg.MetricsPath,
			Message:    "metrics path must start with '/'",
			Suggestion: "use '/metrics'",
		})
	}

	if cfg.RateLimit.RequestsPerSecond < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.rate_limit.requests_per_second",
			Value:      cfg.RateLimit.RequestsPerSecond,
			Message:    "rate limit cannot be negative",
			Suggestion: "use a value > 0, e.g. 100",
		})
	}
	if err := validatePositiveInt(cfg.RateLimit.Burst, "server.rate_limit.burst"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

func validateScrapeConfig(cfg *ScrapeConfig, result *ValidationResult) {
	switch strings.ToLower(cfg.Protocol) {
	case "v2", "22.11", "legacy", "v1", "19.11":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scrape.protocol",
			Value:      cfg.Protocol,
			Message:    "unknown telemetry protocol",
			Suggestion: "use 'v2' (DPDK 20.05 and later) or 'legacy' (DPDK 19.11)",
		})
	}

	if !filepath.IsAbs(cfg.RootDir) {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scrape.root_dir",
			Value:      cfg.RootDir,
			Message:    "root directory must be an absolute path",
			Suggestion: "use '/tmp/touchstone'",
		})
	}

	if strings.ContainsRune(cfg.SocketName, '/') {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scrape.socket_name",
			Value:      cfg.SocketName,
			Message:    "socket name must be a file name, not a path",
			Suggestion: "use 'telemetry' or 'dpdk_telemetry.v2', or leave empty",
		})
	}

	if err := validateDuration(cfg.Interval, 100*time.Millisecond, time.Hour, "scrape.interval"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if err := validateDuration(cfg.ReceiveTimeout, 10*time.Millisecond, time.Minute, "scrape.receive_timeout"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if err := validateDuration(cfg.BindRetryDelay, 100*time.Millisecond, time.Hour, "scrape.bind_retry_delay"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if cfg.ReceiveTimeout >= cfg.Interval && cfg.Interval > 0 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "scrape.receive_timeout",
			Value:      cfg.ReceiveTimeout.String(),
			Message:    "receive timeout is not shorter than the scrape interval",
			Suggestion: "a single unresponsive engine can delay the whole cycle; keep the timeout below the interval",
		})
	}

	if cfg.BufferSize < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "scrape.buffer_size",
			Value:      cfg.BufferSize,
			Message:    "buffer size cannot be negative",
			Suggestion: "use 0 for the protocol default",
		})
	}

	if err := validatePositiveInt(cfg.NamespaceSegment, "scrape.namespace_segment"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if err := validatePositiveInt(cfg.WorkloadSegment, "scrape.workload_segment"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if cfg.NamespaceSegment == cfg.WorkloadSegment {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "scrape.workload_segment",
			Value:      cfg.WorkloadSegment,
			Message:    "namespace and workload are read from the same path segment",
			Suggestion: "use namespace_segment: 3 and workload_segment: 4 for /tmp/touchstone/<ns>/<workload>/...",
		})
	}

	if cfg.NodeName == "" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "scrape.node_name",
			Value:      cfg.NodeName,
			Message:    "node name is empty; series will carry an empty node_name label",
			Suggestion: "set NODE_NAME from the downward API",
		})
	}
}

func validateStorageConfig(cfg *StorageConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}
	if err := validateStringNotEmpty(cfg.DatabasePath, "storage.database_path"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

func validateLoggingConfig(cfg *LoggingConfig, result *ValidationResult) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}

	if !validLevels[strings.ToLower(cfg.Level)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.level",
			Value:      cfg.Level,
			Message:    "invalid log level",
			Suggestion: "use 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{
		"json": true, "console": true,
	}

	if !validFormats[strings.ToLower(cfg.Format)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.format",
			Value:      cfg.Format,
			Message:    "invalid log format",
			Suggestion: "use 'json' or 'console'",
		})
	}
}

func validateTracingConfig(cfg *TracingConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateStringNotEmpty(cfg.ServiceName, "tracing.service_name"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	switch cfg.Exporter.Type {
	case ExporterTypeStdout:
	case ExporterTypeOTLP:
		if err := validateURL(cfg.Exporter.Endpoint, "tracing.exporter.endpoint"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "tracing.exporter.type",
			Value:      cfg.Exporter.Type,
			Message:    "invalid exporter type",
			Suggestion: "use 'stdout' or 'otlp'",
		})
	}

	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "tracing.environment",
			Value:      cfg.Environment,
			Message:    "unrecognized deployment environment",
			Suggestion: "use 'development', 'staging' or 'production'",
		})
	}

	if cfg.Sampling.Rate < 0 || cfg.Sampling.Rate > 1.0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "tracing.sampling.rate",
			Value:      cfg.Sampling.Rate,
			Message:    "sampling rate must be between 0 and 1",
			Suggestion: "use 0.1 for 10% sampling or 1.0 for all traces",
		})
	}
}

// validateBindAddress accepts host:port with an optional host
func validateBindAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port number: %w", err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return fmt.Errorf("invalid hostname format")
	}

	return nil
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

// validateDuration validates a duration is within acceptable bounds
func validateDuration(d time.Duration, min, max time.Duration, fieldName string) *ValidationError {
	if d < min {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is below minimum %s", d, min),
			Suggestion: fmt.Sprintf("use a value >= %s", min),
		}
	}

	if max > 0 && d > max {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is above maximum %s", d, max),
			Suggestion: fmt.Sprintf("use a value <= %s", max),
		}
	}

	return nil
}

// validatePositiveInt validates a positive integer
func validatePositiveInt(value int, fieldName string) *ValidationError {
	if value <= 0 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value must be positive",
			Suggestion: "use a value > 0",
		}
	}
	return nil
}

// validateStringNotEmpty validates a string is not empty
func validateStringNotEmpty(value, fieldName string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value cannot be empty",
			Suggestion: "provide a non-empty value",
		}
	}
	return nil
}

// validateURL validates a URL format
func validateURL(urlStr, fieldName string) *ValidationError {
	if urlStr == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      urlStr,
			Message:    "URL cannot be empty",
			Suggestion: "provide a valid URL",
		}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return &ValidationError{
			Field:      fieldName,
			Value:      urlStr,
			Message:    fmt.Sprintf("invalid URL format: %v", err),
			Suggestion: "use format like 'http://localhost:4318'",
		}
	}

	if parsedURL.Scheme == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      urlStr,
			Message:    "URL must include scheme (http/https)",
			Suggestion: "add 'http://' or 'https://' prefix",
		}
	}

	return nil
}

// ensureConfigDirectories creates parent directories for config-defined paths
func ensureConfigDirectories(cfg *Config) error {
	if !cfg.Storage.Enabled || cfg.Storage.DatabasePath == "" || cfg.Storage.DatabasePath == ":memory:" {
		return nil
	}

	dir := filepath.Dir(cfg.Storage.DatabasePath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s for path %s: %w", dir, cfg.Storage.DatabasePath, err)
		}
	}

	return nil
}
