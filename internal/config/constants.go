package config

import "time"

// Configuration defaults
const (
	DefaultBindAddress = ":9138"
	DefaultMetricsPath = "/metrics"

	DefaultRateLimit = 100 // Requests per second on the metrics endpoint
	DefaultRateBurst = 200

	DefaultProtocol         = "v2"
	DefaultRootDir          = "/tmp/touchstone"
	DefaultScrapeInterval   = 5 * time.Second
	DefaultReceiveTimeout   = 2 * time.Second
	DefaultBindRetryDelay   = 5 * time.Second
	DefaultNamespaceSegment = 3
	DefaultWorkloadSegment  = 4

	DefaultShutdownTimeout = 5 * time.Second // Tracing provider and HTTP server shutdown

	DefaultServiceName  = "dpdk-telemetry-exporter"
	DefaultSamplingRate = 0.1 // 10%
)

// Environment variables that override the configuration file
const (
	EnvMetricsPort = "METRICS_API_PORT"
	EnvNodeName    = "NODE_NAME"
	EnvProtocol    = "DPDK_TELEMETRY_PROTOCOL"
	EnvLogLevel    = "LOG_LEVEL"
)

// Deployment environments
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Tracing exporter types
const (
	ExporterTypeStdout = "stdout"
	ExporterTypeOTLP   = "otlp"
)
