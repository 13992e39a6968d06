package types

import (
	"context"
	"strings"
	"time"
)

// MetricPrefix is prepended to every engine stat name before publication
const MetricPrefix = "dpdk_port_"

// Endpoint is a discovered engine telemetry socket
type Endpoint struct {
	// Path is the absolute socket path and the endpoint identity
	Path string `json:"path"`

	Namespace    string `json:"namespace"`
	WorkloadName string `json:"workload_name"`
}

// StatBatch is the result of scraping one endpoint once
type StatBatch struct {
	HardwareAddress string             `json:"hardware_address"`
	Stats           map[string]float64 `json:"stats"`
}

// Len returns the number of stats in the batch
func (b *StatBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Stats)
}

// MetricSample is the latest published value for one series
type MetricSample struct {
	SeriesKey       string    `json:"series_key"`
	WorkloadName    string    `json:"workload_name"`
	Namespace       string    `json:"namespace"`
	HardwareAddress string    `json:"hardware_address"`
	MetricName      string    `json:"metric_name"`
	Value           float64   `json:"value"`
	Timestamp       time.Time `json:"timestamp"`
}

// SeriesKey builds the composite identity of a published series
func SeriesKey(workloadName, hardwareAddress, metricName string) string {
	return strings.Join([]string{workloadName, hardwareAddress, metricName}, ".")
}

// CycleStats summarizes one pass of the scrape loop
type CycleStats struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Endpoints  int           `json:"endpoints"`
	Sessions   int           `json:"sessions"`
	Scraped    int           `json:"scraped"`
	Failed     int           `json:"failed"`
	Samples    int           `json:"samples"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Scrape phases used in logs, traces and failure metrics
const (
	PhaseDiscovery = "discovery"
	PhaseBind      = "bind"
	PhaseConnect   = "connect"
	PhaseRegister  = "register"
	PhaseRequest   = "request"
	PhaseDecode    = "decode"
	PhasePublish   = "publish"
)

// SnapshotStore persists the last-value cache
type SnapshotStore interface {
	// Start prepares the backend
	Start(ctx context.Context) error

	// Stop closes the backend
	Stop(ctx context.Context) error

	// Store upserts samples keyed by series key
	Store(ctx context.Context, samples []MetricSample) error

	// List returns every stored sample ordered by series key
	List(ctx context.Context) ([]MetricSample, error)
}
