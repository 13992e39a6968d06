package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/config"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Published gauge
const (
	NetworkMetricName = "dpdk_network_bytes_total"
	NetworkMetricHelp = "List of metrics related to DPDK Interface"
)

// Label names of the published gauge, in WithLabelValues order
var networkLabels = []string{"workload_name", "hardware_address", "namespace", "metric_name", "node_name"}

// rateLimitMiddleware provides rate limiting for the metrics endpoint
func (e *Exporter) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.rateLimiter.Allow() {
			e.logger.Warn("Rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))

			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Exporter publishes engine stats as Prometheus gauges and serves them over
// HTTP. It also keeps the last value of every series it has published.
type Exporter struct {
	config   config.ServerConfig
	nodeName string
	logger   *zap.Logger

	// HTTP server
	server *http.Server

	// Private registry; nothing else registers into it
	registry *prometheus.Registry

	rateLimiter *rate.Limiter

	// Last-value cache keyed by series key. Series are never removed.
	mu      sync.RWMutex
	cache   map[string]types.MetricSample
	running bool

	now func() time.Time

	networkStats        *prometheus.GaugeVec
	scrapeFailures      *prometheus.CounterVec
	endpointsDiscovered prometheus.Gauge
	sessionsActive      prometheus.Gauge
	seriesPublished     prometheus.GaugeFunc
	cycleDuration       prometheus.Histogram
	httpRequests        *prometheus.CounterVec
}

// NewExporter creates a new Prometheus exporter. nodeName is attached to
// every published series.
func NewExporter(cfg config.ServerConfig, nodeName string, logger *zap.Logger) (*Exporter, error) {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = config.DefaultMetricsPath
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = config.DefaultRateLimit
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = config.DefaultRateBurst
	}

	e := &Exporter{
		config:      cfg,
		nodeName:    nodeName,
		logger:      logger.Named("exporter"),
		registry:    prometheus.NewRegistry(),
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		cache:       make(map[string]types.MetricSample),
		now:         time.Now,
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return e, nil
}

// Registry returns the registry the exporter serves
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Publish sets one gauge per stat of batch and records each value in the
// last-value cache. Publishing the same batch twice is a no-op on both.
// The returned samples are ordered by metric name.
func (e *Exporter) Publish(ep types.Endpoint, batch *types.StatBatch) []types.MetricSample {
	if batch.Len() == 0 {
		return nil
	}

	names := make([]string, 0, len(batch.Stats))
	for name := range batch.Stats {
		names = append(names, name)
	}
	sort.Strings(names)

	now := e.now()
	samples := make([]types.MetricSample, 0, len(names))

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range names {
		value := batch.Stats[name]
		sample := types.MetricSample{
			SeriesKey:       types.SeriesKey(ep.WorkloadName, batch.HardwareAddress, name),
			WorkloadName:    ep.WorkloadName,
			Namespace:       ep.Namespace,
			HardwareAddress: batch.HardwareAddress,
			MetricName:      name,
			Value:           value,
			Timestamp:       now,
		}

		e.networkStats.WithLabelValues(ep.WorkloadName, batch.HardwareAddress, ep.Namespace, name, e.nodeName).Set(value)
		e.cache[sample.SeriesKey] = sample
		samples = append(samples, sample)
	}

	return samples
}

// Value returns the last published value of a series
func (e *Exporter) Value(seriesKey string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sample, ok := e.cache[seriesKey]
	return sample.Value, ok
}

// CacheLen returns the number of distinct series published so far
func (e *Exporter) CacheLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// CacheSnapshot returns a copy of the last-value cache ordered by series key
func (e *Exporter) CacheSnapshot() []types.MetricSample {
	e.mu.RLock()
	samples := make([]types.MetricSample, 0, len(e.cache))
	for _, sample := range e.cache {
		samples = append(samples, sample)
	}
	e.mu.RUnlock()

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].SeriesKey < samples[j].SeriesKey
	})
	return samples
}

// ObserveFailure counts a failed scrape phase
func (e *Exporter) ObserveFailure(phase string) {
	if phase == "" {
		phase = "unknown"
	}
	e.scrapeFailures.WithLabelValues(phase).Inc()
}

// ObserveCycle records the outcome of one scrape cycle
func (e *Exporter) ObserveCycle(stats types.CycleStats) {
	e.endpointsDiscovered.Set(float64(stats.Endpoints))
	e.sessionsActive.Set(float64(stats.Sessions))
	e.cycleDuration.Observe(stats.Duration.Seconds())
}

// Handler returns the HTTP handler serving the metrics path only
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()

	metricsHandler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
	// Rejected requests are counted too
	counted := promhttp.InstrumentHandlerCounter(e.httpRequests, e.rateLimitMiddleware(metricsHandler))
	mux.Handle(e.config.MetricsPath, counted)

	return mux
}

// Start serves metrics until ctx is cancelled
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exporter is already running")
	}
	e.running = true
	e.server = &http.Server{
		Addr:         e.config.BindAddress,
		Handler:      e.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server := e.server
	e.mu.Unlock()

	e.logger.Info("Starting Prometheus exporter",
		zap.String("bind_address", e.config.BindAddress),
		zap.String("metrics_path", e.config.MetricsPath),
		zap.String("node_name", e.nodeName))

	serveErr := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("HTTP server failed", zap.Error(err))
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			e.setStopped()
			return fmt.Errorf("metrics server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()

	e.setStopped()
	if err := server.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("Server shutdown failed", zap.Error(err))
		return err
	}

	e.logger.Info("Prometheus exporter stopped")
	return nil
}

// Stop halts the metrics server
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	server := e.server
	e.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (e *Exporter) setStopped() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// initMetrics registers the published gauge, the exporter's own metrics and
// the Go runtime collectors
func (e *Exporter) initMetrics() error {
	e.networkStats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: NetworkMetricName,
			Help: NetworkMetricHelp,
		},
		networkLabels,
	)

	e.scrapeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpdk_exporter_scrape_failures_total",
			Help: "Total number of failed engine scrapes by phase",
		},
		[]string{"phase"},
	)

	e.endpointsDiscovered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dpdk_exporter_endpoints_discovered",
			Help: "Number of engine sockets found in the last discovery",
		},
	)

	e.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dpdk_exporter_sessions_active",
			Help: "Number of registered legacy client sessions",
		},
	)

	e.seriesPublished = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dpdk_exporter_series_published",
			Help: "Number of distinct series published since start",
		},
		func() float64 { return float64(e.CacheLen()) },
	)

	e.cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dpdk_exporter_cycle_duration_seconds",
			Help:    "Duration of a full discovery and scrape cycle",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	e.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpdk_exporter_http_requests_total",
			Help: "Total number of metrics requests by status code",
		},
		[]string{"code"},
	)

	registered := []prometheus.Collector{
		e.networkStats,
		e.scrapeFailures,
		e.endpointsDiscovered,
		e.sessionsActive,
		e.seriesPublished,
		e.cycleDuration,
		e.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, collector := range registered {
		if err := e.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	e.logger.Debug("Initialized Prometheus metrics", zap.Int("collectors", len(registered)))
	return nil
}
