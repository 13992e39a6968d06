// Package metrics runs the scrape loop: discover engine sockets, reconcile
// persistent sessions, scrape every engine and publish the results.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/dpdk"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/tracing"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running collector
var ErrAlreadyRunning = errors.New("collector is already running")

// Discoverer lists the engine sockets present right now
type Discoverer interface {
	Root() string
	Discover() ([]types.Endpoint, error)
}

// Publisher receives scraped batches and cycle outcomes
type Publisher interface {
	Publish(ep types.Endpoint, batch *types.StatBatch) []types.MetricSample
	ObserveFailure(phase string)
	ObserveCycle(stats types.CycleStats)
	CacheLen() int
}

// CollectorConfig configures a Collector
type CollectorConfig struct {
	Interval time.Duration

	// Store receives every published sample. Optional.
	Store types.SnapshotStore

	// Tracer wraps cycles and scrapes in spans. Optional.
	Tracer *tracing.TraceHelper
}

// Collector is the scrape loop
type Collector struct {
	discoverer Discoverer
	protocol   dpdk.Protocol
	publisher  Publisher
	store      types.SnapshotStore
	tracer     *tracing.TraceHelper
	interval   time.Duration
	logger     *zap.Logger

	sessions *SessionSet

	mu      sync.Mutex
	running bool
}

// NewCollector creates a scrape loop over discoverer using protocol
func NewCollector(cfg CollectorConfig, discoverer Discoverer, protocol dpdk.Protocol, publisher Publisher, logger *zap.Logger) (*Collector, error) {
	if discoverer == nil || protocol == nil || publisher == nil {
		return nil, fmt.Errorf("collector requires a discoverer, a protocol and a publisher")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("collector interval must be positive, got %v", cfg.Interval)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.NewTraceHelper(noop.NewTracerProvider().Tracer("collector"))
	}

	return &Collector{
		discoverer: discoverer,
		protocol:   protocol,
		publisher:  publisher,
		store:      cfg.Store,
		tracer:     tracer,
		interval:   cfg.Interval,
		logger:     logger.Named("collector"),
		sessions:   NewSessionSet(),
	}, nil
}

// Sessions returns the persistent sessions owned by the loop
func (c *Collector) Sessions() *SessionSet {
	return c.sessions
}

// Start runs cycles until ctx is cancelled, sleeping the configured
// interval between them. Every session is closed on the way out.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.logger.Info("Starting scrape loop",
		zap.String("protocol", string(c.protocol.Version())),
		zap.String("root", c.discoverer.Root()),
		zap.String("socket_name", c.protocol.SocketName()),
		zap.Duration("interval", c.interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-timer.C:
			c.RunCycle(ctx)
			timer.Reset(c.interval)
		}
	}
}

func (c *Collector) shutdown() {
	count := c.sessions.Len()
	if err := c.sessions.CloseAll(); err != nil {
		c.logger.Warn("Failed to close sessions", zap.Error(err))
	}
	c.logger.Info("Scrape loop stopped", zap.Int("sessions_closed", count))
}

// RunCycle performs one discover, reconcile, scrape and publish pass.
// Failures are logged and counted; only a discovery failure skips the
// rest of the cycle.
func (c *Collector) RunCycle(ctx context.Context) types.CycleStats {
	stats, _ := c.tracer.TraceCycleFunc(ctx, string(c.protocol.Version()), c.runCycle)
	c.publisher.ObserveCycle(stats)

	c.logger.Debug("Scrape cycle completed",
		zap.Int("endpoints", stats.Endpoints),
		zap.Int("sessions", stats.Sessions),
		zap.Int("scraped", stats.Scraped),
		zap.Int("failed", stats.Failed),
		zap.Int("samples", stats.Samples),
		zap.Int("cache_size", c.publisher.CacheLen()),
		zap.Duration("duration", stats.Duration))

	return stats
}

func (c *Collector) runCycle(ctx context.Context) (stats types.CycleStats, err error) {
	stats.Started = time.Now()
	defer func() {
		stats.Sessions = c.sessions.Len()
		stats.Duration = time.Since(stats.Started)
	}()

	endpoints, err := c.tracer.TraceDiscoveryFunc(ctx, c.discoverer.Root(), func(context.Context) ([]types.Endpoint, error) {
		return c.discoverer.Discover()
	})
	if err != nil {
		c.publisher.ObserveFailure(types.PhaseDiscovery)
		c.logger.Warn("Discovery failed, skipping cycle",
			zap.String("root", c.discoverer.Root()),
			zap.String("phase", types.PhaseDiscovery),
			zap.Error(err))
		stats.Skipped = true
		stats.SkipReason = err.Error()
		return stats, err
	}
	stats.Endpoints = len(endpoints)

	var samples []types.MetricSample
	for _, client := range c.reconcile(endpoints) {
		if ctx.Err() != nil {
			break
		}

		published, err := c.scrape(ctx, client)
		if err != nil {
			stats.Failed++
			continue
		}
		stats.Scraped++
		samples = append(samples, published...)
	}
	stats.Samples = len(samples)

	if c.store != nil && len(samples) > 0 {
		if err := c.store.Store(ctx, samples); err != nil {
			c.publisher.ObserveFailure(types.PhasePublish)
			c.logger.Warn("Failed to store sample snapshot",
				zap.String("phase", types.PhasePublish),
				zap.Int("samples", len(samples)),
				zap.Error(err))
		}
	}

	return stats, nil
}

// reconcile returns the clients to scrape this cycle, in endpoint order.
// Persistent clients are created once per key and reused until they tear
// themselves down. Sessions whose endpoint disappeared are appended in key
// order so a dead engine fails its scrape and releases the session.
func (c *Collector) reconcile(endpoints []types.Endpoint) []dpdk.Client {
	clients := make([]dpdk.Client, 0, len(endpoints))

	if !c.protocol.Persistent() {
		for _, ep := range endpoints {
			clients = append(clients, c.protocol.NewClient(ep, nil))
		}
		return clients
	}

	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		key := c.protocol.ClientKey(ep)
		if seen[key] {
			c.logger.Debug("Endpoint shares a client path with an earlier endpoint, skipping",
				zap.String("endpoint", ep.Path),
				zap.String("client_path", key))
			continue
		}
		seen[key] = true

		if existing, ok := c.sessions.Get(key); ok {
			clients = append(clients, existing)
			continue
		}

		var client dpdk.Client
		client = c.protocol.NewClient(ep, func() {
			c.sessions.Remove(key, client)
		})
		c.sessions.Add(key, client)
		clients = append(clients, client)

		c.logger.Info("Tracking new engine session",
			zap.String("endpoint", ep.Path),
			zap.String("client_path", key),
			zap.String("namespace", ep.Namespace),
			zap.String("workload", ep.WorkloadName))
	}

	for _, key := range c.sessions.Keys() {
		if seen[key] {
			continue
		}
		if existing, ok := c.sessions.Get(key); ok {
			clients = append(clients, existing)
		}
	}

	return clients
}

// scrape scrapes one client and publishes its batch
func (c *Collector) scrape(ctx context.Context, client dpdk.Client) ([]types.MetricSample, error) {
	ep := client.Endpoint()
	if !c.protocol.Persistent() {
		defer client.Close()
	}

	batch, err := c.tracer.TraceScrapeFunc(ctx, ep, dpdk.Phase, client.Scrape)
	if err != nil {
		phase := dpdk.Phase(err)
		c.publisher.ObserveFailure(phase)

		fields := []zap.Field{
			zap.String("endpoint", ep.Path),
			zap.String("phase", phase),
			zap.String("namespace", ep.Namespace),
			zap.String("workload", ep.WorkloadName),
			zap.Error(err),
		}
		if errors.Is(err, dpdk.ErrBindPending) {
			c.logger.Debug("Client socket bind not due yet", fields...)
		} else {
			c.logger.Warn("Scrape failed", fields...)
		}
		return nil, err
	}

	return c.publisher.Publish(ep, batch), nil
}
