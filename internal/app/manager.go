package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/config"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/discovery"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/dpdk"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/metrics"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/prometheus"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/storage"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/tracing"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Manager coordinates all exporter components
type Manager struct {
	config *config.Config
	logger *zap.Logger

	// Optional: hot reload of the config file and its log level
	configPath string
	level      *zap.AtomicLevel

	protocol   dpdk.Protocol
	discoverer *discovery.Discoverer
	exporter   *prometheus.Exporter
	collector  *metrics.Collector
	storage    types.SnapshotStore
	tracing    *tracing.Service

	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	lastReload time.Time
}

// Option customizes a Manager
type Option func(*Manager)

// WithConfigPath enables reloading the configuration from path on change
func WithConfigPath(path string) Option {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithLogLevel lets configuration reloads change the log level
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(m *Manager) {
		m.level = &level
	}
}

// NewManager builds every component from cfg
func NewManager(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	m := &Manager{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	version, err := dpdk.ParseVersion(cfg.Scrape.Protocol)
	if err != nil {
		return nil, err
	}

	m.protocol, err = dpdk.NewProtocol(dpdk.Options{
		Version:        version,
		RootDir:        cfg.Scrape.RootDir,
		ReceiveTimeout: cfg.Scrape.ReceiveTimeout,
		BindRetryDelay: cfg.Scrape.BindRetryDelay,
		BufferSize:     cfg.Scrape.BufferSize,
		Logger:         logger.Named("dpdk"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol: %w", err)
	}

	socketName := cfg.Scrape.SocketName
	if socketName == "" {
		socketName = m.protocol.SocketName()
	}
	m.discoverer = discovery.New(cfg.Scrape.RootDir, socketName, discovery.PositionalDecoder{
		NamespaceSegment: cfg.Scrape.NamespaceSegment,
		WorkloadSegment:  cfg.Scrape.WorkloadSegment,
	})

	m.tracing, err = tracing.NewService(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing service: %w", err)
	}

	m.exporter, err = prometheus.NewExporter(cfg.Server, cfg.Scrape.NodeName, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	if cfg.Storage.Enabled {
		store, err := storage.NewSQLiteStorage(cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		m.storage = store
	}

	m.collector, err = metrics.NewCollector(metrics.CollectorConfig{
		Interval: cfg.Scrape.Interval,
		Store:    m.storage,
		Tracer:   m.tracing.Helper(),
	}, m.discoverer, m.protocol, m.exporter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}

	return m, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if err := m.performPreflightChecks(); err != nil {
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	if m.storage != nil {
		if err := m.storage.Start(gCtx); err != nil {
			return fmt.Errorf("failed to start storage: %w", err)
		}
		g.Go(func() error {
			<-gCtx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
			defer cancel()
			return m.storage.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		return m.tracing.Start(gCtx)
	})

	g.Go(func() error {
		return m.exporter.Start(gCtx)
	})

	g.Go(func() error {
		return m.collector.Start(gCtx)
	})

	if m.configPath != "" {
		g.Go(func() error {
			if err := config.Watch(gCtx, m.configPath, m.logger, m.applyConfig); err != nil {
				// The exporter keeps running without hot reload
				m.logger.Warn("Configuration watch unavailable",
					zap.String("path", m.configPath),
					zap.Error(err))
			}
			return nil
		})
	}

	m.logger.Info("Exporter started",
		zap.String("protocol", string(m.protocol.Version())),
		zap.String("root", m.discoverer.Root()),
		zap.String("socket_name", m.discoverer.SocketName()),
		zap.String("bind_address", m.config.Server.BindAddress),
		zap.String("node_name", m.config.Scrape.NodeName),
		zap.Bool("storage", m.storage != nil),
		zap.Bool("tracing", m.tracing.IsEnabled()))

	err := g.Wait()
	if err != nil && err != context.Canceled {
		m.logger.Error("Exporter stopped with error", zap.Error(err))
		return err
	}

	m.logger.Info("Exporter stopped gracefully", zap.Duration("uptime", time.Since(m.startTime)))
	return nil
}

// applyConfig takes over settings that can change without a restart. Only
// the log level is applied live.
func (m *Manager) applyConfig(cfg *config.Config) {
	m.mu.Lock()
	previous := m.config
	m.config = cfg
	m.lastReload = time.Now()
	m.mu.Unlock()

	if m.level != nil {
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err == nil && level != m.level.Level() {
			m.level.SetLevel(level)
			m.logger.Info("Log level changed", zap.String("level", level.String()))
		}
	}

	if previous.Scrape != cfg.Scrape || previous.Server.BindAddress != cfg.Server.BindAddress {
		m.logger.Warn("Scrape and server settings changed; restart to apply them")
	}

	m.logger.Debug("Applied reloaded configuration", zap.String("path", m.configPath))
}

// performPreflightChecks fails startup on conditions no cycle can recover from
func (m *Manager) performPreflightChecks() error {
	m.logger.Info("Performing pre-flight checks")

	if err := discovery.CheckRoot(m.discoverer.Root()); err != nil {
		return err
	}

	if m.config.Server.BindAddress != "" {
		if err := checkBindAddressAvailable(m.config.Server.BindAddress); err != nil {
			return fmt.Errorf("server bind address %s is not available: %w", m.config.Server.BindAddress, err)
		}
	}

	if m.storage != nil {
		if err := validateStorageDirectory(m.config.Storage.DatabasePath); err != nil {
			return fmt.Errorf("storage directory validation failed: %w", err)
		}
	}

	m.logger.Info("All pre-flight checks passed")
	return nil
}

// checkBindAddressAvailable listens on the address briefly
func checkBindAddressAvailable(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("address is already in use or cannot be bound: %w", err)
	}
	return listener.Close()
}

// validateStorageDirectory ensures the database directory exists and is writable
func validateStorageDirectory(databasePath string) error {
	if databasePath == "" || databasePath == storage.MemoryPath {
		return nil
	}

	dbDir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %s: %w", dbDir, err)
	}

	tempFile := filepath.Join(dbDir, ".write_test")
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("database directory is not writable: %s: %w", dbDir, err)
	}
	file.Close()
	os.Remove(tempFile)

	return nil
}

// Exporter returns the metrics exporter
func (m *Manager) Exporter() *prometheus.Exporter {
	return m.exporter
}

// Collector returns the scrape loop
func (m *Manager) Collector() *metrics.Collector {
	return m.collector
}

// Config returns the active configuration
func (m *Manager) Config() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// LastReload returns when the configuration was last reloaded
func (m *Manager) LastReload() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReload
}

// IsRunning returns true if the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}
