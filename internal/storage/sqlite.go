package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/config"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/types"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// MemoryPath selects a private in-memory database
const MemoryPath = ":memory:"

// ConnectionPool manages the database handle with periodic health checks
type ConnectionPool struct {
	db           *sql.DB
	healthTicker *time.Ticker
	done         chan struct{}
	closeOnce    sync.Once
	stats        PoolStats
	mu           sync.RWMutex
	logger       *zap.Logger
	config       PoolConfig
}

// PoolConfig contains connection pool configuration
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	HealthInterval  time.Duration
}

// PoolStats tracks connection pool health
type PoolStats struct {
	OpenConnections    int
	IdleConnections    int
	WaitCount          int64
	WaitDuration       time.Duration
	HealthChecks       int64
	FailedHealthChecks int64
	LastHealthCheck    time.Time
}

// SQLiteStorage keeps the latest sample of every series in SQLite.
// It implements types.SnapshotStore.
type SQLiteStorage struct {
	config config.StorageConfig
	logger *zap.Logger
	pool   *ConnectionPool
	mu     sync.RWMutex

	running bool

	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

var _ types.SnapshotStore = (*SQLiteStorage)(nil)

const (
	upsertSampleQuery = `INSERT INTO samples (series_key, workload_name, namespace, hardware_address, metric_name, value, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(series_key) DO UPDATE SET
		value = excluded.value,
		timestamp = excluded.timestamp,
		updated_at = strftime('%s', 'now')`

	listSamplesQuery = `SELECT series_key, workload_name, namespace, hardware_address, metric_name, value, timestamp
	FROM samples ORDER BY series_key`
)

// poolConfigFor returns pool settings for a database path. An in-memory
// database lives only as long as its single connection, so that connection
// is never recycled.
func poolConfigFor(databasePath string) PoolConfig {
	if databasePath == MemoryPath {
		return PoolConfig{
			MaxOpenConns:   1,
			MaxIdleConns:   1,
			HealthInterval: 30 * time.Second,
		}
	}
	return PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 2 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		HealthInterval:  30 * time.Second,
	}
}

// NewConnectionPool opens the database and starts health checking
func NewConnectionPool(databasePath string, poolConfig PoolConfig, logger *zap.Logger) (*ConnectionPool, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_temp_store=MEMORY", databasePath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(poolConfig.MaxOpenConns)
	db.SetMaxIdleConns(poolConfig.MaxIdleConns)
	db.SetConnMaxLifetime(poolConfig.ConnMaxLifetime)
	db.SetConnMaxIdleTime(poolConfig.ConnMaxIdleTime)

	pool := &ConnectionPool{
		db:     db,
		config: poolConfig,
		logger: logger,
		done:   make(chan struct{}),
		stats:  PoolStats{LastHealthCheck: time.Now()},
	}

	pool.startHealthCheck()

	logger.Debug("Connection pool created",
		zap.String("database_path", databasePath),
		zap.Int("max_open_conns", poolConfig.MaxOpenConns),
		zap.Duration("health_interval", poolConfig.HealthInterval))

	return pool, nil
}

func (p *ConnectionPool) startHealthCheck() {
	if p.config.HealthInterval <= 0 {
		return
	}
	p.healthTicker = time.NewTicker(p.config.HealthInterval)
	go func() {
		for {
			select {
			case <-p.done:
				return
			case <-p.healthTicker.C:
				p.performHealthCheck()
			}
		}
	}()
}

// performHealthCheck pings the database and refreshes pool statistics
func (p *ConnectionPool) performHealthCheck() {
	start := time.Now()

	p.mu.Lock()
	p.stats.HealthChecks++
	p.stats.LastHealthCheck = start
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		p.mu.Lock()
		p.stats.FailedHealthChecks++
		p.mu.Unlock()

		p.logger.Error("Connection pool health check failed", zap.Error(err))
		return
	}

	dbStats := p.db.Stats()
	p.mu.Lock()
	p.stats.OpenConnections = dbStats.OpenConnections
	p.stats.IdleConnections = dbStats.Idle
	p.stats.WaitCount = dbStats.WaitCount
	p.stats.WaitDuration = dbStats.WaitDuration
	p.mu.Unlock()

	p.logger.Debug("Connection pool health check completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("open_connections", dbStats.OpenConnections))
}

// GetStats returns current pool statistics
func (p *ConnectionPool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close stops health checking and closes the database
func (p *ConnectionPool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.healthTicker != nil {
			p.healthTicker.Stop()
		}
		err = p.db.Close()
	})
	return err
}

// NewSQLiteStorage opens the snapshot database and creates its schema
func NewSQLiteStorage(cfg config.StorageConfig, logger *zap.Logger) (*SQLiteStorage, error) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = MemoryPath
	}

	if cfg.DatabasePath != MemoryPath {
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logger = logger.Named("storage")

	pool, err := NewConnectionPool(cfg.DatabasePath, poolConfigFor(cfg.DatabasePath), logger.Named("connection-pool"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &SQLiteStorage{
		config:    cfg,
		logger:    logger,
		pool:      pool,
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Start marks the store ready for writes
func (s *SQLiteStorage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("storage is already running")
	}
	if err := s.pool.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database is not reachable: %w", err)
	}
	s.running = true

	s.logger.Info("Starting SQLite snapshot storage",
		zap.String("database_path", s.config.DatabasePath))
	return nil
}

// Stop closes cached statements and the database
func (s *SQLiteStorage) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping SQLite snapshot storage")

	s.stmtMu.Lock()
	for query, stmt := range s.stmtCache {
		stmt.Close()
		delete(s.stmtCache, query)
	}
	s.stmtMu.Unlock()

	return s.pool.Close()
}

// GetPoolStats returns current connection pool statistics
func (s *SQLiteStorage) GetPoolStats() PoolStats {
	return s.pool.GetStats()
}

// getOrCreateStmt returns a cached prepared statement or creates a new one
func (s *SQLiteStorage) getOrCreateStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	if stmt, exists := s.stmtCache[query]; exists {
		s.stmtMu.RUnlock()
		return stmt, nil
	}
	s.stmtMu.RUnlock()

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, exists := s.stmtCache[query]; exists {
		return stmt, nil
	}

	stmt, err := s.pool.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	s.stmtCache[query] = stmt
	return stmt, nil
}

func (s *SQLiteStorage) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store upserts samples by series key in one transaction
func (s *SQLiteStorage) Store(ctx context.Context, samples []types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	if !s.isRunning() {
		return fmt.Errorf("storage is not running")
	}

	stmt, err := s.getOrCreateStmt(ctx, upsertSampleQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}

	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStmt := tx.StmtContext(ctx, stmt)
	for _, sample := range samples {
		_, err := txStmt.ExecContext(ctx,
			sample.SeriesKey,
			sample.WorkloadName,
			sample.Namespace,
			sample.HardwareAddress,
			sample.MetricName,
			sample.Value,
			sample.Timestamp.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to store sample %s: %w", sample.SeriesKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Stored sample snapshot", zap.Int("samples", len(samples)))
	return nil
}

// List returns every stored sample ordered by series key
func (s *SQLiteStorage) List(ctx context.Context) ([]types.MetricSample, error) {
	if !s.isRunning() {
		return nil, fmt.Errorf("storage is not running")
	}

	stmt, err := s.getOrCreateStmt(ctx, listSamplesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []types.MetricSample
	for rows.Next() {
		var sample types.MetricSample
		var timestamp int64
		if err := rows.Scan(
			&sample.SeriesKey,
			&sample.WorkloadName,
			&sample.Namespace,
			&sample.HardwareAddress,
			&sample.MetricName,
			&sample.Value,
			&timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sample.Timestamp = time.Unix(0, timestamp)
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}

	return samples, nil
}

// initSchema creates the snapshot table
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		series_key TEXT PRIMARY KEY,
		workload_name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		hardware_address TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp INTEGER NOT NULL,
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_samples_workload ON samples(namespace, workload_name);
	`

	if _, err := s.pool.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug("Database schema initialized")
	return nil
}
