package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/biznespilot/governor/pkg/observability"
)

// SQL driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ConnectionManager manages the primary connection and optional read replicas
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // Atomic counter for round-robin selection
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	Driver      string
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewConnectionManager opens the primary and any reachable replicas.
// Unreachable replicas are logged and skipped.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if config.Driver == "" {
		config.Driver = DriverPostgres
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	primary, err := sql.Open(config.Driver, config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	configurePool(primary, config.MaxConns, config)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}

	cm := newConnectionManager(primary, config, logger)
	for i, replicaURL := range config.ReplicaURLs {
		if err := cm.AddReplica(replicaURL); err != nil {
			logger.WithError(err).WithField("replica", i).Warn("skipping replica")
		}
	}

	logger.WithFields(map[string]any{
		"driver":   config.Driver,
		"replicas": len(cm.replicas),
	}).Info("connection manager initialized")
	return cm, nil
}

// NewConnectionManagerFromDB wraps an existing primary handle
func NewConnectionManagerFromDB(db *sql.DB, logger *observability.Logger) *ConnectionManager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return newConnectionManager(db, ConnectionConfig{Timeout: 5 * time.Second}, logger)
}

func newConnectionManager(primary *sql.DB, config ConnectionConfig, logger *observability.Logger) *ConnectionManager {
	return &ConnectionManager{
		primary:  primary,
		replicas: make([]*sql.DB, 0),
		config:   config,
		logger:   logger,
	}
}

func configurePool(db *sql.DB, maxConns int, config ConnectionConfig) {
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if config.MinConns > 0 {
		db.SetMaxIdleConns(config.MinConns)
	}
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection
// Falls back to primary if no replicas are available
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// HealthCheck checks the health of primary and all replicas
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		// All replicas are down, but primary is up (degraded state)
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics for primary and replicas
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{Primary: cm.primary.Stats()}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return removed
}

// AddReplica adds a new replica connection at runtime
func (cm *ConnectionManager) AddReplica(replicaURL string) error {
	driver := cm.config.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	replica, err := sql.Open(driver, replicaURL)
	if err != nil {
		return fmt.Errorf("failed to open replica connection: %w", err)
	}
	configurePool(replica, max(cm.config.MaxConns/2, 2), cm.config)

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	if err := replica.PingContext(ctx); err != nil {
		replica.Close()
		return fmt.Errorf("failed to ping replica: %w", err)
	}

	cm.mu.Lock()
	cm.replicas = append(cm.replicas, replica)
	cm.mu.Unlock()
	return nil
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// StartHealthCheckRoutine periodically drops unhealthy replicas until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(cm.logger, "replica health check")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()
				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("removed unhealthy replicas")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
