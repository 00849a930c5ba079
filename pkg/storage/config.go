package storage

import (
	"fmt"
	"time"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Config for storage backends
type Config struct {
	Type string // "memory", "sqlite", "postgres"

	// SQLite config
	SQLitePath string

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// Redis config; an empty URL keeps limiter, usage and cache in process
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 config for usage snapshots; an empty bucket disables archiving
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             TypeSQLite,
		SQLitePath:       "governor.db",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		S3Region:         "us-east-1",
		S3Prefix:         "governor",
	}
}

// ConnectionConfig returns the SQL connection settings of c
func (c Config) ConnectionConfig() (ConnectionConfig, error) {
	switch c.Type {
	case TypePostgres:
		return ConnectionConfig{
			Driver:      DriverPostgres,
			PrimaryURL:  c.PostgresURL,
			ReplicaURLs: ParseReplicaURLs(c.PostgresReplicaURLs),
			MaxConns:    c.PostgresMaxConns,
			MinConns:    c.PostgresMinConns,
			Timeout:     c.PostgresTimeout,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
		}, nil
	case TypeSQLite:
		return ConnectionConfig{
			Driver:     DriverSQLite,
			PrimaryURL: c.SQLitePath,
			// sqlite serializes writers; one connection avoids SQLITE_BUSY
			MaxConns: 1,
			MinConns: 1,
			Timeout:  c.PostgresTimeout,
		}, nil
	}
	return ConnectionConfig{}, fmt.Errorf("storage type %q has no SQL connection", c.Type)
}
