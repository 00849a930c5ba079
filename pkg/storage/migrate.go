package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/biznespilot/governor/pkg/observability"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema migrations in filename order.
// Every statement is idempotent, so Migrate can run on each startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Open connects to the configured SQL backend and applies migrations
func Open(ctx context.Context, config Config, logger *observability.Logger) (*ConnectionManager, error) {
	cc, err := config.ConnectionConfig()
	if err != nil {
		return nil, err
	}
	cm, err := NewConnectionManager(cc, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, cm.Primary()); err != nil {
		cm.Close()
		return nil, err
	}
	return cm, nil
}
