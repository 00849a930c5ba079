// Package storage owns the SQL and Redis connections shared by the stores.
//
// # Backends
//
// Three storage types are supported:
//
//   - memory: every store stays in process; nothing here is used
//   - sqlite: a single file database, for development and small deployments
//   - postgres: a primary with optional read replicas
//
// The plan, usage, abuse and audit SQL stores all accept a *sql.DB and use
// portable SQL ($n placeholders, ON CONFLICT, RETURNING) so that both
// drivers run the same statements.
//
//	cm, err := storage.Open(ctx, cfg.Storage, logger)
//	subs := plans.NewSQLStore(cm.Primary())
//
// # Migrations
//
// Schema files are embedded from migrations/*.sql and applied in name order
// by Migrate. Every statement is idempotent, so Open runs them on each start.
//
// # Redis
//
// NewRedisClient connects the client shared by the distributed rate
// limiter, the Redis usage store and the shared cache layer.
//
// # Replicas
//
//	cm.Primary()  // writes
//	cm.Replica()  // round-robin reads, falls back to the primary
//	cm.StartHealthCheckRoutine(ctx, 30*time.Second)
package storage
