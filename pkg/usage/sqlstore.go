package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore keeps counters in the usage_counters table. Each increment is a
// single conditional UPDATE, so concurrent writers on one row serialize on
// the row lock and never overshoot.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a SQL-backed usage store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Get returns the current value of a counter
func (s *SQLStore) Get(ctx context.Context, key Key) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters
		WHERE tenant_id = $1 AND limit_key = $2 AND period = $3
	`, key.TenantID, key.Limit, key.Period).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage %s: %w", key, err)
	}
	return count, nil
}

// Increment adds delta to a counter, creating it on first use
func (s *SQLStore) Increment(ctx context.Context, key Key, delta int64) (int64, error) {
	if err := validDelta(delta); err != nil {
		return 0, err
	}

	query := `
		UPDATE usage_counters
		SET count = count + $1, updated_at = $2
		WHERE tenant_id = $3 AND limit_key = $4 AND period = $5
		RETURNING count
	`
	for attempt := 0; attempt < 2; attempt++ {
		var count int64
		err := s.db.QueryRowContext(ctx, query, delta, s.now().UTC(), key.TenantID, key.Limit, key.Period).Scan(&count)
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to increment usage %s: %w", key, err)
		}
		// Counter row missing for this period
		if _, err := s.initialize(ctx, key); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("failed to increment usage %s: counter row not found", key)
}

// IncrementIfBelow adds delta when count+delta stays within limit
func (s *SQLStore) IncrementIfBelow(ctx context.Context, key Key, delta, limit int64) (int64, bool, error) {
	if err := validDelta(delta); err != nil {
		return 0, false, err
	}

	query := `
		UPDATE usage_counters
		SET count = count + $1, updated_at = $2
		WHERE tenant_id = $3 AND limit_key = $4 AND period = $5 AND count + $1 <= $6
		RETURNING count
	`
	for attempt := 0; attempt < 2; attempt++ {
		var count int64
		err := s.db.QueryRowContext(ctx, query, delta, s.now().UTC(), key.TenantID, key.Limit, key.Period, limit).Scan(&count)
		if err == nil {
			return count, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("failed to increment usage %s: %w", key, err)
		}

		// No row updated: either the row is missing or the limit was hit
		created, err := s.initialize(ctx, key)
		if err != nil {
			return 0, false, err
		}
		if !created {
			current, err := s.Get(ctx, key)
			return current, false, err
		}
	}
	current, err := s.Get(ctx, key)
	return current, false, err
}

// Decrement subtracts delta from a counter without going below zero
func (s *SQLStore) Decrement(ctx context.Context, key Key, delta int64) (int64, error) {
	if err := validDelta(delta); err != nil {
		return 0, err
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE usage_counters
		SET count = CASE WHEN count > $1 THEN count - $1 ELSE 0 END, updated_at = $2
		WHERE tenant_id = $3 AND limit_key = $4 AND period = $5
		RETURNING count
	`, delta, s.now().UTC(), key.TenantID, key.Limit, key.Period).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement usage %s: %w", key, err)
	}
	return count, nil
}

// List returns every counter of a period
func (s *SQLStore) List(ctx context.Context, period string) ([]Counter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, limit_key, period, count
		FROM usage_counters
		WHERE period = $1
		ORDER BY tenant_id, limit_key
	`, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.TenantID, &c.Limit, &c.Period, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// Prune deletes monthly counters older than the given period
func (s *SQLStore) Prune(ctx context.Context, before string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_counters WHERE period < $1 AND period <> $2`,
		before, Lifetime,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// initialize creates a zero counter row, reporting whether it was created
func (s *SQLStore) initialize(ctx context.Context, key Key) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (tenant_id, limit_key, period, count, updated_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (tenant_id, limit_key, period) DO NOTHING
	`, key.TenantID, key.Limit, key.Period, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to initialize usage %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
