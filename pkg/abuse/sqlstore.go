package abuse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore keeps bindings in integration_bindings. A partial unique index on
// live rows makes concurrent Create calls for one account race-free.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQL-backed binding store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) ActiveBinding(ctx context.Context, account Account) (*Binding, error) {
	b := &Binding{Account: account}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, during_trial, bound_at
		FROM integration_bindings
		WHERE provider = $1 AND account_id = $2 AND released_at IS NULL
	`, account.Provider, account.ID).Scan(&b.TenantID, &b.DuringTrial, &b.BoundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLStore) TrialTenants(ctx context.Context, account Account) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id
		FROM integration_bindings
		WHERE provider = $1 AND account_id = $2 AND during_trial = $3
		ORDER BY tenant_id
	`, account.Provider, account.ID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

func (s *SQLStore) Create(ctx context.Context, b *Binding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_bindings (provider, account_id, tenant_id, during_trial, bound_at)
		VALUES ($1, $2, $3, $4, $5)
	`, b.Account.Provider, b.Account.ID, b.TenantID, b.DuringTrial, b.BoundAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyBound
		}
		return err
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, account Account, tenantID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE integration_bindings
		SET released_at = $1
		WHERE provider = $2 AND account_id = $3 AND tenant_id = $4 AND released_at IS NULL
	`, at, account.Provider, account.ID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to release binding: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrBindingNotFound
	}
	return nil
}

func (s *SQLStore) ListByTenant(ctx context.Context, tenantID string) ([]*Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, account_id, during_trial, bound_at
		FROM integration_bindings
		WHERE tenant_id = $1 AND released_at IS NULL
		ORDER BY provider, account_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Binding
	for rows.Next() {
		b := &Binding{TenantID: tenantID}
		if err := rows.Scan(&b.Account.Provider, &b.Account.ID, &b.DuringTrial, &b.BoundAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// isUniqueViolation matches the unique-constraint errors of lib/pq (23505)
// and go-sqlite3 without importing either driver.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
