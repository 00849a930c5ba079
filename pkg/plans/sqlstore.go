package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements SubscriptionStore on database/sql. Queries use $n
// placeholders in ascending order so the same statements run on
// PostgreSQL (lib/pq) and SQLite (go-sqlite3).
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a subscription store on db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// GetSubscription returns the tenant's subscription
func (s *SQLStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	query := `
		SELECT tenant_id, plan_id, status, ends_at, trial_ends_at, updated_at
		FROM subscriptions
		WHERE tenant_id = $1
	`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription creates or replaces the tenant's subscription
func (s *SQLStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf("invalid subscription status %q", sub.Status)
	}
	sub.UpdatedAt = s.now().UTC()

	query := `
		INSERT INTO subscriptions (tenant_id, plan_id, status, ends_at, trial_ends_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			ends_at = excluded.ends_at,
			trial_ends_at = excluded.trial_ends_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sub.TenantID, sub.PlanID, string(sub.Status),
		nullTime(sub.EndsAt), nullTime(sub.TrialEndsAt), sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns active and trialing subscriptions
func (s *SQLStore) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT tenant_id, plan_id, status, ends_at, trial_ends_at, updated_at
		FROM subscriptions
		WHERE status IN ($1, $2)
		ORDER BY tenant_id
	`
	rows, err := s.db.QueryContext(ctx, query, string(StatusActive), string(StatusTrialing))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetTenant returns a tenant by ID
func (s *SQLStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`, tenantID,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// UpsertTenant creates a tenant or renames an existing one
func (s *SQLStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	query := `
		INSERT INTO tenants (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name
	`
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Name, t.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		status      string
		endsAt      sql.NullTime
		trialEndsAt sql.NullTime
	)
	if err := row.Scan(&sub.TenantID, &sub.PlanID, &status, &endsAt, &trialEndsAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	if endsAt.Valid {
		t := endsAt.Time
		sub.EndsAt = &t
	}
	if trialEndsAt.Valid {
		t := trialEndsAt.Time
		sub.TrialEndsAt = &t
	}
	return &sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
