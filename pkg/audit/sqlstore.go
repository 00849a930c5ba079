package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/biznespilot/governor/pkg/events"
)

// SQLStore keeps records in governance_events
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQL-backed audit store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, r *Record) error {
	if r.TenantID == "" || r.EventType == "" {
		return ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_events (id, tenant_id, event_type, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.TenantID, string(r.EventType), r.OccurredAt.UTC(), string(r.Payload))
	return err
}

func (s *SQLStore) Search(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.TenantID != "" {
		where = append(where, "tenant_id = "+arg(f.TenantID))
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = arg(string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at < "+arg(f.Until.UTC()))
	}

	query := "SELECT id, tenant_id, event_type, occurred_at, payload FROM governance_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id"
	query += " LIMIT " + arg(normalizeLimit(f.Limit))
	query += " OFFSET " + arg(max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r         Record
			eventType string
			payload   string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &eventType, &r.OccurredAt, &payload); err != nil {
			return nil, err
		}
		r.EventType = events.Type(eventType)
		r.Payload = []byte(payload)
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *SQLStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM governance_events WHERE occurred_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit records: %w", err)
	}
	return res.RowsAffected()
}
