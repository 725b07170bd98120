package circuitbreaker

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAuditStore persists breaker events in PostgreSQL.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a PostgreSQL-backed audit store.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

// Migrate creates the circuit_breaker_events table if it doesn't exist.
func (s *PostgresAuditStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS circuit_breaker_events (
			id             UUID PRIMARY KEY,
			previous_state SMALLINT NOT NULL CHECK (previous_state BETWEEN 0 AND 2),
			new_state      SMALLINT NOT NULL CHECK (new_state BETWEEN 0 AND 2),
			reason         TEXT NOT NULL DEFAULT '',
			triggered_by   VARCHAR(128) NOT NULL,
			tx_ref         VARCHAR(80) NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_cb_events_created
			ON circuit_breaker_events (created_at DESC);
	`)
	return err
}

func (s *PostgresAuditStore) Append(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_events (id, previous_state, new_state, reason, triggered_by, tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, int16(ev.PreviousState), int16(ev.NewState), ev.Reason, ev.TriggeredBy, ev.TxRef, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert circuit breaker event: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) List(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, previous_state, new_state, reason, triggered_by, tx_ref, created_at
		FROM circuit_breaker_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list circuit breaker events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			ev        Event
			prev, cur int16
		)
		if err := rows.Scan(&ev.ID, &prev, &cur, &ev.Reason, &ev.TriggeredBy, &ev.TxRef, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.PreviousState = State(prev)
		ev.NewState = State(cur)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
