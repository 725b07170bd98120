package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tradeguard/internal/findings"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the alerts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS alerts (
			id           UUID PRIMARY KEY,
			alert_id     VARCHAR(128) NOT NULL,
			kind         VARCHAR(32) NOT NULL,
			severity     VARCHAR(16) NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			description  TEXT NOT NULL DEFAULT '',
			subject      VARCHAR(128) NOT NULL DEFAULT '',
			evidence     JSONB NOT NULL DEFAULT '{}',
			tx_ref       VARCHAR(80) NOT NULL DEFAULT '',
			block        BIGINT NOT NULL DEFAULT 0,
			status       VARCHAR(16) NOT NULL DEFAULT 'active'
			             CHECK (status IN ('active', 'mitigated', 'resolved')),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_alert_id_open
			ON alerts (alert_id, created_at DESC) WHERE status <> 'resolved';

		CREATE INDEX IF NOT EXISTS idx_alerts_created
			ON alerts (created_at DESC, id DESC);

		CREATE INDEX IF NOT EXISTS idx_alerts_status
			ON alerts (status, created_at DESC);
	`)
	return err
}

const alertColumns = `id, alert_id, kind, severity, name, description, subject, evidence, tx_ref, block, status, created_at, updated_at`

func (s *PostgresStore) Append(ctx context.Context, a *Alert) error {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		a.ID,
		a.AlertID,
		a.Kind.String(),
		a.Severity.String(),
		a.Name,
		a.Description,
		a.Subject,
		evidence,
		a.TxRef,
		int64(a.Block),
		string(a.Status),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, alertID string, to Status) (int, error) {
	if !to.Valid() {
		return 0, ErrInvalidStatus
	}
	from := predecessors(to)
	if len(from) == 0 {
		return 0, nil
	}
	names := make([]string, len(from))
	for i, st := range from {
		names[i] = string(st)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = $2, updated_at = NOW()
		WHERE alert_id = $1 AND status = ANY($3)
	`, alertID, string(to), pq.Array(names))
	if err != nil {
		return 0, fmt.Errorf("failed to update alert status: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Count(ctx context.Context, alertID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE alert_id = $1 AND status IN ('active', 'mitigated') AND created_at >= $2
	`, alertID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Alert, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Kind != findings.KindUnknown {
		where = append(where, "kind = "+arg(f.Kind.String()))
	}
	if f.Cursor != nil {
		ts := arg(f.Cursor.CreatedAt)
		id := arg(f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id::text) < (%s, %s)", ts, id))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, kind, status, COUNT(*)
		FROM alerts
		GROUP BY severity, kind, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := newStats()
	for rows.Next() {
		var severity, kind, status string
		var n int
		if err := rows.Scan(&severity, &kind, &status, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.BySeverity[severity] += n
		st.ByKind[kind] += n
		st.ByStatus[status] += n
	}
	return st, rows.Err()
}

func (s *PostgresStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE status = 'active'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) ResolveMitigatedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', updated_at = NOW()
		WHERE status = 'mitigated' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve mitigated alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE status = 'resolved' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		a        Alert
		kind     string
		severity string
		status   string
		evidence []byte
		block    int64
	)
	if err := row.Scan(&a.ID, &a.AlertID, &kind, &severity, &a.Name, &a.Description, &a.Subject,
		&evidence, &a.TxRef, &block, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Kind, _ = findings.ParseKind(kind)
	a.Severity, _ = findings.ParseSeverity(severity)
	a.Status = Status(status)
	a.Block = uint64(block)
	if len(evidence) > 0 {
		a.Evidence = make(map[string]string)
		_ = json.Unmarshal(evidence, &a.Evidence)
	}
	return &a, nil
}
