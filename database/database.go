package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"kpiengine/models"
	"kpiengine/store"
)

// DB wraps the database connection and implements store.Backend on the
// kpi_snapshots table.
type DB struct {
	*sql.DB
}

var _ store.Backend = (*DB)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS kpi_snapshots (
	scope        TEXT        NOT NULL,
	subject_id   TEXT        NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end   TIMESTAMPTZ NOT NULL,
	version      BIGINT      NOT NULL,
	oee          DOUBLE PRECISION,
	closed       BOOLEAN     NOT NULL DEFAULT false,
	closed_at    TIMESTAMPTZ,
	computed_at  TIMESTAMPTZ NOT NULL,
	data         JSONB       NOT NULL,
	PRIMARY KEY (scope, subject_id, period_start, period_end)
);
CREATE INDEX IF NOT EXISTS kpi_snapshots_open_idx ON kpi_snapshots (period_start) WHERE NOT closed;
`

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &DB{db}, nil
}

// EnsureSchema creates the snapshot table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Get retrieves one snapshot by key
func (db *DB) Get(ctx context.Context, key models.SnapshotKey) (*models.KPISnapshot, error) {
	query := `
		SELECT data
		FROM kpi_snapshots
		WHERE scope = $1 AND subject_id = $2 AND period_start = $3 AND period_end = $4
	`

	var data []byte
	err := db.QueryRowContext(ctx, query, string(key.Scope), key.SubjectID, key.PeriodStart.UTC(), key.PeriodEnd.UTC()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap models.KPISnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Put inserts or replaces a snapshot. Closed rows are never overwritten: the
// conflict update is guarded in SQL and reports ErrPeriodClosed.
func (db *DB) Put(ctx context.Context, snap *models.KPISnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO kpi_snapshots (scope, subject_id, period_start, period_end, version, oee, closed, closed_at, computed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scope, subject_id, period_start, period_end) DO UPDATE
		SET version = EXCLUDED.version,
			oee = EXCLUDED.oee,
			closed = EXCLUDED.closed,
			closed_at = EXCLUDED.closed_at,
			computed_at = EXCLUDED.computed_at,
			data = EXCLUDED.data
		WHERE NOT kpi_snapshots.closed
	`

	var oee sql.NullFloat64
	if snap.OEE.Available {
		oee = sql.NullFloat64{Float64: snap.OEE.Value, Valid: true}
	}
	var closedAt sql.NullTime
	if snap.ClosedAt != nil {
		closedAt = sql.NullTime{Time: snap.ClosedAt.UTC(), Valid: true}
	}

	res, err := db.ExecContext(ctx, query, string(snap.Scope), snap.SubjectID, snap.PeriodStart.UTC(), snap.PeriodEnd.UTC(),
		snap.Version, oee, snap.Closed, closedAt, snap.ComputedAt.UTC(), data)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s: %w", snap.Key(), models.ErrPeriodClosed)
	}
	return nil
}

// List retrieves snapshots matching the filter ordered by period start
func (db *DB) List(ctx context.Context, f store.Filter) ([]models.KPISnapshot, error) {
	query := `
		SELECT data
		FROM kpi_snapshots
		WHERE ($1 = '' OR scope = $1)
			AND ($2 = '' OR subject_id = $2)
			AND ($3::timestamptz IS NULL OR period_start >= $3)
			AND ($4::timestamptz IS NULL OR period_start < $4)
			AND (NOT $5 OR NOT closed)
		ORDER BY period_start, scope, subject_id
	`

	rows, err := db.QueryContext(ctx, query, string(f.Scope), f.SubjectID, nullTime(f.From), nullTime(f.To), f.OpenOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]models.KPISnapshot, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var snap models.KPISnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}

	return snaps, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
