// Package postgres implements the alert store on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/persistence"
)

// Schema creates the alerts table and its query indexes. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id        BIGSERIAL PRIMARY KEY,
	alert_id  TEXT NOT NULL UNIQUE,
	ts        TIMESTAMPTZ NOT NULL,
	venue     TEXT NOT NULL,
	market    TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	kind      TEXT NOT NULL,
	severity  TEXT NOT NULL,
	value     DOUBLE PRECISION NOT NULL DEFAULT 0,
	price     DOUBLE PRECISION NOT NULL DEFAULT 0,
	slippage  DOUBLE PRECISION NOT NULL DEFAULT 0,
	side      TEXT NOT NULL DEFAULT '',
	cnt       INTEGER NOT NULL DEFAULT 1,
	text      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts (ts);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts (severity);
CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts (symbol);
`

type alertsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlertsRepo creates a PostgreSQL alerts repository.
func NewAlertsRepo(db *sqlx.DB, timeout time.Duration) persistence.AlertsRepo {
	return &alertsRepo{db: db, timeout: timeout}
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply alerts schema: %w", err)
	}
	return nil
}

// InsertBatch writes a batch atomically. Duplicate alert ids are reported,
// not silently swallowed.
func (r *alertsRepo) InsertBatch(ctx context.Context, alerts []alert.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(alerts)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alerts batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alerts (alert_id, ts, venue, market, symbol, kind, severity, value, price, slippage, side, cnt, text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)
	if err != nil {
		return fmt.Errorf("prepare alerts insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range alerts {
		row := persistence.FromAlert(a)
		_, err := stmt.ExecContext(ctx,
			row.AlertID, row.TS, row.Venue, row.Market, row.Symbol, row.Kind,
			row.Severity, row.Value, row.Price, row.Slippage, row.Side, row.Count, row.Text)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("duplicate alert %s: %w", row.AlertID, err)
			}
			return fmt.Errorf("insert alert %s: %w", row.AlertID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alerts batch: %w", err)
	}
	return nil
}

// Recent returns the latest alerts, newest first.
func (r *alertsRepo) Recent(ctx context.Context, limit int) ([]persistence.StoredAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.StoredAlert
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM alerts ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent alerts: %w", err)
	}
	return out, nil
}

// BySymbol returns alerts for one symbol since a timestamp, newest first.
func (r *alertsRepo) BySymbol(ctx context.Context, symbol string, since time.Time, limit int) ([]persistence.StoredAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.StoredAlert
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM alerts WHERE symbol = $1 AND ts >= $2 ORDER BY ts DESC LIMIT $3`,
		symbol, since, limit)
	if err != nil {
		return nil, fmt.Errorf("select alerts for %s: %w", symbol, err)
	}
	return out, nil
}

// CountBySeverity returns alert counts per severity since a timestamp.
func (r *alertsRepo) CountBySeverity(ctx context.Context, since time.Time) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT severity, COUNT(*) FROM alerts WHERE ts >= $1 GROUP BY severity`, since)
	if err != nil {
		return nil, fmt.Errorf("count alerts by severity: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		out[severity] = n
	}
	return out, rows.Err()
}

// TodayCount returns the number of alerts stored since UTC midnight.
func (r *alertsRepo) TodayCount(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM alerts WHERE ts >= date_trunc('day', now() AT TIME ZONE 'utc')`)
	if err != nil {
		return 0, fmt.Errorf("count today's alerts: %w", err)
	}
	return n, nil
}
