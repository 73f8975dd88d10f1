package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapewatch/tapewatch/internal/alert"
)

func newMockRepo(t *testing.T) (*alertsRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	return &alertsRepo{db: sdb, timeout: 5 * time.Second}, mock
}

func sampleAlert(id string) alert.Alert {
	return alert.Alert{
		ID: id, TS: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Venue: "binance", Market: alert.MarketSpot, Symbol: "BTCUSDT",
		Kind: alert.KindSlippage, Severity: alert.SeverityHigh,
		Value: 100_000, Price: 50_000, Slippage: 10.5,
		Side: alert.SideBuy, Count: 1, Text: "big sweep",
	}
}

func TestInsertBatch(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO alerts`)
	prep.ExpectExec().WithArgs(
		"a1", sqlmock.AnyArg(), "binance", "spot", "BTCUSDT", "slippage", "high",
		100_000.0, 50_000.0, 10.5, "BUY", 1, "big sweep",
	).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(
		"a2", sqlmock.AnyArg(), "binance", "spot", "BTCUSDT", "slippage", "high",
		100_000.0, 50_000.0, 10.5, "BUY", 1, "big sweep",
	).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.InsertBatch(context.Background(), []alert.Alert{sampleAlert("a1"), sampleAlert("a2")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_EmptyIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)
	require.NoError(t, repo.InsertBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_RollsBackOnError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO alerts`)
	prep.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.InsertBatch(context.Background(), []alert.Alert{sampleAlert("a1")})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecent(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"id", "alert_id", "ts", "venue", "market", "symbol", "kind", "severity", "value", "price", "slippage", "side", "cnt", "text"}).
		AddRow(2, "a2", time.Now(), "binance", "spot", "ETHUSDT", "basis", "medium", 1.5, 0, 0, "BUY", 1, "").
		AddRow(1, "a1", time.Now(), "binance", "spot", "BTCUSDT", "slippage", "high", 100000, 50000, 10.5, "BUY", 1, "big sweep")
	mock.ExpectQuery(`SELECT \* FROM alerts ORDER BY ts DESC LIMIT \$1`).
		WithArgs(10).WillReturnRows(rows)

	out, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "ETHUSDT", out[0].Symbol)
	assert.Equal(t, "slippage", out[1].Kind)
}

func TestBySymbol(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"id", "alert_id", "ts", "venue", "market", "symbol", "kind", "severity", "value", "price", "slippage", "side", "cnt", "text"}).
		AddRow(1, "a1", time.Now(), "binance", "spot", "BTCUSDT", "pump", "high", 0, 50000, 0, "BUY", 1, "")
	mock.ExpectQuery(`SELECT \* FROM alerts WHERE symbol = \$1 AND ts >= \$2`).
		WithArgs("BTCUSDT", since, 50).WillReturnRows(rows)

	out, err := repo.BySymbol(context.Background(), "BTCUSDT", since, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "pump", out[0].Kind)
}

func TestCountBySeverity(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Now().Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{"severity", "count"}).
		AddRow("high", 3).AddRow("low", 12)
	mock.ExpectQuery(`SELECT severity, COUNT\(\*\) FROM alerts`).
		WithArgs(since).WillReturnRows(rows)

	out, err := repo.CountBySeverity(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"high": 3, "low": 12}, out)
}

func TestTodayCount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM alerts WHERE ts >=`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := repo.TodayCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
