// Package persistence defines the storage interfaces for alert records.
package persistence

import (
	"context"
	"time"

	"github.com/tapewatch/tapewatch/internal/alert"
)

// StoredAlert is one persisted alert row.
type StoredAlert struct {
	ID       int64     `db:"id"`
	AlertID  string    `db:"alert_id"`
	TS       time.Time `db:"ts"`
	Venue    string    `db:"venue"`
	Market   string    `db:"market"`
	Symbol   string    `db:"symbol"`
	Kind     string    `db:"kind"`
	Severity string    `db:"severity"`
	Value    float64   `db:"value"`
	Price    float64   `db:"price"`
	Slippage float64   `db:"slippage"`
	Side     string    `db:"side"`
	Count    int       `db:"cnt"`
	Text     string    `db:"text"`
}

// FromAlert maps an alert record to its storage row.
func FromAlert(a alert.Alert) StoredAlert {
	return StoredAlert{
		AlertID:  a.ID,
		TS:       a.TS,
		Venue:    a.Venue,
		Market:   string(a.Market),
		Symbol:   a.Symbol,
		Kind:     string(a.Kind),
		Severity: string(a.Severity),
		Value:    a.Value,
		Price:    a.Price,
		Slippage: a.Slippage,
		Side:     string(a.Side),
		Count:    a.Count,
		Text:     a.Text,
	}
}

// AlertsRepo is the persistent alert store.
type AlertsRepo interface {
	InsertBatch(ctx context.Context, alerts []alert.Alert) error
	Recent(ctx context.Context, limit int) ([]StoredAlert, error)
	BySymbol(ctx context.Context, symbol string, since time.Time, limit int) ([]StoredAlert, error)
	CountBySeverity(ctx context.Context, since time.Time) (map[string]int, error)
	TodayCount(ctx context.Context) (int, error)
}
