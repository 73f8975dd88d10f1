// Package replay feeds recorded trade tapes through the detector pipeline
// for tuning and regression work. The input is CSV with the columns
// ts,symbol,venue,market,side,price,size,isBuyerMaker where ts is unix
// milliseconds or RFC3339.
package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/detect"
	"github.com/tapewatch/tapewatch/internal/venue"
)

const columns = 8

// ParseRow converts one CSV record into a trade.
func ParseRow(rec []string) (detect.Trade, error) {
	if len(rec) != columns {
		return detect.Trade{}, fmt.Errorf("want %d columns, got %d", columns, len(rec))
	}

	ts, err := parseTS(rec[0])
	if err != nil {
		return detect.Trade{}, fmt.Errorf("ts %q: %w", rec[0], err)
	}
	market := venue.MarketType(strings.ToLower(strings.TrimSpace(rec[3])))
	if !market.Valid() {
		return detect.Trade{}, fmt.Errorf("market %q: unknown", rec[3])
	}
	var side alert.Side
	switch strings.ToUpper(strings.TrimSpace(rec[4])) {
	case "BUY":
		side = alert.SideBuy
	case "SELL":
		side = alert.SideSell
	default:
		return detect.Trade{}, fmt.Errorf("side %q: unknown", rec[4])
	}
	price, err := strconv.ParseFloat(rec[5], 64)
	if err != nil || price <= 0 {
		return detect.Trade{}, fmt.Errorf("price %q: invalid", rec[5])
	}
	size, err := strconv.ParseFloat(rec[6], 64)
	if err != nil || size <= 0 {
		return detect.Trade{}, fmt.Errorf("size %q: invalid", rec[6])
	}
	buyerMaker, err := strconv.ParseBool(strings.TrimSpace(rec[7]))
	if err != nil {
		return detect.Trade{}, fmt.Errorf("isBuyerMaker %q: invalid", rec[7])
	}
	// The taker side is authoritative when present; the maker flag is kept
	// for tapes exported straight from the wire where side was derived.
	_ = buyerMaker

	return detect.Trade{
		Venue:  strings.ToLower(strings.TrimSpace(rec[2])),
		Market: market,
		Symbol: strings.ToUpper(strings.TrimSpace(rec[1])),
		TS:     ts,
		Price:  price,
		Size:   size,
		Side:   side,
	}, nil
}

func parseTS(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}

// Stats summarizes one replay run.
type Stats struct {
	Rows    int
	Skipped int
	First   time.Time
	Last    time.Time
}

// Runner streams a tape into a consumer. Speed 1 replays at recorded pace,
// higher values accelerate proportionally, 0 runs unthrottled.
type Runner struct {
	Speed float64
}

// Run reads the tape to EOF or ctx cancellation. Malformed rows are
// skipped and counted, not fatal; a tape with a stray bad line should
// still replay.
func (r *Runner) Run(ctx context.Context, src io.Reader, consume func(detect.Trade)) (Stats, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	var stats Stats
	var prevTS time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := reader.Read()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read tape: %w", err)
		}
		if isHeader(rec) {
			continue
		}

		t, err := ParseRow(rec)
		if err != nil {
			stats.Skipped++
			log.Debug().Err(err).Msg("skipping malformed tape row")
			continue
		}

		if r.Speed > 0 && !prevTS.IsZero() && t.TS.After(prevTS) {
			gap := time.Duration(float64(t.TS.Sub(prevTS)) / r.Speed)
			timer := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return stats, ctx.Err()
			case <-timer.C:
			}
		}
		prevTS = t.TS

		consume(t)
		stats.Rows++
		if stats.First.IsZero() {
			stats.First = t.TS
		}
		stats.Last = t.TS
	}
}

func isHeader(rec []string) bool {
	return len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "ts")
}
