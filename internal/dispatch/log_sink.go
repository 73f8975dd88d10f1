package dispatch

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
)

// LogSink writes one structured line per alert. Always on.
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, a alert.Alert) error {
	var ev *zerolog.Event
	switch a.Severity {
	case alert.SeverityHigh:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("id", a.ID).
		Str("venue", a.Venue).
		Str("market", string(a.Market)).
		Str("symbol", a.Symbol).
		Str("kind", string(a.Kind)).
		Str("severity", string(a.Severity)).
		Float64("value", a.Value).
		Float64("slippage", a.Slippage).
		Int("count", a.Count).
		Msg(a.Text)
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }
