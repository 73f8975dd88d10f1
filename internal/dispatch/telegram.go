package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/metrics"
)

const telegramAPIBase = "https://api.telegram.org"

// Channel is one telegram bot/chat pairing with its own rate budget.
type Channel struct {
	Token  string
	ChatID string
	limit  *rate.Limiter
}

// TelegramSink pushes alerts to two channels: High severity to the urgent
// channel, the rest to normal. Without urgent credentials everything goes
// to normal. Over-budget messages are dropped and counted, never queued.
type TelegramSink struct {
	client  *resty.Client
	normal  *Channel
	urgent  *Channel // nil when not configured
	metrics *metrics.Registry
}

// NewTelegramSink builds the sink. perMinute bounds each channel
// independently.
func NewTelegramSink(normalToken, normalChat, urgentToken, urgentChat string, perMinute int, reg *metrics.Registry) *TelegramSink {
	mk := func(token, chat string) *Channel {
		if token == "" {
			return nil
		}
		return &Channel{
			Token:  token,
			ChatID: chat,
			limit:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		}
	}
	return &TelegramSink{
		client: resty.New().
			SetBaseURL(telegramAPIBase).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		normal:  mk(normalToken, normalChat),
		urgent:  mk(urgentToken, urgentChat),
		metrics: reg,
	}
}

// SetBaseURL redirects API calls, for tests.
func (s *TelegramSink) SetBaseURL(u string) { s.client.SetBaseURL(u) }

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, a alert.Alert) error {
	ch, name := s.route(a.Severity)
	if ch == nil {
		return nil
	}
	// Never block the worker on the push budget; drop and count instead.
	if !ch.limit.Allow() {
		if s.metrics != nil {
			s.metrics.PushDropped.WithLabelValues(name).Inc()
		}
		log.Debug().Str("channel", name).Str("alert", a.ID).Msg("push rate limit exceeded, dropping")
		return nil
	}
	err := s.send(ctx, ch, a)
	// A failing urgent channel falls back to normal so High alerts still
	// reach someone.
	if err != nil && ch == s.urgent && s.normal != nil && s.normal.limit.Allow() {
		log.Warn().Err(err).Msg("urgent channel failed, falling back to normal")
		return s.send(ctx, s.normal, a)
	}
	return err
}

// route picks the channel for a severity: High goes urgent when available.
func (s *TelegramSink) route(sev alert.Severity) (*Channel, string) {
	if sev == alert.SeverityHigh && s.urgent != nil {
		return s.urgent, "urgent"
	}
	return s.normal, "normal"
}

func (s *TelegramSink) send(ctx context.Context, ch *Channel, a alert.Alert) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":    ch.ChatID,
			"text":       a.String(),
			"parse_mode": "HTML",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", ch.Token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram send: status %d", resp.StatusCode())
	}
	return nil
}

func (s *TelegramSink) Close(context.Context) error { return nil }
