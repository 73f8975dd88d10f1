// Package metrics holds the Prometheus registry and the scrape/health HTTP
// server.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all tapewatch metrics. One instance per process, passed
// explicitly; nothing registers against the global default.
type Registry struct {
	reg *prometheus.Registry

	// Alert pipeline
	AlertsTotal       *prometheus.CounterVec
	SignalsSuppressed *prometheus.CounterVec
	PushDropped       *prometheus.CounterVec
	SinkDropped       *prometheus.CounterVec

	// Ingestion
	TradesTotal     *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
	ActiveConns     *prometheus.GaugeVec
	BookLevels      *prometheus.GaugeVec
	TradesPerSec    prometheus.Gauge

	// Detection
	SlippagePct *prometheus.HistogramVec

	// Trades/sec derivation
	mu        sync.Mutex
	rateCount int64
	rateMark  time.Time
}

// NewRegistry builds and registers all metrics on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapewatch_alerts_total",
				Help: "Alerts emitted by severity, venue and kind",
			},
			[]string{"severity", "venue", "kind"},
		),
		SignalsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapewatch_signals_suppressed_total",
				Help: "Detector signals dropped before dispatch by reason",
			},
			[]string{"reason"},
		),
		PushDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapewatch_push_dropped_total",
				Help: "Push messages dropped by channel due to rate limiting",
			},
			[]string{"channel"},
		),
		SinkDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapewatch_sink_dropped_total",
				Help: "Alerts dropped from a full sink queue",
			},
			[]string{"sink"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapewatch_trades_total",
				Help: "Trades processed by venue",
			},
			[]string{"venue"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapewatch_reconnects_total",
				Help: "Stream reconnects by shard",
			},
			[]string{"shard"},
		),
		ActiveConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapewatch_active_connections",
				Help: "Open stream connections by venue",
			},
			[]string{"venue"},
		),
		BookLevels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapewatch_orderbook_levels",
				Help: "Tracked order book levels by venue and side",
			},
			[]string{"venue", "side"},
		),
		TradesPerSec: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tapewatch_trades_per_second",
				Help: "Current trade throughput",
			},
		),
		SlippagePct: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tapewatch_slippage_pct",
				Help:    "Observed VWAP slippage percent by venue",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 25.0},
			},
			[]string{"venue"},
		),
	}

	r.reg.MustRegister(
		r.AlertsTotal,
		r.SignalsSuppressed,
		r.PushDropped,
		r.SinkDropped,
		r.TradesTotal,
		r.ReconnectsTotal,
		r.ActiveConns,
		r.BookLevels,
		r.TradesPerSec,
		r.SlippagePct,
	)
	r.rateMark = time.Now()
	return r
}

// Gatherer exposes the underlying registry for the scrape handler and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordAlert counts one emitted alert.
func (r *Registry) RecordAlert(severity, venue, kind string) {
	r.AlertsTotal.WithLabelValues(severity, venue, kind).Inc()
}

// RecordTrade counts one processed trade and folds it into the throughput
// gauge, recomputed about once per second.
func (r *Registry) RecordTrade(venue string) {
	r.TradesTotal.WithLabelValues(venue).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateCount++
	if elapsed := time.Since(r.rateMark); elapsed >= time.Second {
		r.TradesPerSec.Set(float64(r.rateCount) / elapsed.Seconds())
		r.rateCount = 0
		r.rateMark = time.Now()
	}
}

// RecordReconnect counts one reconnect for a shard.
func (r *Registry) RecordReconnect(shard string) {
	r.ReconnectsTotal.WithLabelValues(shard).Inc()
}

// RecordSlippage observes one slippage measurement.
func (r *Registry) RecordSlippage(venue string, pct float64) {
	r.SlippagePct.WithLabelValues(venue).Observe(pct)
}
