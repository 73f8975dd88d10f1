package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ShardStatus is one shard's connection state for /health.
type ShardStatus struct {
	Shard      string `json:"shard"`
	Venue      string `json:"venue"`
	Market     string `json:"market"`
	State      string `json:"state"`
	Symbols    int    `json:"symbols"`
	Reconnects int    `json:"reconnects"`
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status      string        `json:"status"`
	Uptime      string        `json:"uptime"`
	Shards      []ShardStatus `json:"shards"`
	Tracked     int           `json:"tracked_symbols"`
	Buckets     int           `json:"open_buckets"`
	AlertsToday int           `json:"alerts_today"`
}

// HealthFunc supplies the current report; called per request.
type HealthFunc func() HealthReport

// Server exposes /metrics and /health.
type Server struct {
	srv *http.Server
}

// NewServer wires the scrape endpoint and health handler onto a router.
func NewServer(addr string, reg *Registry, health HealthFunc) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		report := HealthReport{Status: "ok"}
		if health != nil {
			report = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Warn().Err(err).Msg("health encode failed")
		}
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown. Blocks; run in its own goroutine.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("metrics server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
