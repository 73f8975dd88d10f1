package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/dispatch"
	"github.com/tapewatch/tapewatch/internal/gate"
	"github.com/tapewatch/tapewatch/internal/metrics"
	"github.com/tapewatch/tapewatch/internal/netx/proxy"
	"github.com/tapewatch/tapewatch/internal/netx/ratelimit"
	"github.com/tapewatch/tapewatch/internal/netx/rest"
	"github.com/tapewatch/tapewatch/internal/persistence"
	"github.com/tapewatch/tapewatch/internal/persistence/postgres"
	"github.com/tapewatch/tapewatch/internal/stream"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// Exit codes reported by Run. Init failures exit 1; a shard that gave up
// under the shutdown policy exits 2 so operators can tell the two apart.
const (
	ExitOK         = 0
	ExitInitFailed = 1
	ExitShardFatal = 2
	ExitForced     = 3
)

const (
	restWeightPerSec  = 50
	restWeightBurst   = 1000
	hotWatchInterval  = 5 * time.Second
	volumeRefreshTick = 5 * time.Minute
	dbTimeout         = 5 * time.Second
)

// Supervisor owns service bring-up, the run loop and ordered shutdown.
type Supervisor struct {
	cfg *config.Config
	hot *config.Hot

	registry  *venue.Registry
	catalog   *venue.Catalog
	discovery *venue.Discovery
	volCache  *venue.VolumeCache

	pool       *stream.Pool
	processor  *Processor
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Registry
	metricsSrv *metrics.Server
	repo       persistence.AlertsRepo
	db         *sqlx.DB

	startedAt time.Time
}

// NewSupervisor validates nothing beyond what cfg.Load already did; heavy
// construction happens in Run so failures surface with context.
func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run brings the service up, blocks until shutdown and returns the process
// exit code.
func (s *Supervisor) Run() int {
	s.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.bringUp(ctx); err != nil {
		log.Error().Err(err).Msg("startup failed")
		return ExitInitFailed
	}

	stopWatch := make(chan struct{})
	go s.hot.Watch(stopWatch, hotWatchInterval)
	go s.processor.Run(ctx)
	go s.volumeRefreshLoop(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := ExitOK
loop:
	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutdown requested")
			go func() {
				<-sigCh
				log.Error().Msg("second signal, forcing exit")
				os.Exit(ExitForced)
			}()
			break loop

		case f := <-s.pool.Fatals():
			if s.cfg.RestartShards {
				log.Error().Err(f.Err).Int("shard", f.ShardID).Msg("shard gave up, restarting per policy")
				if err := s.pool.Restart(f.ShardID); err != nil {
					log.Error().Err(err).Int("shard", f.ShardID).Msg("shard restart failed, shutting down")
					exit = ExitShardFatal
					break loop
				}
			} else {
				log.Error().Err(f.Err).Int("shard", f.ShardID).Msg("shard gave up, shutting down per policy")
				exit = ExitShardFatal
				break loop
			}
		}
	}

	close(stopWatch)
	cancel()
	s.shutDown()
	return exit
}

// bringUp constructs every component in dependency order.
func (s *Supervisor) bringUp(ctx context.Context) error {
	hot, err := config.NewHot(s.cfg.TunablesPath)
	if err != nil {
		return fmt.Errorf("tunables: %w", err)
	}
	s.hot = hot

	catalog, err := venue.LoadCatalog(s.cfg.VenuesPath)
	if err != nil {
		return err
	}
	s.catalog = catalog
	s.registry = venue.NewRegistry(true)
	s.discovery = venue.NewDiscovery(s.registry)

	rotator, err := proxy.NewRotator(s.cfg.ProxyList)
	if err != nil {
		return err
	}
	connGate := ratelimit.NewConnGate(0, 0)
	weights := ratelimit.NewManager(restWeightPerSec, restWeightBurst)
	restClient := rest.NewClient(weights, rotator)

	if s.cfg.RedisAddr != "" {
		vc, err := venue.NewVolumeCache(ctx, s.cfg.RedisAddr, s.cfg.RedisPassword)
		if err != nil {
			log.Warn().Err(err).Msg("volume cache unavailable, continuing without it")
		} else {
			s.volCache = vc
		}
	}

	if s.cfg.DatabaseURL != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		s.db = db
		s.repo = postgres.NewAlertsRepo(db, dbTimeout)
	}

	s.metrics = metrics.NewRegistry()
	s.gate = gate.New(s.hot)

	sinks := []dispatch.Sink{dispatch.NewLogSink()}
	if s.repo != nil {
		sinks = append(sinks, dispatch.NewStoreSink(s.repo))
	}
	if s.cfg.PushEnabled() {
		perMin := s.hot.Snapshot().Push.PerChannelPerMin
		sinks = append(sinks, dispatch.NewTelegramSink(
			s.cfg.TelegramNormalToken, s.cfg.TelegramNormalChat,
			s.cfg.TelegramUrgentToken, s.cfg.TelegramUrgentChat,
			perMin, s.metrics))
	}
	s.dispatcher = dispatch.New(s.metrics, sinks...)
	s.dispatcher.Start()

	s.processor = NewProcessor(s.hot, s.registry, s.gate, s.dispatcher, s.metrics, restClient)
	s.pool = stream.NewPool(s.processor, rotator, connGate, s.metrics)

	if err := s.planVenues(ctx); err != nil {
		return err
	}

	s.metricsSrv = metrics.NewServer(s.cfg.MetricsAddr, s.metrics, s.healthReport)
	go func() {
		if err := s.metricsSrv.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	s.pool.Start()
	log.Info().Int("shards", len(s.pool.Shards())).Msg("service running")
	return nil
}

// planVenues discovers the symbol universe per enabled venue and registers
// its shards.
func (s *Supervisor) planVenues(ctx context.Context) error {
	planned := 0
	for _, v := range s.catalog.Enabled() {
		limit, shardSize := s.cfg.SpotSymbols, s.cfg.SpotShardSize
		if v.Market == venue.Futures {
			limit, shardSize = s.cfg.PerpSymbols, s.cfg.PerpShardSize
		}
		if limit <= 0 && len(s.cfg.SymbolsExtra) == 0 {
			continue
		}

		ranked, err := s.discovery.ListSymbols(ctx, v, limit)
		if err != nil {
			return fmt.Errorf("discovery %s/%s: %w", v.Name, v.Market, err)
		}
		s.processor.UpdateVolumes(ranked)
		if s.volCache != nil {
			if err := s.volCache.PutAll(ctx, v.Market, ranked); err != nil {
				log.Warn().Err(err).Msg("volume cache write failed")
			}
		}

		wires := make([]string, 0, len(ranked)+len(s.cfg.SymbolsExtra))
		seen := make(map[string]bool, len(ranked))
		for _, rs := range ranked {
			wires = append(wires, rs.Wire)
			seen[strings.ToUpper(rs.Wire)] = true
		}
		var unranked []venue.CanonicalSymbol
		for _, extra := range s.cfg.SymbolsExtra {
			sym, err := s.registry.Normalize(extra)
			if err != nil {
				log.Warn().Str("symbol", extra).Msg("cannot normalize extra symbol, skipping")
				continue
			}
			wire := s.registry.ToWire(v, sym)
			if !seen[wire] {
				wires = append(wires, wire)
				seen[wire] = true
				unranked = append(unranked, sym)
			}
		}
		s.seedCachedVolumes(ctx, v.Market, unranked)
		if len(wires) == 0 {
			continue
		}
		planned += len(s.pool.AddVenue(v, wires, shardSize))
	}
	if planned == 0 {
		return fmt.Errorf("no shards planned: check venue catalog and symbol limits")
	}
	return nil
}

// seedCachedVolumes restores cached 24h volumes for symbols discovery did
// not rank, so their whale thresholds and depth floors start warm after a
// restart instead of at zero.
func (s *Supervisor) seedCachedVolumes(ctx context.Context, market venue.MarketType, syms []venue.CanonicalSymbol) {
	if s.volCache == nil || len(syms) == 0 {
		return
	}
	var ranked []venue.RankedSymbol
	for _, sym := range syms {
		if vol, ok := s.volCache.Get(ctx, market, sym); ok {
			ranked = append(ranked, venue.RankedSymbol{Symbol: sym, QuoteVolume: vol})
		}
	}
	if len(ranked) > 0 {
		log.Info().Int("symbols", len(ranked)).Str("market", string(market)).Msg("seeded volumes from cache")
		s.processor.UpdateVolumes(ranked)
	}
}

// volumeRefreshLoop re-ranks the universe periodically so depth floors and
// whale thresholds track the market.
func (s *Supervisor) volumeRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(volumeRefreshTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, v := range s.catalog.Enabled() {
				ranked, err := s.discovery.ListSymbols(ctx, v, 0)
				if err != nil {
					log.Warn().Err(err).Str("venue", v.Name).Msg("volume refresh failed")
					continue
				}
				s.processor.UpdateVolumes(ranked)
				if s.volCache != nil {
					if err := s.volCache.PutAll(ctx, v.Market, ranked); err != nil {
						log.Warn().Err(err).Msg("volume cache write failed")
					}
				}
			}
		}
	}
}

func (s *Supervisor) healthReport() metrics.HealthReport {
	report := metrics.HealthReport{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	for _, sh := range s.pool.Shards() {
		st := sh.State()
		if st == stream.StateFailed {
			report.Status = "degraded"
		}
		report.Shards = append(report.Shards, metrics.ShardStatus{
			Shard:      fmt.Sprintf("%s-%s-%d", sh.Venue.Name, sh.Venue.Market, sh.ID),
			Venue:      sh.Venue.Name,
			Market:     string(sh.Venue.Market),
			State:      st.String(),
			Symbols:    len(sh.Symbols),
			Reconnects: sh.Reconnects(),
		})
		report.Tracked += len(sh.Symbols)
	}
	report.Buckets = s.gate.Snapshot().OpenBuckets
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if n, err := s.repo.TodayCount(ctx); err == nil {
			report.AlertsToday = n
		}
	}
	return report
}

// shutDown tears components down in reverse order: streams first so no new
// signals arrive, then the final gate flush, then the sinks.
func (s *Supervisor) shutDown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	if err := s.pool.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("stream pool stop incomplete")
	}

	if alerts := s.gate.FlushAll(); len(alerts) > 0 {
		log.Info().Int("alerts", len(alerts)).Msg("flushing open aggregation buckets")
		s.dispatcher.DispatchAll(alerts)
	}
	if err := s.dispatcher.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("dispatcher close incomplete")
	}

	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(drainCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown incomplete")
		}
	}
	if s.volCache != nil {
		s.volCache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	log.Info().Msg("shutdown complete")
}
