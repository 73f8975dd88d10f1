package config

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Tunables are the detector and gate parameters that can change at runtime
// without a restart. Snapshots are immutable; mutate nothing you get back
// from Hot.Snapshot.
type Tunables struct {
	Imbalance ImbalanceTunables `mapstructure:"imbalance"`
	Slippage  SlippageTunables  `mapstructure:"slippage"`
	Whale     WhaleTunables     `mapstructure:"whale"`
	PumpDump  PumpDumpTunables  `mapstructure:"pump_dump"`
	Basis     BasisTunables     `mapstructure:"basis"`
	Gate      GateTunables      `mapstructure:"gate"`
	Push      PushTunables      `mapstructure:"push"`
}

type ImbalanceTunables struct {
	Enabled       bool    `mapstructure:"enabled"`
	DeltaTrigger  float64 `mapstructure:"delta_trigger"`
	LevelTrigger  float64 `mapstructure:"level_trigger"`
	DeltaReset    float64 `mapstructure:"delta_reset"`
	ConfirmTicks  int     `mapstructure:"confirm_ticks"`
	WarmupTicks   int     `mapstructure:"warmup_ticks"`
	CooldownSec   int     `mapstructure:"cooldown_sec"`
	EMAAlpha      float64 `mapstructure:"ema_alpha"`
	SigmoidGain   float64 `mapstructure:"sigmoid_gain"`
	MinSpreadBps  float64 `mapstructure:"min_spread_bps"`
	MaxSpreadBps  float64 `mapstructure:"max_spread_bps"`
	DepthFloorUSD float64 `mapstructure:"depth_floor_usd"`
	DepthFraction float64 `mapstructure:"depth_fraction"` // of 24h volume
}

type SlippageTunables struct {
	Enabled        bool    `mapstructure:"enabled"`
	LowCut         float64 `mapstructure:"low_cut"`
	MedCut         float64 `mapstructure:"med_cut"`
	HighCut        float64 `mapstructure:"high_cut"`
	SpotMinUSD     float64 `mapstructure:"spot_min_usd"`
	PerpMinUSD     float64 `mapstructure:"perp_min_usd"`
	SkipTop        int     `mapstructure:"skip_top"`
	MinLevels      int     `mapstructure:"min_levels"`
	SampleCap      int     `mapstructure:"sample_cap"`
	SampleTTLSec   int     `mapstructure:"sample_ttl_sec"`
	MinSamples     int     `mapstructure:"min_samples"`
	FallbackMajor  float64 `mapstructure:"fallback_major_pct"`
	FallbackOther  float64 `mapstructure:"fallback_other_pct"`
	FloorMajor     float64 `mapstructure:"floor_major_pct"`
	FloorOther     float64 `mapstructure:"floor_other_pct"`
}

type WhaleTunables struct {
	Enabled           bool    `mapstructure:"enabled"`
	VolEMAFraction    float64 `mapstructure:"vol_ema_fraction"`
	MinThresholdUSD   float64 `mapstructure:"min_threshold_usd"`
	WindowMin         int     `mapstructure:"window_min"`
	MinOrders         int     `mapstructure:"min_orders"`
	AccumulationRatio float64 `mapstructure:"accumulation_ratio"`
	WallPersistSec    int     `mapstructure:"wall_persist_sec"`
	WallMinUSD        float64 `mapstructure:"wall_min_usd"`
	StopHuntRebSec    int     `mapstructure:"stop_hunt_rebound_sec"`
	StopHuntVolMult   float64 `mapstructure:"stop_hunt_vol_mult"`
}

type PumpDumpTunables struct {
	Enabled     bool    `mapstructure:"enabled"`
	WindowSec   int     `mapstructure:"window_sec"`
	MovePct     float64 `mapstructure:"move_pct"`
	CooldownSec int     `mapstructure:"cooldown_sec"`
}

type BasisTunables struct {
	Enabled      bool    `mapstructure:"enabled"`
	ThresholdPct float64 `mapstructure:"threshold_pct"`
	HighPct      float64 `mapstructure:"high_pct"`
	StaleSec     int     `mapstructure:"stale_sec"`
	CooldownSec  int     `mapstructure:"cooldown_sec"`
}

type GateTunables struct {
	DedupCooldownSec int `mapstructure:"dedup_cooldown_sec"`
	AggregationSec   int `mapstructure:"aggregation_sec"`
	EscalationCount  int `mapstructure:"escalation_count"`
	QuietPeriodSec   int `mapstructure:"quiet_period_sec"`
}

type PushTunables struct {
	PerChannelPerMin int `mapstructure:"per_channel_per_min"`
}

// Defaults returns the baseline tunables used when the overlay file is
// absent or partial.
func Defaults() Tunables {
	return Tunables{
		Imbalance: ImbalanceTunables{
			Enabled:       true,
			DeltaTrigger:  0.70,
			LevelTrigger:  0.85,
			DeltaReset:    0.20,
			ConfirmTicks:  3,
			WarmupTicks:   10,
			CooldownSec:   60,
			EMAAlpha:      0.1,
			SigmoidGain:   2.0,
			MinSpreadBps:  1,
			MaxSpreadBps:  500,
			DepthFloorUSD: 100_000,
			DepthFraction: 0.001,
		},
		Slippage: SlippageTunables{
			Enabled:       true,
			LowCut:        0.5,
			MedCut:        2.0,
			HighCut:       10.0,
			SpotMinUSD:    50_000,
			PerpMinUSD:    20_000,
			SkipTop:       0,
			MinLevels:     3,
			SampleCap:     1000,
			SampleTTLSec:  3600,
			MinSamples:    100,
			FallbackMajor: 1.5,
			FallbackOther: 2.0,
			FloorMajor:    0.5,
			FloorOther:    1.0,
		},
		Whale: WhaleTunables{
			Enabled:           true,
			VolEMAFraction:    0.01,
			MinThresholdUSD:   10_000,
			WindowMin:         30,
			MinOrders:         3,
			AccumulationRatio: 0.8,
			WallPersistSec:    300,
			WallMinUSD:        1_000_000,
			StopHuntRebSec:    10,
			StopHuntVolMult:   3.0,
		},
		PumpDump: PumpDumpTunables{
			Enabled:     true,
			WindowSec:   60,
			MovePct:     3.0,
			CooldownSec: 300,
		},
		Basis: BasisTunables{
			Enabled:      true,
			ThresholdPct: 1.0,
			HighPct:      2.0,
			StaleSec:     60,
			CooldownSec:  300,
		},
		Gate: GateTunables{
			DedupCooldownSec: 60,
			AggregationSec:   30,
			EscalationCount:  5,
			QuietPeriodSec:   5,
		},
		Push: PushTunables{PerChannelPerMin: 30},
	}
}

// Validate rejects overlays that would wedge a detector.
func (t Tunables) Validate() error {
	if t.Imbalance.DeltaTrigger <= 0 || t.Imbalance.DeltaTrigger > 1 {
		return fmt.Errorf("imbalance.delta_trigger out of range: %v", t.Imbalance.DeltaTrigger)
	}
	if t.Imbalance.LevelTrigger <= 0 || t.Imbalance.LevelTrigger > 1 {
		return fmt.Errorf("imbalance.level_trigger out of range: %v", t.Imbalance.LevelTrigger)
	}
	if t.Imbalance.ConfirmTicks < 1 {
		return fmt.Errorf("imbalance.confirm_ticks must be >= 1")
	}
	if t.Imbalance.EMAAlpha <= 0 || t.Imbalance.EMAAlpha > 1 {
		return fmt.Errorf("imbalance.ema_alpha out of range: %v", t.Imbalance.EMAAlpha)
	}
	if !(t.Slippage.LowCut < t.Slippage.MedCut && t.Slippage.MedCut < t.Slippage.HighCut) {
		return fmt.Errorf("slippage cuts must be strictly increasing")
	}
	if t.Whale.AccumulationRatio <= 0.5 || t.Whale.AccumulationRatio > 1 {
		return fmt.Errorf("whale.accumulation_ratio out of range: %v", t.Whale.AccumulationRatio)
	}
	if t.Basis.HighPct < t.Basis.ThresholdPct {
		return fmt.Errorf("basis.high_pct must be >= basis.threshold_pct")
	}
	if t.Push.PerChannelPerMin < 1 {
		return fmt.Errorf("push.per_channel_per_min must be >= 1")
	}
	return nil
}

// Hot serves an atomically swappable Tunables snapshot backed by a JSON
// overlay file. A missing file means pure defaults; a broken reload keeps
// the prior snapshot.
type Hot struct {
	path    string
	current atomic.Value // Tunables

	mu        sync.Mutex
	modTime   time.Time
	callbacks []func(Tunables)
}

// NewHot loads the initial snapshot. An unreadable or invalid overlay at
// startup is a hard error; later reload failures are logged and ignored.
func NewHot(path string) (*Hot, error) {
	h := &Hot{path: path}
	t, mod, err := h.read()
	if err != nil {
		return nil, fmt.Errorf("load tunables: %w", err)
	}
	h.current.Store(t)
	h.modTime = mod
	return h, nil
}

// Snapshot returns the current tunables. The returned value is a copy.
func (h *Hot) Snapshot() Tunables {
	return h.current.Load().(Tunables)
}

// OnChange registers a callback invoked after every successful reload.
func (h *Hot) OnChange(fn func(Tunables)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

// Watch polls the overlay file every interval and also reloads on SIGHUP.
// Blocks until the stop channel closes.
func (h *Hot) Watch(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-hup:
			h.reload(true)
		case <-ticker.C:
			h.reload(false)
		}
	}
}

// reload re-reads the overlay. forced skips the mtime check (SIGHUP path).
func (h *Hot) reload(forced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !forced {
		st, err := os.Stat(h.path)
		if err != nil {
			return // absent overlay, keep current
		}
		if !st.ModTime().After(h.modTime) {
			return
		}
	}

	t, mod, err := h.read()
	if err != nil {
		log.Warn().Err(err).Str("path", h.path).Msg("tunables reload failed, keeping prior snapshot")
		return
	}
	h.current.Store(t)
	h.modTime = mod
	log.Info().Str("path", h.path).Msg("tunables reloaded")

	for _, fn := range h.callbacks {
		fn(t)
	}
}

// read loads defaults, overlays the JSON file if present and validates.
func (h *Hot) read() (Tunables, time.Time, error) {
	t := Defaults()

	st, err := os.Stat(h.path)
	if os.IsNotExist(err) {
		return t, time.Time{}, nil
	}
	if err != nil {
		return Tunables{}, time.Time{}, err
	}

	v := viper.New()
	v.SetConfigFile(h.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Tunables{}, time.Time{}, fmt.Errorf("read overlay: %w", err)
	}
	if err := v.Unmarshal(&t); err != nil {
		return Tunables{}, time.Time{}, fmt.Errorf("unmarshal overlay: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tunables{}, time.Time{}, err
	}
	return t, st.ModTime(), nil
}
