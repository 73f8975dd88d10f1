package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/book"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/venue"
)

const (
	imbalanceTopK    = 10
	ratioEpsilon     = 1e-9
	zombieSoftCap    = 3000
	zombieTTL        = time.Hour
	zombieSweepEvery = time.Minute
)

type imbalancePhase int

const (
	phaseWarmup imbalancePhase = iota
	phaseInactive
	phasePending
	phaseActive
	phaseCrossMarket
)

func (p imbalancePhase) String() string {
	switch p {
	case phaseWarmup:
		return "warmup"
	case phaseInactive:
		return "inactive"
	case phasePending:
		return "pending"
	case phaseActive:
		return "active"
	default:
		return "cross_market"
	}
}

type imbalanceDirection int

const (
	directionNone imbalanceDirection = iota
	directionBuy
	directionSell
)

func (d imbalanceDirection) side() alert.Side {
	if d == directionBuy {
		return alert.SideBuy
	}
	return alert.SideSell
}

func (d imbalanceDirection) opposite() imbalanceDirection {
	switch d {
	case directionBuy:
		return directionSell
	case directionSell:
		return directionBuy
	default:
		return directionNone
	}
}

// imbalanceState is the per-symbol detector state.
type imbalanceState struct {
	phase      imbalancePhase
	ticks      int
	emaScore   float64
	emaSeeded  bool
	lastUpdate time.Time

	pendingDir    imbalanceDirection
	pendingCount  int
	pendingReason string

	activeDir imbalanceDirection
	preFlip   imbalanceDirection

	lastAlert time.Time
}

// Imbalance is the weighted book-imbalance detector. Per-level weights decay
// with distance from mid in spread units; the power ratio is squashed
// through a log-sigmoid into a score in (-1, 1), and a trigger-confirm state
// machine turns score movement into at most one signal per cooldown.
type Imbalance struct {
	hot *config.Hot

	states    map[string]*imbalanceState
	lastSweep time.Time
	vol24h    func(symbol string) (float64, bool)
}

// NewImbalance creates the detector. vol24h supplies the trailing 24h quote
// volume used for the depth floor; it may return ok=false for unknown
// symbols.
func NewImbalance(hot *config.Hot, vol24h func(symbol string) (float64, bool)) *Imbalance {
	if vol24h == nil {
		vol24h = func(string) (float64, bool) { return 0, false }
	}
	return &Imbalance{
		hot:    hot,
		states: make(map[string]*imbalanceState),
		vol24h: vol24h,
	}
}

// OnDepth processes one book update for a symbol. Returns a signal when the
// state machine confirms an imbalance, nil otherwise.
func (im *Imbalance) OnDepth(vn string, market venue.MarketType, symbol string, l *book.Ladder, now time.Time) *Signal {
	cfg := im.hot.Snapshot().Imbalance
	if !cfg.Enabled {
		return nil
	}

	st := im.state(symbol, now)
	st.ticks++
	st.lastUpdate = now
	im.maybeSweep(now)

	bids := l.TopN(book.Bid, imbalanceTopK)
	asks := l.TopN(book.Ask, imbalanceTopK)
	if len(bids) == 0 || len(asks) == 0 || l.Crossed() {
		st.phase = phaseCrossMarket
		return nil
	}
	if st.phase == phaseCrossMarket {
		// Recovered from a crossed book; rebuild the baseline before alerting.
		st.phase = phaseInactive
		st.emaSeeded = false
	}

	// Total liquidity across the observed top levels must clear the depth
	// floor, otherwise thin books produce meaningless ratios.
	if depthNotional(bids)+depthNotional(asks) < im.depthFloor(symbol, cfg) {
		return nil
	}

	score := im.score(bids, asks, cfg)

	var delta float64
	if st.emaSeeded {
		delta = score - st.emaScore
		st.emaScore = cfg.EMAAlpha*score + (1-cfg.EMAAlpha)*st.emaScore
	} else {
		// First tick after warmup or recovery carries no delta.
		st.emaScore = score
		st.emaSeeded = true
	}

	if st.phase == phaseWarmup {
		if st.ticks >= cfg.WarmupTicks {
			st.phase = phaseInactive
		}
		return nil
	}

	return im.step(st, vn, market, symbol, score, delta, cfg, now)
}

// step advances the trigger-confirm state machine by one tick.
func (im *Imbalance) step(st *imbalanceState, vn string, market venue.MarketType, symbol string, score, delta float64, cfg config.ImbalanceTunables, now time.Time) *Signal {
	trigDir, trigVal, trigType := trigger(score, delta, cfg)

	switch st.phase {
	case phaseInactive:
		if trigDir != directionNone {
			st.phase = phasePending
			st.pendingDir = trigDir
			st.pendingCount = 1
			st.pendingReason = reasonText(trigType, trigVal)
		}
		return nil

	case phasePending:
		sameDir := directionOf(score, delta)
		switch {
		case trigDir != directionNone && trigDir != st.pendingDir:
			// Opposite strong signal restarts confirmation.
			st.pendingDir = trigDir
			st.pendingCount = 1
			st.pendingReason = reasonText(trigType, trigVal)
			return nil
		case sameDir == st.pendingDir:
			st.pendingCount++
			if st.pendingCount < cfg.ConfirmTicks {
				return nil
			}
			return im.confirm(st, vn, market, symbol, score, cfg, now)
		default:
			// Weak opposite movement. An interrupted flip restores the prior
			// active direction instead of dropping to inactive.
			if st.preFlip != directionNone {
				st.phase = phaseActive
				st.activeDir = st.preFlip
				st.preFlip = directionNone
			} else {
				st.reset()
			}
			return nil
		}

	case phaseActive:
		opp := st.activeDir.opposite()
		if trigDir == opp {
			st.preFlip = st.activeDir
			st.phase = phasePending
			st.pendingDir = opp
			st.pendingCount = 1
			st.pendingReason = reasonText("flip", trigVal)
			return nil
		}
		if math.Abs(delta) < cfg.DeltaReset && math.Abs(score) < 0.7*cfg.LevelTrigger {
			st.reset()
		}
		return nil
	}
	return nil
}

// confirm emits the signal and transitions to Active. Inside the cooldown
// the state still advances but the signal is marked suppressed.
func (im *Imbalance) confirm(st *imbalanceState, vn string, market venue.MarketType, symbol string, score float64, cfg config.ImbalanceTunables, now time.Time) *Signal {
	dir := st.pendingDir
	reason := st.pendingReason
	st.phase = phaseActive
	st.activeDir = dir
	st.preFlip = directionNone
	st.pendingCount = 0

	suppressed := !st.lastAlert.IsZero() && now.Sub(st.lastAlert) < time.Duration(cfg.CooldownSec)*time.Second
	if !suppressed {
		st.lastAlert = now
	} else {
		log.Debug().Str("symbol", symbol).Str("dir", string(dir.side())).Msg("imbalance confirm inside cooldown")
	}

	return &Signal{
		TS:            now,
		Venue:         vn,
		Market:        market,
		Symbol:        symbol,
		Kind:          alert.KindImbalance,
		Severity:      alert.SeverityMedium,
		Side:          dir.side(),
		Confidence:    math.Abs(score),
		Reason:        reason,
		Suppressed:    suppressed,
		AboveAdaptive: true,
	}
}

// score computes the squashed power ratio for one tick.
func (im *Imbalance) score(bids, asks []book.Level, cfg config.ImbalanceTunables) float64 {
	mid := (bids[0].Price + asks[0].Price) / 2
	spread := asks[0].Price - bids[0].Price
	spread = clamp(spread, mid*cfg.MinSpreadBps/10000, mid*cfg.MaxSpreadBps/10000)

	buyPower := sidePower(bids, mid, spread)
	sellPower := sidePower(asks, mid, spread)

	ratio := (buyPower + ratioEpsilon) / (sellPower + ratioEpsilon)
	ratio = clamp(ratio, 1e-3, 1e3)

	x := cfg.SigmoidGain * math.Log10(ratio)
	return 2 * (1/(1+math.Exp(-x)) - 0.5)
}

func sidePower(levels []book.Level, mid, spread float64) float64 {
	var power float64
	for _, lv := range levels {
		if lv.Price <= 0 || lv.Size <= 0 {
			continue
		}
		w := 1 / (1 + math.Abs(lv.Price-mid)/spread)
		power += lv.Price * lv.Size * w
	}
	return power
}

// depthFloor is max(vol24h * fraction, floorUSD).
func (im *Imbalance) depthFloor(symbol string, cfg config.ImbalanceTunables) float64 {
	floor := cfg.DepthFloorUSD
	if vol, ok := im.vol24h(symbol); ok {
		if f := vol * cfg.DepthFraction; f > floor {
			floor = f
		}
	}
	return floor
}

func depthNotional(levels []book.Level) float64 {
	var n float64
	for _, lv := range levels {
		n += lv.Price * lv.Size
	}
	return n
}

// trigger classifies a tick as a strong trigger, preferring delta over
// level when both fire.
func trigger(score, delta float64, cfg config.ImbalanceTunables) (imbalanceDirection, float64, string) {
	if math.Abs(delta) >= cfg.DeltaTrigger {
		return signDirection(delta), delta, "delta"
	}
	if math.Abs(score) >= cfg.LevelTrigger {
		return signDirection(score), score, "level"
	}
	return directionNone, 0, ""
}

// directionOf gives the tick's lean for confirmation counting: delta sign
// when it moves, score sign otherwise.
func directionOf(score, delta float64) imbalanceDirection {
	if delta != 0 {
		return signDirection(delta)
	}
	return signDirection(score)
}

func signDirection(v float64) imbalanceDirection {
	switch {
	case v > 0:
		return directionBuy
	case v < 0:
		return directionSell
	default:
		return directionNone
	}
}

// reasonText renders the trigger as "<type>: <strength>".
func reasonText(trigType string, value float64) string {
	abs := math.Abs(value)
	var strength string
	switch {
	case abs >= 1.0:
		strength = "extreme"
	case abs >= 0.8:
		strength = "strong"
	case abs >= 0.6:
		strength = "moderate"
	default:
		strength = "weak"
	}
	switch trigType {
	case "delta":
		return fmt.Sprintf("shift: %s", strength)
	case "level":
		return fmt.Sprintf("imbalance: %s", strength)
	case "flip":
		return fmt.Sprintf("reversal: %s", strength)
	default:
		return trigType
	}
}

func (st *imbalanceState) reset() {
	st.phase = phaseInactive
	st.pendingDir = directionNone
	st.pendingCount = 0
	st.pendingReason = ""
	st.preFlip = directionNone
	st.activeDir = directionNone
}

func (im *Imbalance) state(symbol string, now time.Time) *imbalanceState {
	st, ok := im.states[symbol]
	if !ok {
		st = &imbalanceState{phase: phaseWarmup, lastUpdate: now}
		im.states[symbol] = st
	}
	return st
}

// maybeSweep evicts symbols idle past the TTL once the tracked count
// exceeds the soft cap, at most once per minute.
func (im *Imbalance) maybeSweep(now time.Time) {
	if len(im.states) <= zombieSoftCap {
		return
	}
	if now.Sub(im.lastSweep) < zombieSweepEvery {
		return
	}
	im.lastSweep = now

	removed := 0
	for sym, st := range im.states {
		if now.Sub(st.lastUpdate) > zombieTTL {
			delete(im.states, sym)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Int("tracked", len(im.states)).Msg("swept idle imbalance symbols")
	}
}

// Tracked returns the number of symbols with live state.
func (im *Imbalance) Tracked() int { return len(im.states) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
