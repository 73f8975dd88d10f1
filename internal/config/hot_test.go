package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOverlay(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tunables.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHot_DefaultsWhenAbsent(t *testing.T) {
	h, err := NewHot(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	s := h.Snapshot()
	assert.Equal(t, 0.70, s.Imbalance.DeltaTrigger)
	assert.Equal(t, 3, s.Imbalance.ConfirmTicks)
	assert.Equal(t, 30, s.Push.PerChannelPerMin)
}

func TestHot_OverlayPartial(t *testing.T) {
	path := writeOverlay(t, t.TempDir(), `{"imbalance": {"enabled": true, "delta_trigger": 0.75, "level_trigger": 0.85, "confirm_ticks": 2, "ema_alpha": 0.1}}`)

	h, err := NewHot(path)
	require.NoError(t, err)

	s := h.Snapshot()
	assert.Equal(t, 0.75, s.Imbalance.DeltaTrigger)
	assert.Equal(t, 2, s.Imbalance.ConfirmTicks)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.5, s.Slippage.LowCut)
	assert.Equal(t, 1.0, s.Basis.ThresholdPct)
}

func TestHot_InvalidOverlayFailsAtStartup(t *testing.T) {
	path := writeOverlay(t, t.TempDir(), `{"slippage": {"low_cut": 5, "med_cut": 2, "high_cut": 10}}`)
	_, err := NewHot(path)
	assert.Error(t, err)
}

func TestHot_ReloadKeepsPriorOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlay(t, dir, `{"pump_dump": {"enabled": true, "window_sec": 60, "move_pct": 4.5, "cooldown_sec": 300}}`)

	h, err := NewHot(path)
	require.NoError(t, err)
	require.Equal(t, 4.5, h.Snapshot().PumpDump.MovePct)

	// Corrupt the overlay, then force a reload.
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	h.reload(true)

	assert.Equal(t, 4.5, h.Snapshot().PumpDump.MovePct, "broken reload must keep prior snapshot")
}

func TestHot_ReloadAppliesChangeAndNotifies(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlay(t, dir, `{}`)

	h, err := NewHot(path)
	require.NoError(t, err)

	var got []float64
	h.OnChange(func(tn Tunables) { got = append(got, tn.Basis.ThresholdPct) })

	require.NoError(t, os.WriteFile(path, []byte(`{"basis": {"enabled": true, "threshold_pct": 1.5, "high_pct": 3, "stale_sec": 60, "cooldown_sec": 300}}`), 0o644))
	h.reload(true)

	assert.Equal(t, 1.5, h.Snapshot().Basis.ThresholdPct)
	require.Len(t, got, 1)
	assert.Equal(t, 1.5, got[0])
}

func TestTunables_Validate(t *testing.T) {
	ok := Defaults()
	assert.NoError(t, ok.Validate())

	bad := Defaults()
	bad.Imbalance.ConfirmTicks = 0
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.Whale.AccumulationRatio = 0.4
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.Basis.HighPct = 0.5
	assert.Error(t, bad.Validate())
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			SpotSymbols:   10,
			SpotShardSize: 100,
			PerpShardSize: 20,
			LogLevel:      "info",
			DrainTimeout:  1,
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.TelegramNormalToken = "tok"
	assert.Error(t, c.Validate(), "token without chat id")

	c = base()
	c.TelegramUrgentToken = "tok"
	c.TelegramUrgentChat = "chat"
	assert.Error(t, c.Validate(), "urgent channel without normal fallback")

	c = base()
	c.LogLevel = "verbose"
	assert.Error(t, c.Validate())
}
