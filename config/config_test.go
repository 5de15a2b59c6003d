package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridpilot/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMinimalConfigUsesDefaults(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
candidates:
  - BTC_USDT
  - ETH_USDT
slots: 1
capital_per_slot: "1000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "simulate", cfg.Platform)
	require.Equal(t, "USDT", cfg.QuoteAsset)
	require.Equal(t, []domain.Pair{
		{From: "BTC", To: "USDT"},
		{From: "ETH", To: "USDT"},
	}, cfg.Candidates)
	require.Equal(t, 1, cfg.Slots)
	require.True(t, cfg.CapitalPerSlot.Equal(decimal.NewFromInt(1000)))

	// defaults fill everything else
	require.Equal(t, 10, cfg.GridLevels)
	require.Equal(t, "geometric", cfg.GridSpacing)
	require.Equal(t, "hedged", cfg.GridKind)
	require.True(t, cfg.CapitalFraction.Equal(decimal.NewFromFloat(0.9)))
	require.Equal(t, "1h", cfg.CandleInterval)
	require.Equal(t, 2*time.Hour, cfg.PairCooldown)
	require.Equal(t, 6, cfg.RotationDailyCap)
	require.Equal(t, 5, cfg.BreakerMaxFailures)
	require.Equal(t, 10*time.Minute, cfg.ScanInterval)
	require.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadFullConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
platform: bybit
quote_asset: USDC
candidates:
  - BTC_USDC
slots: 1
capital_per_slot: "2500.5"
grid_levels: 15
grid_range_percent: "6"
grid_spacing: arithmetic
grid_kind: simple
capital_fraction: "0.8"
min_notional: "5"
candle_interval: 15m
candle_limit: 200
score_margin: "0.25"
stuck_min_consecutive: 3
profit_target_abs: "10"
profit_target_percent: "2"
rotation_daily_cap: 4
pair_cooldown: 1h30m
breaker_max_failures: 3
breaker_max_drawdown_percent: "15"
breaker_cooldown: 5m
scan_interval: 5m
listen_addr: ":9090"
wal_dir: /tmp/gridwal
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "bybit", cfg.Platform)
	require.Equal(t, "USDC", cfg.QuoteAsset)
	require.True(t, cfg.CapitalPerSlot.Equal(decimal.RequireFromString("2500.5")))
	require.Equal(t, 15, cfg.GridLevels)
	require.Equal(t, "arithmetic", cfg.GridSpacing)
	require.Equal(t, "simple", cfg.GridKind)
	require.True(t, cfg.CapitalFraction.Equal(decimal.RequireFromString("0.8")))
	require.Equal(t, "15m", cfg.CandleInterval)
	require.Equal(t, 200, cfg.CandleLimit)
	require.True(t, cfg.ScoreMargin.Equal(decimal.RequireFromString("0.25")))
	require.Equal(t, 3, cfg.StuckMinConsecutive)
	require.True(t, cfg.ProfitTargetAbs.Equal(decimal.NewFromInt(10)))
	require.True(t, cfg.ProfitTargetPct.Equal(decimal.NewFromInt(2)))
	require.Equal(t, 4, cfg.RotationDailyCap)
	require.Equal(t, 90*time.Minute, cfg.PairCooldown)
	require.Equal(t, 3, cfg.BreakerMaxFailures)
	require.Equal(t, 5*time.Minute, cfg.BreakerCooldown)
	require.Equal(t, 5*time.Minute, cfg.ScanInterval)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "/tmp/gridwal", cfg.WalDir)
}

func TestLoadRejectsUnknownPlatform(t *testing.T) {
	path := writeConfig(t, `
platform: kraken
candidates: [BTC_USDT]
capital_per_slot: "1000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingCandidates(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
capital_per_slot: "1000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsTooManySlots(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
candidates: [BTC_USDT]
slots: 3
capital_per_slot: "1000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsQuoteMismatch(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
candidates: [BTC_USDC]
capital_per_slot: "1000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedDecimal(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
candidates: [BTC_USDT]
capital_per_slot: "lots"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedPair(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
candidates: [BTCUSDT]
capital_per_slot: "1000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadCandleInterval(t *testing.T) {
	path := writeConfig(t, `
platform: simulate
candidates: [BTC_USDT]
capital_per_slot: "1000"
candle_interval: fortnight
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
