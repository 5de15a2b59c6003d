package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"gridpilot/internal/domain"
)

// Config is the fully parsed engine configuration.
type Config struct {
	Platform   string
	QuoteAsset string
	Candidates []domain.Pair

	Slots          int
	CapitalPerSlot decimal.Decimal

	GridLevels      int
	GridRangePct    decimal.Decimal
	GridSpacing     string
	GridKind        string
	CapitalFraction decimal.Decimal
	MinNotional     decimal.Decimal

	CandleInterval string
	CandleLimit    int
	ScoreMargin    decimal.Decimal

	StuckMaxVolatilityPct   decimal.Decimal
	StuckMaxDisplacementPct decimal.Decimal
	StuckMinConsecutive     int

	ProfitTargetAbs  decimal.Decimal
	ProfitTargetPct  decimal.Decimal
	RotationDailyCap int
	PairCooldown     time.Duration

	BreakerMaxFailures    int
	BreakerMaxDrawdownPct decimal.Decimal
	BreakerCooldown       time.Duration

	ScanInterval        time.Duration
	ReconcileInterval   time.Duration
	BalanceSyncInterval time.Duration
	PnlWatchInterval    time.Duration

	ListenAddr string
	WalDir     string
}

type ConfigTmp struct {
	Platform   string   `yaml:"platform"`
	QuoteAsset string   `yaml:"quote_asset"`
	Candidates []string `yaml:"candidates"`

	Slots          int    `yaml:"slots"`
	CapitalPerSlot string `yaml:"capital_per_slot"`

	GridLevels      int    `yaml:"grid_levels,omitempty"`
	GridRangePct    string `yaml:"grid_range_percent,omitempty"`
	GridSpacing     string `yaml:"grid_spacing,omitempty"`
	GridKind        string `yaml:"grid_kind,omitempty"`
	CapitalFraction string `yaml:"capital_fraction,omitempty"`
	MinNotional     string `yaml:"min_notional,omitempty"`

	CandleInterval string `yaml:"candle_interval,omitempty"`
	CandleLimit    int    `yaml:"candle_limit,omitempty"`
	ScoreMargin    string `yaml:"score_margin,omitempty"`

	StuckMaxVolatilityPct   string `yaml:"stuck_max_volatility_percent,omitempty"`
	StuckMaxDisplacementPct string `yaml:"stuck_max_displacement_percent,omitempty"`
	StuckMinConsecutive     int    `yaml:"stuck_min_consecutive,omitempty"`

	ProfitTargetAbs  string        `yaml:"profit_target_abs,omitempty"`
	ProfitTargetPct  string        `yaml:"profit_target_percent,omitempty"`
	RotationDailyCap int           `yaml:"rotation_daily_cap,omitempty"`
	PairCooldown     time.Duration `yaml:"pair_cooldown,omitempty"`

	BreakerMaxFailures    int           `yaml:"breaker_max_failures,omitempty"`
	BreakerMaxDrawdownPct string        `yaml:"breaker_max_drawdown_percent,omitempty"`
	BreakerCooldown       time.Duration `yaml:"breaker_cooldown,omitempty"`

	ScanInterval        time.Duration `yaml:"scan_interval,omitempty"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval,omitempty"`
	BalanceSyncInterval time.Duration `yaml:"balance_sync_interval,omitempty"`
	PnlWatchInterval    time.Duration `yaml:"pnl_watch_interval,omitempty"`

	ListenAddr string `yaml:"listen_addr,omitempty"`
	WalDir     string `yaml:"wal_dir,omitempty"`
}

// Get parses configuration from the yaml file named by -config, falling back
// to CLI flags for the minimal single-slot setup.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	platform := flag.String("platform", "simulate", "trading platform: binance, bybit or simulate")
	candidates := flag.String("candidates", "BTC_USDT,ETH_USDT,SOL_USDT", "comma-separated candidate pairs")
	capital := flag.String("capital", "1000", "quote capital per slot")
	slots := flag.Int("slots", 1, "number of concurrent asset slots")
	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	cfg := defaults()
	cfg.Platform = *platform
	cfg.Slots = *slots

	capitalDec, err := decimal.NewFromString(*capital)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --capital provided, --capital=%s", *capital)
	}
	cfg.CapitalPerSlot = capitalDec

	pairs, err := parsePairs(strings.Split(*candidates, ","))
	if err != nil {
		return Config{}, fmt.Errorf("invalid --candidates provided: %w", err)
	}
	cfg.Candidates = pairs

	return validate(cfg)
}

func defaults() Config {
	return Config{
		QuoteAsset:      "USDT",
		Slots:           1,
		GridLevels:      10,
		GridRangePct:    decimal.NewFromInt(4),
		GridSpacing:     "geometric",
		GridKind:        "hedged",
		CapitalFraction: decimal.NewFromFloat(0.9),
		MinNotional:     decimal.NewFromInt(10),

		CandleInterval: "1h",
		CandleLimit:    100,
		ScoreMargin:    decimal.NewFromFloat(0.1),

		StuckMaxVolatilityPct:   decimal.NewFromFloat(0.15),
		StuckMaxDisplacementPct: decimal.NewFromFloat(0.5),
		StuckMinConsecutive:     2,

		ProfitTargetAbs:  decimal.NewFromInt(3),
		RotationDailyCap: 6,
		PairCooldown:     2 * time.Hour,

		BreakerMaxFailures:    5,
		BreakerMaxDrawdownPct: decimal.NewFromInt(10),
		BreakerCooldown:       2 * time.Minute,

		ScanInterval:        10 * time.Minute,
		ReconcileInterval:   time.Minute,
		BalanceSyncInterval: 5 * time.Minute,
		PnlWatchInterval:    30 * time.Second,

		ListenAddr: ":8080",
		WalDir:     "./wal",
	}
}

// Load parses a yaml config file directly, bypassing flag handling.
func Load(path string) (Config, error) {
	return getYaml(path)
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	cfg := defaults()
	cfg.Platform = tmp.Platform

	if tmp.QuoteAsset != "" {
		cfg.QuoteAsset = tmp.QuoteAsset
	}
	pairs, err := parsePairs(tmp.Candidates)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'candidates' param in yaml config: %w", err)
	}
	cfg.Candidates = pairs

	if tmp.Slots > 0 {
		cfg.Slots = tmp.Slots
	}
	if cfg.CapitalPerSlot, err = parseDecimal(tmp.CapitalPerSlot, "capital_per_slot", cfg.CapitalPerSlot); err != nil {
		return Config{}, err
	}
	if tmp.GridLevels > 0 {
		cfg.GridLevels = tmp.GridLevels
	}
	if cfg.GridRangePct, err = parseDecimal(tmp.GridRangePct, "grid_range_percent", cfg.GridRangePct); err != nil {
		return Config{}, err
	}
	if tmp.GridSpacing != "" {
		cfg.GridSpacing = tmp.GridSpacing
	}
	if tmp.GridKind != "" {
		cfg.GridKind = tmp.GridKind
	}
	if cfg.CapitalFraction, err = parseDecimal(tmp.CapitalFraction, "capital_fraction", cfg.CapitalFraction); err != nil {
		return Config{}, err
	}
	if cfg.MinNotional, err = parseDecimal(tmp.MinNotional, "min_notional", cfg.MinNotional); err != nil {
		return Config{}, err
	}

	if tmp.CandleInterval != "" {
		cfg.CandleInterval = tmp.CandleInterval
	}
	if tmp.CandleLimit > 0 {
		cfg.CandleLimit = tmp.CandleLimit
	}
	if cfg.ScoreMargin, err = parseDecimal(tmp.ScoreMargin, "score_margin", cfg.ScoreMargin); err != nil {
		return Config{}, err
	}

	if cfg.StuckMaxVolatilityPct, err = parseDecimal(tmp.StuckMaxVolatilityPct, "stuck_max_volatility_percent", cfg.StuckMaxVolatilityPct); err != nil {
		return Config{}, err
	}
	if cfg.StuckMaxDisplacementPct, err = parseDecimal(tmp.StuckMaxDisplacementPct, "stuck_max_displacement_percent", cfg.StuckMaxDisplacementPct); err != nil {
		return Config{}, err
	}
	if tmp.StuckMinConsecutive > 0 {
		cfg.StuckMinConsecutive = tmp.StuckMinConsecutive
	}

	if cfg.ProfitTargetAbs, err = parseDecimal(tmp.ProfitTargetAbs, "profit_target_abs", cfg.ProfitTargetAbs); err != nil {
		return Config{}, err
	}
	if cfg.ProfitTargetPct, err = parseDecimal(tmp.ProfitTargetPct, "profit_target_percent", cfg.ProfitTargetPct); err != nil {
		return Config{}, err
	}
	if tmp.RotationDailyCap > 0 {
		cfg.RotationDailyCap = tmp.RotationDailyCap
	}
	if tmp.PairCooldown > 0 {
		cfg.PairCooldown = tmp.PairCooldown
	}

	if tmp.BreakerMaxFailures > 0 {
		cfg.BreakerMaxFailures = tmp.BreakerMaxFailures
	}
	if cfg.BreakerMaxDrawdownPct, err = parseDecimal(tmp.BreakerMaxDrawdownPct, "breaker_max_drawdown_percent", cfg.BreakerMaxDrawdownPct); err != nil {
		return Config{}, err
	}
	if tmp.BreakerCooldown > 0 {
		cfg.BreakerCooldown = tmp.BreakerCooldown
	}

	if tmp.ScanInterval > 0 {
		cfg.ScanInterval = tmp.ScanInterval
	}
	if tmp.ReconcileInterval > 0 {
		cfg.ReconcileInterval = tmp.ReconcileInterval
	}
	if tmp.BalanceSyncInterval > 0 {
		cfg.BalanceSyncInterval = tmp.BalanceSyncInterval
	}
	if tmp.PnlWatchInterval > 0 {
		cfg.PnlWatchInterval = tmp.PnlWatchInterval
	}

	if tmp.ListenAddr != "" {
		cfg.ListenAddr = tmp.ListenAddr
	}
	if tmp.WalDir != "" {
		cfg.WalDir = tmp.WalDir
	}

	return validate(cfg)
}

func validate(cfg Config) (Config, error) {
	switch cfg.Platform {
	case "binance", "bybit", "simulate":
	default:
		return Config{}, fmt.Errorf("unknown platform %q, want binance, bybit or simulate", cfg.Platform)
	}
	if len(cfg.Candidates) == 0 {
		return Config{}, fmt.Errorf("at least one candidate pair is required")
	}
	if cfg.Slots > len(cfg.Candidates) {
		return Config{}, fmt.Errorf("slots (%d) exceed candidate pairs (%d)", cfg.Slots, len(cfg.Candidates))
	}
	if cfg.CapitalPerSlot.LessThanOrEqual(decimal.Zero) {
		return Config{}, fmt.Errorf("capital_per_slot must be positive")
	}
	if cfg.GridLevels < 2 {
		return Config{}, fmt.Errorf("grid_levels must be at least 2")
	}
	for _, pair := range cfg.Candidates {
		if pair.To != cfg.QuoteAsset {
			return Config{}, fmt.Errorf("candidate %s is not quoted in %s", pair.String(), cfg.QuoteAsset)
		}
	}
	if _, err := time.ParseDuration(cfg.CandleInterval); err != nil {
		return Config{}, fmt.Errorf("invalid candle_interval %q", cfg.CandleInterval)
	}
	return cfg, nil
}

func parsePairs(raw []string) ([]domain.Pair, error) {
	var pairs []domain.Pair
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		pair, err := domain.PairFromString(s)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func parseDecimal(s, name string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal): %w", name, err)
	}
	return d, nil
}
