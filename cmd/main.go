// Command gridpilot runs the capital-limited grid trading engine. It scores
// candidate pairs, deploys grids on the best ones and rotates capital out of
// stuck or profit-taking positions.
//
// Usage:
//
//	gridpilot --config config.yaml
//	gridpilot setup (interactive wizard, writes config.gen.yaml)
//	gridpilot (uses CLI arguments)
//
// Required environment variables:
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gridpilot/config"
	"gridpilot/internal"
	"gridpilot/internal/balance"
	"gridpilot/internal/circuit"
	"gridpilot/internal/coordinator"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/grid"
	"gridpilot/internal/market"
	"gridpilot/internal/orders"
	"gridpilot/internal/ratelimit"
	"gridpilot/internal/rotation"
	"gridpilot/internal/setup"
	"gridpilot/internal/storage/orderlog"
	"gridpilot/internal/storage/rotations"
	"gridpilot/internal/venue"
	"gridpilot/internal/web"
	"gridpilot/pkg/retrier"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	v, err := buildVenue(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build venue", zap.Error(err))
	}

	bus := events.NewBus(64)
	limiter := ratelimit.New(ratelimit.DefaultConfigs())

	breaker := circuit.New(circuit.Config{
		MaxFailures:        cfg.BreakerMaxFailures,
		MaxDrawdownPercent: cfg.BreakerMaxDrawdownPct,
		Cooldown:           cfg.BreakerCooldown,
		CooldownGrowth:     circuit.DefaultConfig().CooldownGrowth,
		MaxCooldown:        circuit.DefaultConfig().MaxCooldown,
	}, bus, logger.Named("circuit"))

	tracker := balance.NewTracker(decimal.NewFromFloat(0.0001), bus, logger.Named("balance"))

	orderLog, err := orderlog.NewWALStore(filepath.Join(cfg.WalDir, "orders"))
	if err != nil {
		logger.Fatal("failed to open order ledger", zap.Error(err))
	}
	defer orderLog.Close()

	rotationLog, err := rotations.NewWALStore(filepath.Join(cfg.WalDir, "rotations"))
	if err != nil {
		logger.Fatal("failed to open rotation ledger", zap.Error(err))
	}
	defer rotationLog.Close()

	orderManager := orders.NewManager(v, breaker, limiter, tracker, orderLog, bus,
		retrier.New(), logger.Named("orders"))

	analyzer := market.NewAnalyzer(market.DefaultWeights(), market.StuckConfig{
		MaxVolatilityPercent:   cfg.StuckMaxVolatilityPct,
		MaxDisplacementPercent: cfg.StuckMaxDisplacementPct,
		Window:                 market.DefaultStuckConfig().Window,
		MinConsecutive:         cfg.StuckMinConsecutive,
	}, logger.Named("market"))

	cooldowns := coordinator.NewCooldowns()
	coord := coordinator.New(coordinator.Config{
		Slots:               cfg.Slots,
		Candidates:          cfg.Candidates,
		QuoteAsset:          cfg.QuoteAsset,
		CapitalPerSlot:      cfg.CapitalPerSlot,
		ScoreMargin:         cfg.ScoreMargin,
		StuckChecksRequired: cfg.StuckMinConsecutive,
		Cooldown:            cfg.PairCooldown,
		RangePercent:        cfg.GridRangePct,
		NumLevels:           cfg.GridLevels,
		Spacing:             parseSpacing(cfg.GridSpacing),
		Kind:                parseKind(cfg.GridKind),
		CapitalFraction:     cfg.CapitalFraction,
		MinNotional:         cfg.MinNotional,
		CandleInterval:      cfg.CandleInterval,
		CandleLimit:         cfg.CandleLimit,
	}, v, analyzer, grid.NewManager(), orderManager, breaker, tracker, cooldowns, bus, logger.Named("coordinator"))

	rotator := rotation.New(rotation.Config{
		ProfitTargetAbs:     cfg.ProfitTargetAbs,
		ProfitTargetPercent: cfg.ProfitTargetPct,
		DailyCap:            cfg.RotationDailyCap,
		Cooldown:            cfg.PairCooldown,
		StartingCapital:     cfg.CapitalPerSlot.Mul(decimal.NewFromInt(int64(cfg.Slots))),
	}, v, coord, rotationLog, breaker, bus, logger.Named("rotation"))

	engine := internal.NewEngine(internal.Intervals{
		Scan:        cfg.ScanInterval,
		Reconcile:   cfg.ReconcileInterval,
		BalanceSync: cfg.BalanceSyncInterval,
		PnlWatch:    cfg.PnlWatchInterval,
	}, bus, v, limiter, tracker, orderManager, coord, rotator, logger.Named("engine"))

	metrics := web.NewMetrics()
	server := web.NewServer(cfg.ListenAddr, engine, coord, orderManager,
		orderLog, rotationLog, bus, metrics, logger.Named("web"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.Watch(ctx, bus)
		return nil
	})
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		engine.Start(ctx)
		return engine.Run(ctx)
	})

	logger.Info("gridpilot started",
		zap.String("platform", cfg.Platform),
		zap.Int("slots", cfg.Slots),
		zap.String("listen", cfg.ListenAddr))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("engine terminated", zap.Error(err))
	}
}

func loadConfig() (config.Config, error) {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		if err := setup.RunTUI(); err != nil {
			return config.Config{}, err
		}
		return config.Load("config.gen.yaml")
	}
	return config.Get()
}

func buildVenue(cfg config.Config, logger *zap.Logger) (venue.Venue, error) {
	switch cfg.Platform {
	case "binance":
		apiKey := os.Getenv("BINANCE_API_KEY")
		apiSecret := os.Getenv("BINANCE_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, errEnv("BINANCE_API_KEY and BINANCE_API_SECRET")
		}
		return venue.NewBinance(apiKey, apiSecret), nil
	case "bybit":
		apiKey := os.Getenv("BYBIT_API_KEY")
		apiSecret := os.Getenv("BYBIT_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, errEnv("BYBIT_API_KEY and BYBIT_API_SECRET")
		}
		return venue.NewBybit(apiKey, apiSecret), nil
	default:
		// keyless public client serves market data, trading is in-memory
		data := venue.NewBinance("", "")
		seed := map[string]decimal.Decimal{
			cfg.QuoteAsset: cfg.CapitalPerSlot.Mul(decimal.NewFromInt(int64(cfg.Slots))),
		}
		return venue.NewSimulated(data, seed, logger.Named("simulate")), nil
	}
}

func parseSpacing(s string) domain.Spacing {
	if s == "arithmetic" {
		return domain.SpacingArithmetic
	}
	return domain.SpacingGeometric
}

func parseKind(s string) domain.GridKind {
	if s == "simple" {
		return domain.GridSimple
	}
	return domain.GridHedged
}

type errEnv string

func (e errEnv) Error() string {
	return string(e) + " environment variables must be set"
}
