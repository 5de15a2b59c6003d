// Package market scores candidate pairs on technical structure and detects
// stuck (low movement) markets whose capital should be redeployed.
package market

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/domain"
	"gridpilot/pkg/indicators"
)

const (
	volumeSMAPeriod = 20
	emaFastPeriod   = 20
	emaSlowPeriod   = 50
	rsiPeriod       = 14
	atrPeriod       = 14
)

// minCandles is the smallest candle history Score accepts.
const minCandles = emaSlowPeriod + 1

// Weights blends the component scores into the composite.
type Weights struct {
	Volume     decimal.Decimal
	Volatility decimal.Decimal
	Momentum   decimal.Decimal
	Trend      decimal.Decimal
}

// DefaultWeights favors trend and momentum over raw activity.
func DefaultWeights() Weights {
	return Weights{
		Volume:     decimal.NewFromFloat(0.2),
		Volatility: decimal.NewFromFloat(0.2),
		Momentum:   decimal.NewFromFloat(0.3),
		Trend:      decimal.NewFromFloat(0.3),
	}
}

// StuckConfig sets the thresholds for stuck-market classification.
type StuckConfig struct {
	// MaxVolatilityPercent is the realized volatility ceiling (per candle, percent).
	MaxVolatilityPercent decimal.Decimal
	// MaxDisplacementPercent is the net price displacement ceiling over the window.
	MaxDisplacementPercent decimal.Decimal
	// Window is how many recent candles the volatility/displacement check spans.
	Window int
	// MinConsecutive is the debounce: this many consecutive quiet observations
	// are required before a pair is classified stuck.
	MinConsecutive int
}

// DefaultStuckConfig returns conservative stuck thresholds.
func DefaultStuckConfig() StuckConfig {
	return StuckConfig{
		MaxVolatilityPercent:   decimal.NewFromFloat(0.15),
		MaxDisplacementPercent: decimal.NewFromFloat(0.5),
		Window:                 12,
		MinConsecutive:         2,
	}
}

// Analyzer computes pair scores and tracks stuck streaks per pair.
// Score is deterministic for identical candle input.
type Analyzer struct {
	weights Weights
	stuck   StuckConfig
	logger  *zap.Logger

	mu      sync.Mutex
	streaks map[string]int

	now func() time.Time
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(weights Weights, stuck StuckConfig, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stuck.Window < 2 {
		stuck.Window = DefaultStuckConfig().Window
	}
	if stuck.MinConsecutive < 1 {
		stuck.MinConsecutive = 1
	}
	return &Analyzer{
		weights: weights,
		stuck:   stuck,
		logger:  logger,
		streaks: make(map[string]int),
		now:     time.Now,
	}
}

// Score computes the technical score of the pair from its candle history.
func (a *Analyzer) Score(pair domain.Pair, candles []domain.Candle) (domain.PairScore, error) {
	if len(candles) < minCandles {
		return domain.PairScore{}, errors.Errorf("scoring %s requires at least %d candles, got %d",
			pair.String(), minCandles, len(candles))
	}

	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	lastClose := closes[len(closes)-1]
	if lastClose.IsZero() {
		return domain.PairScore{}, errors.Errorf("last close for %s is zero", pair.String())
	}

	volumeScore := a.volumeScore(candles)

	atr, err := indicators.ATR(candles, atrPeriod)
	if err != nil {
		return domain.PairScore{}, errors.Wrap(err, "atr")
	}
	// volatility as percent of price; a grid earns from oscillation so more is better
	volatilityScore := indicators.Last(atr).Div(lastClose).Mul(decimal.NewFromInt(100))

	rsi, err := indicators.RSI(closes, rsiPeriod)
	if err != nil {
		return domain.PairScore{}, errors.Wrap(err, "rsi")
	}
	// distance from the neutral 50, normalized to [-1, 1]
	momentumScore := indicators.Last(rsi).Sub(decimal.NewFromInt(50)).Div(decimal.NewFromInt(50))

	emaFast, err := indicators.EMA(closes, emaFastPeriod)
	if err != nil {
		return domain.PairScore{}, errors.Wrap(err, "ema fast")
	}
	emaSlow, err := indicators.EMA(closes, emaSlowPeriod)
	if err != nil {
		return domain.PairScore{}, errors.Wrap(err, "ema slow")
	}
	trendScore := decimal.Zero
	if slow := indicators.Last(emaSlow); !slow.IsZero() {
		trendScore = indicators.Last(emaFast).Sub(slow).Div(slow).Mul(decimal.NewFromInt(100))
	}

	composite := volumeScore.Mul(a.weights.Volume).
		Add(volatilityScore.Mul(a.weights.Volatility)).
		Add(momentumScore.Mul(a.weights.Momentum)).
		Add(trendScore.Mul(a.weights.Trend))

	signal := domain.SignalHold
	switch {
	case trendScore.GreaterThan(decimal.Zero) && momentumScore.GreaterThan(decimal.Zero):
		signal = domain.SignalBuy
	case trendScore.LessThan(decimal.Zero) && momentumScore.LessThan(decimal.Zero):
		signal = domain.SignalSell
	}

	return domain.PairScore{
		Pair:            pair,
		VolumeScore:     volumeScore,
		VolatilityScore: volatilityScore,
		MomentumScore:   momentumScore,
		TrendScore:      trendScore,
		CompositeScore:  composite,
		Signal:          signal,
		ComputedAt:      a.now(),
	}, nil
}

// volumeScore is the current volume relative to its simple moving average.
func (a *Analyzer) volumeScore(candles []domain.Candle) decimal.Decimal {
	period := volumeSMAPeriod
	if len(candles) < period {
		period = len(candles)
	}

	sum := decimal.Zero
	for i := len(candles) - period; i < len(candles); i++ {
		sum = sum.Add(candles[i].Volume)
	}
	avg := sum.Div(decimal.NewFromInt(int64(period)))
	if avg.IsZero() {
		return decimal.Zero
	}
	return candles[len(candles)-1].Volume.Div(avg)
}

// IsStuck reports whether the pair shows sustained low volatility and low net
// displacement. A single quiet sample never classifies stuck: the quiet
// observation streak must reach MinConsecutive.
func (a *Analyzer) IsStuck(pair domain.Pair, candles []domain.Candle) bool {
	if len(candles) < a.stuck.Window {
		return false
	}

	window := candles[len(candles)-a.stuck.Window:]
	quiet := a.windowQuiet(window)

	a.mu.Lock()
	defer a.mu.Unlock()

	key := pair.String()
	if quiet {
		a.streaks[key]++
	} else {
		a.streaks[key] = 0
	}

	stuck := a.streaks[key] >= a.stuck.MinConsecutive
	if stuck {
		a.logger.Info("pair classified stuck",
			zap.String("pair", key),
			zap.Int("quiet_streak", a.streaks[key]))
	}
	return stuck
}

// ResetStuck clears the quiet streak, called when a pair is deselected.
func (a *Analyzer) ResetStuck(pair domain.Pair) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streaks, pair.String())
}

// windowQuiet checks both realized volatility and net displacement against
// their ceilings.
func (a *Analyzer) windowQuiet(window []domain.Candle) bool {
	first := window[0].Close
	last := window[len(window)-1].Close
	if first.IsZero() {
		return false
	}

	displacement := last.Sub(first).Div(first).Abs().Mul(decimal.NewFromInt(100))
	if displacement.GreaterThan(a.stuck.MaxDisplacementPercent) {
		return false
	}

	return realizedVolatility(window).LessThanOrEqual(a.stuck.MaxVolatilityPercent)
}

// realizedVolatility is the standard deviation of close-to-close percent
// returns over the window.
func realizedVolatility(window []domain.Candle) decimal.Decimal {
	if len(window) < 2 {
		return decimal.Zero
	}

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev, _ := window[i-1].Close.Float64()
		cur, _ := window[i].Close.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (cur-prev)/prev*100)
	}
	if len(returns) == 0 {
		return decimal.Zero
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return decimal.NewFromFloat(math.Sqrt(variance))
}
