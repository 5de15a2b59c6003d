// Package grid computes ordered price levels and per-level order sizes for a
// pair, capital allocation and spacing policy. Computation is pure: no I/O,
// no clock, deterministic for identical inputs.
package grid

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gridpilot/internal/domain"
)

// ErrNotionalTooSmall reports that the per-level order value falls below the
// venue minimum. It carries a recommendation instead of silently violating
// the exchange minimum.
type ErrNotionalTooSmall struct {
	PerLevelNotional decimal.Decimal
	MinNotional      decimal.Decimal
	// RecommendedLevels is the highest level count that keeps per-level
	// notional at or above the minimum.
	RecommendedLevels int
}

func (e *ErrNotionalTooSmall) Error() string {
	return "per-level notional " + e.PerLevelNotional.String() +
		" below venue minimum " + e.MinNotional.String() +
		", reduce level count to " + decimal.NewFromInt(int64(e.RecommendedLevels)).String()
}

// Params describes one grid computation request.
type Params struct {
	Pair      domain.Pair
	Capital   decimal.Decimal
	Low       decimal.Decimal
	High      decimal.Decimal
	NumLevels int
	Spacing   domain.Spacing
	Kind      domain.GridKind
	// CapitalFraction is the share of allocated capital deployed into levels
	// (the rest stays free for rebalancing). Defaults to 1.
	CapitalFraction decimal.Decimal
	// MinNotional is the venue's minimum order value in quote currency.
	MinNotional decimal.Decimal
	// AnchorPrice splits buy levels (below) from sell levels (above).
	// Defaults to the geometric midpoint of the range.
	AnchorPrice decimal.Decimal
}

// Manager computes grid plans.
type Manager struct{}

// NewManager creates a grid manager.
func NewManager() *Manager {
	return &Manager{}
}

// ComputeLevels returns the ordered levels for the given parameters.
// Prices are strictly monotonic ascending; the first level sits at Low and the
// last at High. Per-level size derives from a fraction of allocated capital so
// capital changes rescale future grids without reconfiguration.
func (m *Manager) ComputeLevels(p Params) ([]domain.GridLevel, error) {
	if p.NumLevels < 2 {
		return nil, errors.Errorf("grid requires at least 2 levels, got %d", p.NumLevels)
	}
	if p.Low.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Errorf("grid low bound must be positive, got %s", p.Low.String())
	}
	if p.Low.GreaterThanOrEqual(p.High) {
		return nil, errors.Errorf("grid low %s must be below high %s", p.Low.String(), p.High.String())
	}
	if p.Capital.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Errorf("grid capital must be positive, got %s", p.Capital.String())
	}

	fraction := p.CapitalFraction
	if fraction.LessThanOrEqual(decimal.Zero) || fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}

	deployed := p.Capital.Mul(fraction)
	perLevelNotional := deployed.Div(decimal.NewFromInt(int64(p.NumLevels)))

	if !p.MinNotional.IsZero() && perLevelNotional.LessThan(p.MinNotional) {
		recommended := int(deployed.Div(p.MinNotional).IntPart())
		if recommended < 2 {
			recommended = 0
		}
		return nil, &ErrNotionalTooSmall{
			PerLevelNotional:  perLevelNotional,
			MinNotional:       p.MinNotional,
			RecommendedLevels: recommended,
		}
	}

	prices := computePrices(p.Low, p.High, p.NumLevels, p.Spacing)

	anchor := p.AnchorPrice
	if anchor.IsZero() {
		lowF, _ := p.Low.Float64()
		highF, _ := p.High.Float64()
		anchor = decimal.NewFromFloat(math.Sqrt(lowF * highF))
	}

	levels := make([]domain.GridLevel, 0, len(prices))
	for i, price := range prices {
		side := domain.SideBuy
		if price.GreaterThanOrEqual(anchor) {
			side = domain.SideSell
		}
		levels = append(levels, domain.GridLevel{
			Index:      i,
			Price:      price,
			Side:       side,
			TargetSize: perLevelNotional.Div(price).Round(8),
		})
	}

	if p.Kind == domain.GridHedged {
		levels = hedge(levels, perLevelNotional)
	}

	return levels, nil
}

// computePrices builds the strictly monotonic price ladder. Geometric spacing
// uses the constant ratio (high/low)^(1/(N-1)), arithmetic a constant step.
// Endpoints are pinned exactly to the requested bounds.
func computePrices(low, high decimal.Decimal, n int, spacing domain.Spacing) []decimal.Decimal {
	prices := make([]decimal.Decimal, n)
	prices[0] = low
	prices[n-1] = high

	switch spacing {
	case domain.SpacingGeometric:
		lowF, _ := low.Float64()
		highF, _ := high.Float64()
		ratio := math.Pow(highF/lowF, 1/float64(n-1))
		cur := lowF
		for i := 1; i < n-1; i++ {
			cur *= ratio
			prices[i] = decimal.NewFromFloat(cur).Round(8)
		}
	default:
		step := high.Sub(low).Div(decimal.NewFromInt(int64(n - 1)))
		for i := 1; i < n-1; i++ {
			prices[i] = low.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(8)
		}
	}

	return prices
}

// hedge mirrors each buy level with a sell counterpart at the adjacent level
// above, pairing exposure in both directions.
func hedge(levels []domain.GridLevel, perLevelNotional decimal.Decimal) []domain.GridLevel {
	out := make([]domain.GridLevel, 0, len(levels)*2)
	for i, l := range levels {
		out = append(out, l)
		if l.Side == domain.SideBuy && i+1 < len(levels) {
			mirrorPrice := levels[i+1].Price
			out = append(out, domain.GridLevel{
				Index:      len(levels) + i,
				Price:      mirrorPrice,
				Side:       domain.SideSell,
				TargetSize: perLevelNotional.Div(mirrorPrice).Round(8),
			})
		}
	}
	return out
}
