package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Position represents capital deployed into a traded pair.
type Position struct {
	Pair Pair
	// EntryBasis is total acquisition cost including fees, in quote currency.
	EntryBasis decimal.Decimal
	// BaseAmount is the accumulated base-currency holding.
	BaseAmount  decimal.Decimal
	RealizedPnl decimal.Decimal
	OpenedAt    time.Time
}

// NewPosition opens a position with the given basis.
func NewPosition(pair Pair, basis, baseAmount decimal.Decimal, openedAt time.Time) (*Position, error) {
	if basis.LessThan(decimal.Zero) {
		return nil, errors.New("entry basis must not be negative")
	}
	if baseAmount.LessThan(decimal.Zero) {
		return nil, errors.New("base amount must not be negative")
	}

	return &Position{
		Pair:       pair,
		EntryBasis: basis,
		BaseAmount: baseAmount,
		OpenedAt:   openedAt,
	}, nil
}

// ApplyFill adjusts basis and holding for an executed fill.
// Buys grow the basis by cost+fee; sells realize PnL proportional to the sold part.
func (p *Position) ApplyFill(side Side, price, size, fee decimal.Decimal) {
	if side == SideBuy {
		p.EntryBasis = p.EntryBasis.Add(price.Mul(size)).Add(fee)
		p.BaseAmount = p.BaseAmount.Add(size)
		return
	}

	if p.BaseAmount.IsZero() {
		return
	}
	sold := size
	if sold.GreaterThan(p.BaseAmount) {
		sold = p.BaseAmount
	}
	costShare := p.EntryBasis.Mul(sold).Div(p.BaseAmount)
	proceeds := price.Mul(sold).Sub(fee)
	p.RealizedPnl = p.RealizedPnl.Add(proceeds.Sub(costShare))
	p.EntryBasis = p.EntryBasis.Sub(costShare)
	p.BaseAmount = p.BaseAmount.Sub(sold)
}

// UnrealizedPnl values the remaining holding at the given market price.
func (p *Position) UnrealizedPnl(currentPrice decimal.Decimal) decimal.Decimal {
	if p == nil || p.BaseAmount.IsZero() {
		return decimal.Zero
	}
	return p.BaseAmount.Mul(currentPrice).Sub(p.EntryBasis)
}

// TotalPnl is realized plus unrealized PnL at the given price.
func (p *Position) TotalPnl(currentPrice decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.RealizedPnl.Add(p.UnrealizedPnl(currentPrice))
}
