package domain

import "github.com/shopspring/decimal"

// Spacing determines how grid level prices are distributed over the range.
type Spacing int

const (
	// SpacingArithmetic places levels a constant price step apart.
	SpacingArithmetic Spacing = iota
	// SpacingGeometric places levels a constant price ratio apart.
	SpacingGeometric
)

// String returns the string representation of the spacing.
func (s Spacing) String() string {
	if s == SpacingGeometric {
		return "geometric"
	}
	return "arithmetic"
}

// GridKind selects the grid variant.
type GridKind int

const (
	// GridSimple places buys below the anchor price and sells above it.
	GridSimple GridKind = iota
	// GridHedged pairs each buy level with a mirrored sell level to balance exposure.
	GridHedged
)

// String returns the string representation of the kind.
func (k GridKind) String() string {
	if k == GridHedged {
		return "hedged"
	}
	return "simple"
}

// GridLevel is a single price point of a computed grid. Levels are immutable:
// a grid is replaced wholesale when range or level count changes.
type GridLevel struct {
	Index      int
	Price      decimal.Decimal
	Side       Side
	TargetSize decimal.Decimal
}

// Notional returns the quote-currency value of the level.
func (l *GridLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.TargetSize)
}
