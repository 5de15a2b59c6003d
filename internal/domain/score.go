package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the trading signal derived from a pair score.
type Signal int

const (
	SignalHold Signal = iota
	SignalBuy
	SignalSell
)

// String returns the string representation of the signal.
func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "buy"
	case SignalSell:
		return "sell"
	default:
		return "hold"
	}
}

// PairScore is the technical score of a candidate pair.
// Scores are replaced atomically on every recomputation, never partially updated.
type PairScore struct {
	Pair            Pair
	VolumeScore     decimal.Decimal
	VolatilityScore decimal.Decimal
	MomentumScore   decimal.Decimal
	TrendScore      decimal.Decimal
	CompositeScore  decimal.Decimal
	Signal          Signal
	ComputedAt      time.Time
}
