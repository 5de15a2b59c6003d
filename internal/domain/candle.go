package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV candlestick.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Displacement returns the absolute percent move from open to close.
func (c *Candle) Displacement() decimal.Decimal {
	if c.Open.IsZero() {
		return decimal.Zero
	}
	return c.Close.Sub(c.Open).Div(c.Open).Abs().Mul(decimal.NewFromInt(100))
}

// Range returns high minus low.
func (c *Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}
