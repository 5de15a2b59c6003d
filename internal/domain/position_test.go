package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewPositionRejectsNegatives(t *testing.T) {
	pair := Pair{From: "BTC", To: "USDT"}
	now := time.Now()

	_, err := NewPosition(pair, d("-1"), decimal.Zero, now)
	require.Error(t, err)
	_, err = NewPosition(pair, decimal.Zero, d("-1"), now)
	require.Error(t, err)

	pos, err := NewPosition(pair, decimal.Zero, decimal.Zero, now)
	require.NoError(t, err)
	require.True(t, pos.EntryBasis.IsZero())
}

func TestBuyFillGrowsBasis(t *testing.T) {
	pos, err := NewPosition(Pair{From: "BTC", To: "USDT"}, decimal.Zero, decimal.Zero, time.Now())
	require.NoError(t, err)

	pos.ApplyFill(SideBuy, d("100"), d("2"), d("0.2"))
	require.True(t, pos.EntryBasis.Equal(d("200.2")))
	require.True(t, pos.BaseAmount.Equal(d("2")))
	require.True(t, pos.RealizedPnl.IsZero())
}

func TestSellFillRealizesProportionalPnl(t *testing.T) {
	pos, err := NewPosition(Pair{From: "BTC", To: "USDT"}, d("200"), d("2"), time.Now())
	require.NoError(t, err)

	// sell half at 110: proceeds 110, cost share 100, pnl +10 before fee
	pos.ApplyFill(SideSell, d("110"), d("1"), d("0.11"))
	require.True(t, pos.RealizedPnl.Equal(d("9.89")))
	require.True(t, pos.EntryBasis.Equal(d("100")))
	require.True(t, pos.BaseAmount.Equal(d("1")))
}

func TestSellFillClampsToHolding(t *testing.T) {
	pos, err := NewPosition(Pair{From: "BTC", To: "USDT"}, d("100"), d("1"), time.Now())
	require.NoError(t, err)

	pos.ApplyFill(SideSell, d("120"), d("5"), decimal.Zero)
	require.True(t, pos.BaseAmount.IsZero())
	require.True(t, pos.EntryBasis.IsZero())
	require.True(t, pos.RealizedPnl.Equal(d("20")))

	// selling with nothing held is a no-op
	pos.ApplyFill(SideSell, d("120"), d("1"), decimal.Zero)
	require.True(t, pos.RealizedPnl.Equal(d("20")))
}

func TestUnrealizedAndTotalPnl(t *testing.T) {
	pos, err := NewPosition(Pair{From: "BTC", To: "USDT"}, d("200"), d("2"), time.Now())
	require.NoError(t, err)
	pos.RealizedPnl = d("5")

	require.True(t, pos.UnrealizedPnl(d("110")).Equal(d("20")))
	require.True(t, pos.TotalPnl(d("110")).Equal(d("25")))

	var nilPos *Position
	require.True(t, nilPos.TotalPnl(d("110")).IsZero())
	require.True(t, nilPos.UnrealizedPnl(d("110")).IsZero())
}

func TestCandleHelpers(t *testing.T) {
	c := Candle{
		Open:  d("100"),
		High:  d("108"),
		Low:   d("97"),
		Close: d("104"),
	}
	require.True(t, c.Displacement().Equal(d("4")))
	require.True(t, c.Range().Equal(d("11")))

	zero := Candle{}
	require.True(t, zero.Displacement().IsZero())
}

func TestGridLevelNotional(t *testing.T) {
	l := GridLevel{Price: d("50"), TargetSize: d("0.4")}
	require.True(t, l.Notional().Equal(d("20")))
}

func TestOrderRemainingAndTerminal(t *testing.T) {
	o := Order{RequestedSize: d("2"), FilledSize: d("0.5")}
	require.True(t, o.Remaining().Equal(d("1.5")))

	require.False(t, OrderStatusPending.Terminal())
	require.False(t, OrderStatusOpen.Terminal())
	require.False(t, OrderStatusPartiallyFilled.Terminal())
	require.True(t, OrderStatusFilled.Terminal())
	require.True(t, OrderStatusCancelled.Terminal())
	require.True(t, OrderStatusRejected.Terminal())
	require.True(t, OrderStatusFailed.Terminal())
}
