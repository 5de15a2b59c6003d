package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridpilot/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func baseParams() Params {
	return Params{
		Pair:      domain.Pair{From: "BTC", To: "USDT"},
		Capital:   d("1000"),
		Low:       d("90"),
		High:      d("110"),
		NumLevels: 5,
		Spacing:   domain.SpacingArithmetic,
		Kind:      domain.GridSimple,
	}
}

func TestArithmeticSpacingEqualSteps(t *testing.T) {
	m := NewManager()
	levels, err := m.ComputeLevels(baseParams())
	require.NoError(t, err)
	require.Len(t, levels, 5)

	want := []string{"90", "95", "100", "105", "110"}
	for i, l := range levels {
		require.True(t, l.Price.Equal(d(want[i])), "level %d: got %s", i, l.Price)
		require.Equal(t, i, l.Index)
	}
}

func TestGeometricSpacingConstantRatio(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.Low = d("100")
	p.High = d("400")
	p.Spacing = domain.SpacingGeometric

	levels, err := m.ComputeLevels(p)
	require.NoError(t, err)
	require.Len(t, levels, 5)

	// ratio is (400/100)^(1/4) = sqrt(2); successive ratios must match
	first := levels[1].Price.Div(levels[0].Price)
	for i := 1; i < len(levels)-1; i++ {
		ratio := levels[i+1].Price.Div(levels[i].Price)
		diff := ratio.Sub(first).Abs()
		require.True(t, diff.LessThan(d("0.0001")),
			"ratio at level %d drifted: %s vs %s", i, ratio, first)
	}
}

func TestEndpointsPinnedToBounds(t *testing.T) {
	m := NewManager()
	for _, spacing := range []domain.Spacing{domain.SpacingArithmetic, domain.SpacingGeometric} {
		p := baseParams()
		p.Spacing = spacing
		levels, err := m.ComputeLevels(p)
		require.NoError(t, err)
		require.True(t, levels[0].Price.Equal(p.Low))
		require.True(t, levels[len(levels)-1].Price.Equal(p.High))
	}
}

func TestPricesStrictlyAscending(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.NumLevels = 20
	p.Spacing = domain.SpacingGeometric

	levels, err := m.ComputeLevels(p)
	require.NoError(t, err)
	for i := 1; i < len(levels); i++ {
		require.True(t, levels[i].Price.GreaterThan(levels[i-1].Price),
			"level %d price %s not above %s", i, levels[i].Price, levels[i-1].Price)
	}
}

func TestSidesSplitAtAnchor(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.AnchorPrice = d("100")

	levels, err := m.ComputeLevels(p)
	require.NoError(t, err)
	for _, l := range levels {
		if l.Price.LessThan(p.AnchorPrice) {
			require.Equal(t, domain.SideBuy, l.Side, "price %s below anchor", l.Price)
		} else {
			require.Equal(t, domain.SideSell, l.Side, "price %s at or above anchor", l.Price)
		}
	}
}

func TestPerLevelSizeUsesCapitalFraction(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.CapitalFraction = d("0.5")
	p.AnchorPrice = d("1000") // everything is a buy

	levels, err := m.ComputeLevels(p)
	require.NoError(t, err)

	// 1000 * 0.5 / 5 = 100 quote per level
	for _, l := range levels {
		notional := l.Price.Mul(l.TargetSize)
		diff := notional.Sub(d("100")).Abs()
		require.True(t, diff.LessThan(d("0.001")), "level %d notional %s", l.Index, notional)
	}
}

func TestHedgedMirrorsBuyLevels(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.Kind = domain.GridHedged
	p.AnchorPrice = d("100")

	levels, err := m.ComputeLevels(p)
	require.NoError(t, err)

	// base has buys at 90 and 95; each gains a sell mirror at the level above
	var mirrors []domain.GridLevel
	for _, l := range levels {
		if l.Index >= 5 {
			mirrors = append(mirrors, l)
		}
	}
	require.Len(t, mirrors, 2)
	require.Equal(t, domain.SideSell, mirrors[0].Side)
	require.True(t, mirrors[0].Price.Equal(d("95")))
	require.Equal(t, domain.SideSell, mirrors[1].Side)
	require.True(t, mirrors[1].Price.Equal(d("100")))
}

func TestNotionalTooSmall(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.Capital = d("100")
	p.NumLevels = 20
	p.MinNotional = d("10")

	_, err := m.ComputeLevels(p)
	require.Error(t, err)

	var notionalErr *ErrNotionalTooSmall
	require.ErrorAs(t, err, &notionalErr)
	require.True(t, notionalErr.PerLevelNotional.Equal(d("5")))
	require.Equal(t, 10, notionalErr.RecommendedLevels)
}

func TestNotionalExactlyAtMinimumPasses(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.Capital = d("50")
	p.NumLevels = 5
	p.MinNotional = d("10")

	_, err := m.ComputeLevels(p)
	require.NoError(t, err)
}

func TestInvalidParams(t *testing.T) {
	m := NewManager()

	p := baseParams()
	p.NumLevels = 1
	_, err := m.ComputeLevels(p)
	require.Error(t, err)

	p = baseParams()
	p.Low = d("110")
	p.High = d("90")
	_, err = m.ComputeLevels(p)
	require.Error(t, err)

	p = baseParams()
	p.Low = decimal.Zero
	_, err = m.ComputeLevels(p)
	require.Error(t, err)

	p = baseParams()
	p.Capital = decimal.Zero
	_, err = m.ComputeLevels(p)
	require.Error(t, err)
}

func TestDeterministicForSameInputs(t *testing.T) {
	m := NewManager()
	p := baseParams()
	p.Spacing = domain.SpacingGeometric
	p.Kind = domain.GridHedged

	a, err := m.ComputeLevels(p)
	require.NoError(t, err)
	b, err := m.ComputeLevels(p)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
