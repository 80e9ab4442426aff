package sizer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// neutralInput sizes with every rule at its pass-through value.
func neutralInput() Input {
	return Input{
		BaseOrderSize:       d("100"),
		CurrentPrice:        d("50000"),
		AvailableEquity:     d("10000"),
		ATRPercent:          2.0, // baseline, multiplier 1.0
		SentimentMultiplier: 1.0,
		LevelWeight:         decimal.NewFromInt(1),
	}
}

func TestSize_Neutral(t *testing.T) {
	res := Size(neutralInput(), DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("100")), "got %s", res.SizeQuote)
	assert.True(t, res.Amount.GreaterThan(decimal.Zero))
}

func TestSize_WeightAndSentimentScale(t *testing.T) {
	in := neutralInput()
	in.LevelWeight = d("1.5")
	in.SentimentMultiplier = 1.2
	res := Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("180")), "got %s", res.SizeQuote)
}

func TestSize_EquityCap(t *testing.T) {
	in := neutralInput()
	in.BaseOrderSize = d("5000")
	res := Size(in, DefaultCaps())

	// 10% of 10000 equity.
	assert.True(t, res.SizeQuote.Equal(d("1000")), "got %s", res.SizeQuote)
	assert.Contains(t, res.Adjustments, "capped to 10% of equity")
}

func TestSize_KellyRequiresHistory(t *testing.T) {
	in := neutralInput()
	in.WinRate = 0.8
	in.AvgWin = d("10")
	in.AvgLoss = d("5")

	in.TotalTrades = 10
	without := Size(in, DefaultCaps())
	assert.True(t, without.SizeQuote.Equal(d("100")), "kelly engaged below min trades: %s", without.SizeQuote)

	in.TotalTrades = 20
	with := Size(in, DefaultCaps())
	// f* = (0.8*2 - 0.2)/2 = 0.7; mult = 1 + 0.25*0.7 = 1.175.
	assert.True(t, with.SizeQuote.GreaterThan(without.SizeQuote))
	assert.InDelta(t, 117.5, mustFloat(with.SizeQuote), 0.01)
}

func TestSize_KellyNegativeEdgeShrinks(t *testing.T) {
	in := neutralInput()
	in.WinRate = 0.2
	in.AvgWin = d("5")
	in.AvgLoss = d("10")
	in.TotalTrades = 50

	res := Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.LessThan(d("100")), "got %s", res.SizeQuote)
	// Clamp holds at 0.5 even for a hopeless edge.
	assert.True(t, res.SizeQuote.GreaterThanOrEqual(d("50")))
}

func TestSize_VolatilityMultiplier(t *testing.T) {
	in := neutralInput()
	in.ATRPercent = 4.0 // twice baseline, halves the size
	res := Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("50")), "got %s", res.SizeQuote)

	in.ATRPercent = 0.5 // calm market, clamped at 2x
	res = Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("200")), "got %s", res.SizeQuote)
}

func TestSize_ATRUnavailableSkipsRule(t *testing.T) {
	in := neutralInput()
	in.ATRPercent = 0
	res := Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("100")))
	assert.Contains(t, res.Adjustments, "ATR unavailable, volatility rule skipped")
}

func TestSize_RiskCap(t *testing.T) {
	in := neutralInput()
	in.BaseOrderSize = d("900")
	in.GridSpacingPercent = 0.05

	// Risk cap: 2% of 10000 / 0.05 = 4000; no effect at size 900.
	res := Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("900")), "got %s", res.SizeQuote)

	// Wide spacing tightens the cap: 200 / 0.5 = 400.
	in.GridSpacingPercent = 0.5
	res = Size(in, DefaultCaps())
	assert.True(t, res.SizeQuote.Equal(d("400")), "got %s", res.SizeQuote)
}

func TestSize_Floor(t *testing.T) {
	in := neutralInput()
	in.BaseOrderSize = d("1")
	in.AvailableEquity = d("100000")

	res := Size(in, DefaultCaps())
	// 0.1% of 100000.
	assert.True(t, res.SizeQuote.Equal(d("100")), "got %s", res.SizeQuote)
}

func TestSize_MonotoneInSentiment(t *testing.T) {
	caps := DefaultCaps()
	prev := decimal.Zero
	for _, mult := range []float64{0.5, 0.8, 1.0, 1.2, 1.4} {
		in := neutralInput()
		in.SentimentMultiplier = mult
		res := Size(in, caps)
		require.True(t, res.SizeQuote.GreaterThanOrEqual(prev),
			"size decreased at multiplier %.1f", mult)
		prev = res.SizeQuote
	}
}

func TestSize_Deterministic(t *testing.T) {
	in := neutralInput()
	in.TotalTrades = 30
	in.WinRate = 0.6
	in.AvgWin = d("8")
	in.AvgLoss = d("6")

	a := Size(in, DefaultCaps())
	b := Size(in, DefaultCaps())
	assert.True(t, a.SizeQuote.Equal(b.SizeQuote))
	assert.Equal(t, a.Adjustments, b.Adjustments)
}

func mustFloat(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}
