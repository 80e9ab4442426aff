package planner

import (
	"testing"

	"gridtrader/internal/core"

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

func TestAdjustGridCount(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		bucket    core.VolatilityBucket
		want      int
	}{
		{"medium unchanged", 10, core.VolMedium, 10},
		{"unknown unchanged", 10, core.VolUnknown, 10},
		{"high shrinks 30%", 10, core.VolHigh, 7},
		{"low grows 30%", 10, core.VolLow, 13},
		{"high respects floor", 6, core.VolHigh, 5},
		{"low respects cap", 18, core.VolLow, 20},
		{"high never grows", 5, core.VolHigh, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdjustGridCount(tt.requested, tt.bucket))
		})
	}
}

func TestPlan_UniformFallback(t *testing.T) {
	levels := Plan(Input{
		LowerPrice:   d("90000"),
		UpperPrice:   d("100000"),
		GridCount:    10,
		CurrentPrice: d("95000"),
		VolBucket:    core.VolUnknown,
		TickSize:     d("1"),
	})
	require.Len(t, levels, 11)

	// Unknown volatility spaces levels evenly.
	for i, lv := range levels {
		want := d("90000").Add(d("1000").Mul(decimal.NewFromInt(int64(i))))
		assert.True(t, lv.Price.Equal(want), "level %d: got %s want %s", i, lv.Price, want)
	}
}

func TestPlan_SideTiebreak(t *testing.T) {
	levels := Plan(Input{
		LowerPrice:   d("90000"),
		UpperPrice:   d("100000"),
		GridCount:    10,
		CurrentPrice: d("95000"),
		VolBucket:    core.VolUnknown,
		TickSize:     d("1"),
	})
	require.Len(t, levels, 11)

	for _, lv := range levels {
		if lv.Price.LessThan(d("95000")) {
			assert.Equal(t, core.SideBuy, lv.SideAtPlan, "level at %s", lv.Price)
		} else {
			// A level exactly at the current price plans as a sell.
			assert.Equal(t, core.SideSell, lv.SideAtPlan, "level at %s", lv.Price)
		}
	}
}

func TestPlan_GeometricConcentratesLow(t *testing.T) {
	levels := Plan(Input{
		LowerPrice:   d("100"),
		UpperPrice:   d("200"),
		GridCount:    10,
		CurrentPrice: d("150"),
		VolBucket:    core.VolMedium,
		TickSize:     d("0.01"),
	})
	require.Len(t, levels, 11)

	// Exponent < 1 lifts interior levels above their uniform positions, so
	// the gaps tighten toward the upper boundary.
	firstGap := levels[1].Price.Sub(levels[0].Price)
	lastGap := levels[10].Price.Sub(levels[9].Price)
	assert.True(t, firstGap.GreaterThan(lastGap),
		"expected gaps to tighten upward: first %s last %s", firstGap, lastGap)

	assert.True(t, levels[0].Price.Equal(d("100")))
	assert.True(t, levels[10].Price.Equal(d("200")))
}

func TestPlan_HighVolShrinksCount(t *testing.T) {
	levels := Plan(Input{
		LowerPrice:   d("90000"),
		UpperPrice:   d("100000"),
		GridCount:    10,
		CurrentPrice: d("95000"),
		VolBucket:    core.VolHigh,
		TickSize:     d("1"),
	})
	assert.Len(t, levels, 8) // 7 intervals + 1
}

func TestPlan_WeightsBellCurve(t *testing.T) {
	levels := Plan(Input{
		LowerPrice:   d("90000"),
		UpperPrice:   d("100000"),
		GridCount:    10,
		CurrentPrice: d("95000"),
		VolBucket:    core.VolUnknown,
		TickSize:     d("1"),
	})
	require.Len(t, levels, 11)

	one := decimal.NewFromInt(1)
	oneHalf := d("1.5")
	for _, lv := range levels {
		assert.True(t, lv.Weight.GreaterThanOrEqual(one), "weight below 1 at level %d", lv.Index)
		assert.True(t, lv.Weight.LessThanOrEqual(oneHalf), "weight above 1.5 at level %d", lv.Index)
	}

	// Boundaries carry the minimum weight, the middle the maximum.
	assert.True(t, levels[0].Weight.Equal(one))
	assert.True(t, levels[10].Weight.Equal(one))
	assert.True(t, levels[5].Weight.Equal(oneHalf))
}

func TestPlan_Deterministic(t *testing.T) {
	in := Input{
		LowerPrice:   d("90000"),
		UpperPrice:   d("100000"),
		GridCount:    10,
		CurrentPrice: d("94200"),
		VolBucket:    core.VolMedium,
		TickSize:     d("0.1"),
	}
	a := Plan(in)
	b := Plan(in)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.True(t, a[i].Price.Equal(b[i].Price))
		assert.Equal(t, a[i].SideAtPlan, b[i].SideAtPlan)
	}
}
