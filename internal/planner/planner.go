// Package planner maps a price band to a weighted set of grid levels.
// All functions are pure: identical inputs produce identical plans.
package planner

import (
	"math"

	"gridtrader/internal/core"
	"gridtrader/pkg/gridmath"

	"github.com/shopspring/decimal"
)

const (
	// Geometric curve exponent. Values below 1 concentrate levels near the
	// lower boundary.
	curveExponent = 0.85

	minGridCount = 5
	maxGridCount = 20

	volAdjustFactor = 0.30
)

// Input carries everything the planner needs for one plan.
type Input struct {
	LowerPrice   decimal.Decimal
	UpperPrice   decimal.Decimal
	GridCount    int // requested; the effective count may differ by volatility
	CurrentPrice decimal.Decimal
	VolBucket    core.VolatilityBucket
	TickSize     decimal.Decimal
}

// AdjustGridCount shrinks the grid by 30% on HIGH volatility (floor 5) and
// grows it by 30% on LOW (cap 20). MEDIUM and UNKNOWN leave it unchanged.
func AdjustGridCount(requested int, bucket core.VolatilityBucket) int {
	switch bucket {
	case core.VolHigh:
		adjusted := int(math.Floor(float64(requested) * (1 - volAdjustFactor)))
		if adjusted < minGridCount {
			adjusted = minGridCount
		}
		if adjusted > requested {
			adjusted = requested
		}
		return adjusted
	case core.VolLow:
		adjusted := int(math.Ceil(float64(requested) * (1 + volAdjustFactor)))
		if adjusted > maxGridCount {
			adjusted = maxGridCount
		}
		if adjusted < requested {
			adjusted = requested
		}
		return adjusted
	default:
		return requested
	}
}

// Plan computes the ordered level set for the band. A grid of N intervals
// yields N+1 levels, indexed from the lower boundary.
//
// Side assignment tiebreaks by strict less-than: a level exactly at the
// current price plans as a sell.
func Plan(in Input) []core.GridLevel {
	count := AdjustGridCount(in.GridCount, in.VolBucket)
	n := count + 1

	levels := make([]core.GridLevel, 0, n)
	span := in.UpperPrice.Sub(in.LowerPrice)
	geometric := in.VolBucket != core.VolUnknown

	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n-1)
		if geometric {
			frac = math.Pow(frac, curveExponent)
		}
		price := in.LowerPrice.Add(span.Mul(decimal.NewFromFloat(frac)))
		price = gridmath.RoundToTick(price, in.TickSize)

		side := core.SideSell
		if price.LessThan(in.CurrentPrice) {
			side = core.SideBuy
		}

		levels = append(levels, core.GridLevel{
			Index:      i,
			Price:      price,
			SideAtPlan: side,
			Weight:     levelWeight(i, n),
		})
	}
	return levels
}

// levelWeight is a bell curve peaking at the middle of the range:
// 1 + (1 - 2*|i/(n-1) - 0.5|) * 0.5, in [1.0, 1.5].
func levelWeight(i, n int) decimal.Decimal {
	pos := float64(i)/float64(n-1) - 0.5
	w := 1 + (1-2*math.Abs(pos))*0.5
	return decimal.NewFromFloat(w)
}
