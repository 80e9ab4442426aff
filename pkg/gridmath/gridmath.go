// Package gridmath provides decimal helpers shared by planner, sizer and engine
package gridmath

import (
	"github.com/shopspring/decimal"
)

// RoundToTick rounds a price down to the symbol's tick size.
func RoundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundToLot rounds a base amount down to the symbol's lot step.
func RoundToLot(amount, lotStep decimal.Decimal) decimal.Decimal {
	if lotStep.IsZero() {
		return amount
	}
	return amount.Div(lotStep).Floor().Mul(lotStep)
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// ClampFloat restricts v to [lo, hi].
func ClampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NetProfit computes round-trip profit after fees on both legs.
func NetProfit(buyPrice, sellPrice, amount, buyFee, sellFee decimal.Decimal) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice).Mul(amount)
	return gross.Sub(buyFee).Sub(sellFee)
}

// LotStepForPrice returns a lot rounding step by asset-price tier. High-priced
// assets trade in finer base units.
func LotStepForPrice(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return decimal.NewFromFloat(0.00001)
	case price.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return decimal.NewFromFloat(0.001)
	case price.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return decimal.NewFromFloat(0.1)
	default:
		return decimal.NewFromInt(1)
	}
}
