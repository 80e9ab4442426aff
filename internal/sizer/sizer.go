// Package sizer turns a base order size into an exchange-ready amount.
// Pure: identical inputs produce identical output plus an audit trail of
// the rules applied.
package sizer

import (
	"fmt"

	"gridtrader/pkg/gridmath"

	"github.com/shopspring/decimal"
)

// Baseline ATR% at which the volatility multiplier is neutral.
const baselineATRPercent = 2.0

// Caps holds the configured sizing limits.
type Caps struct {
	MaxPositionPercent float64 // of equity, hard cap
	MinPositionPercent float64 // of equity, floor
	MaxRiskPerTrade    float64 // of equity, per-level risk budget
	KellyFraction      float64 // fraction of full Kelly applied
	KellyMinTrades     int     // trades required before Kelly engages
}

// DefaultCaps match the documented defaults.
func DefaultCaps() Caps {
	return Caps{
		MaxPositionPercent: 0.10,
		MinPositionPercent: 0.001,
		MaxRiskPerTrade:    0.02,
		KellyFraction:      0.25,
		KellyMinTrades:     20,
	}
}

// Input carries one sizing request.
type Input struct {
	BaseOrderSize       decimal.Decimal // quote currency per level
	CurrentPrice        decimal.Decimal
	AvailableEquity     decimal.Decimal // quote currency
	WinRate             float64
	AvgWin              decimal.Decimal
	AvgLoss             decimal.Decimal
	TotalTrades         int
	ATRPercent          float64 // 0 when unavailable
	GridSpacingPercent  float64 // potential loss per level, as a fraction
	SentimentMultiplier float64
	LevelWeight         decimal.Decimal
}

// Result is the sized order plus the audit trail naming each applied rule.
type Result struct {
	SizeQuote   decimal.Decimal
	Amount      decimal.Decimal // base currency, lot-rounded
	Adjustments []string
}

// Size applies the sizing pipeline: weight and sentiment scaling, equity
// cap, fractional Kelly, volatility scaling, risk cap, equity floor, and
// lot rounding.
func Size(in Input, caps Caps) Result {
	res := Result{}

	sentiment := in.SentimentMultiplier
	if sentiment == 0 {
		sentiment = 1.0
		res.Adjustments = append(res.Adjustments, "sentiment multiplier missing, defaulted to 1.0")
	}
	weight := in.LevelWeight
	if weight.IsZero() {
		weight = decimal.NewFromInt(1)
		res.Adjustments = append(res.Adjustments, "level weight missing, defaulted to 1.0")
	}

	size := in.BaseOrderSize.Mul(weight).Mul(decimal.NewFromFloat(sentiment))

	// Hard cap by equity share.
	maxSize := in.AvailableEquity.Mul(decimal.NewFromFloat(caps.MaxPositionPercent))
	if maxSize.GreaterThan(decimal.Zero) && size.GreaterThan(maxSize) {
		size = maxSize
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("capped to %.0f%% of equity", caps.MaxPositionPercent*100))
	}

	// Fractional Kelly, only with enough history.
	if in.TotalTrades >= caps.KellyMinTrades && !in.AvgLoss.IsZero() {
		mult := kellyMultiplier(in.WinRate, in.AvgWin, in.AvgLoss, caps.KellyFraction)
		size = size.Mul(decimal.NewFromFloat(mult))
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("kelly multiplier %.3f", mult))
	}

	// Volatility scaling: shrink in high ATR, grow in low.
	if in.ATRPercent > 0 {
		volMult := gridmath.ClampFloat(baselineATRPercent/in.ATRPercent, 0.5, 2.0)
		size = size.Mul(decimal.NewFromFloat(volMult))
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("volatility multiplier %.3f", volMult))
	} else {
		res.Adjustments = append(res.Adjustments, "ATR unavailable, volatility rule skipped")
	}

	// Risk cap: losing one grid step must not exceed the per-trade budget.
	if in.GridSpacingPercent > 0 && in.AvailableEquity.GreaterThan(decimal.Zero) {
		riskCap := in.AvailableEquity.
			Mul(decimal.NewFromFloat(caps.MaxRiskPerTrade)).
			Div(decimal.NewFromFloat(in.GridSpacingPercent))
		if size.GreaterThan(riskCap) {
			size = riskCap
			res.Adjustments = append(res.Adjustments,
				fmt.Sprintf("risk-capped to %.1f%% equity per %.2f%% grid step",
					caps.MaxRiskPerTrade*100, in.GridSpacingPercent*100))
		}
	}

	// Floor by equity share.
	floor := in.AvailableEquity.Mul(decimal.NewFromFloat(caps.MinPositionPercent))
	if size.LessThan(floor) {
		size = floor
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("floored to %.2f%% of equity", caps.MinPositionPercent*100))
	}

	res.SizeQuote = size
	if in.CurrentPrice.GreaterThan(decimal.Zero) {
		amount := size.Div(in.CurrentPrice)
		res.Amount = gridmath.RoundToLot(amount, gridmath.LotStepForPrice(in.CurrentPrice))
	}
	return res
}

// kellyMultiplier maps fractional Kelly onto a sizing multiplier around 1.0.
// f* = (p*b - q)/b with b = avgWin/avgLoss; positive edge scales up,
// negative scales down, clamped to [0.5, 1.5].
func kellyMultiplier(winRate float64, avgWin, avgLoss decimal.Decimal, kellyFraction float64) float64 {
	b, _ := avgWin.Div(avgLoss).Float64()
	if b <= 0 {
		return 0.5
	}
	p := winRate
	q := 1 - p
	fStar := (p*b - q) / b
	return gridmath.ClampFloat(1+kellyFraction*fStar, 0.5, 1.5)
}
