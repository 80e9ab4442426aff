package backtest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// EquityPoint is one mark-to-market sample of the account value.
type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
}

// Report is the outcome of one backtest run.
type Report struct {
	Symbol  string
	Start   time.Time
	End     time.Time
	Candles int

	InitialEquity decimal.Decimal
	FinalEquity   decimal.Decimal
	ReturnPct     float64
	EquityCurve   []EquityPoint

	MaxDrawdown    float64 // fraction of the equity peak
	Sharpe         float64 // per-candle, on equity returns
	WinRate        float64
	ProfitFactor   float64
	RealizedProfit decimal.Decimal
	TotalFees      decimal.Decimal

	TotalTrades  int
	RoundTrips   int
	OrdersPlaced int
	SkippedBuys  int
	SkippedSells int
	Rebalances   int

	StoppedEarly bool
	StopReason   string
}

// finishFromMetrics fills the trade statistics from the ledger metrics and
// derives the curve statistics.
func (r *Report) finishFromMetrics(m *core.Metrics) {
	r.WinRate = m.WinRate
	r.ProfitFactor = m.ProfitFactor
	r.RealizedProfit = m.TotalPnl
	r.TotalFees = m.TotalFees
	r.TotalTrades = m.TotalTrades
	r.RoundTrips = m.WinCount + m.LossCount

	if !r.InitialEquity.IsZero() {
		ret, _ := r.FinalEquity.Sub(r.InitialEquity).Div(r.InitialEquity).Float64()
		r.ReturnPct = ret * 100
	}
	r.MaxDrawdown = curveMaxDrawdown(r.EquityCurve)
	r.Sharpe = curveSharpe(r.EquityCurve)
}

// curveMaxDrawdown is the largest peak-to-trough decline of the equity
// curve as a fraction of the peak.
func curveMaxDrawdown(curve []EquityPoint) float64 {
	var peak, maxDD float64
	for _, p := range curve {
		eq, _ := p.Equity.Float64()
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			dd := (peak - eq) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// curveSharpe is the mean over standard deviation of per-candle simple
// returns. Not annualized; comparable only across runs of one timeframe.
func curveSharpe(curve []EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	prev, _ := curve[0].Equity.Float64()
	for _, p := range curve[1:] {
		eq, _ := p.Equity.Float64()
		if prev > 0 {
			returns = append(returns, eq/prev-1)
		}
		prev = eq
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// String renders the report for terminal output.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backtest %s  %s -> %s  (%d candles)\n",
		r.Symbol, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Candles)
	fmt.Fprintf(&b, "  equity        %s -> %s  (%+.2f%%)\n",
		r.InitialEquity.StringFixed(2), r.FinalEquity.StringFixed(2), r.ReturnPct)
	fmt.Fprintf(&b, "  realized pnl  %s   fees %s\n",
		r.RealizedProfit.StringFixed(2), r.TotalFees.StringFixed(2))
	fmt.Fprintf(&b, "  max drawdown  %.2f%%   sharpe %.3f\n", r.MaxDrawdown*100, r.Sharpe)
	fmt.Fprintf(&b, "  round trips   %d   win rate %.1f%%   profit factor %s\n",
		r.RoundTrips, r.WinRate*100, formatProfitFactor(r.ProfitFactor))
	fmt.Fprintf(&b, "  orders placed %d   trades %d   rebalances %d\n",
		r.OrdersPlaced, r.TotalTrades, r.Rebalances)
	fmt.Fprintf(&b, "  skipped       %d buys / %d sells (sentiment)\n", r.SkippedBuys, r.SkippedSells)
	if r.StoppedEarly {
		reason := r.StopReason
		if reason == "" {
			reason = "stop triggered"
		}
		fmt.Fprintf(&b, "  stopped early: %s\n", reason)
	}
	return b.String()
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", pf)
}
