package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// RecomputeMetrics rebuilds the derived metrics row for a bot from its
// trades. Safe to call from any component.
func (l *Ledger) RecomputeMetrics(ctx context.Context, botName string) (*core.Metrics, error) {
	trades, err := l.ListTrades(ctx, botName, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	m := computeMetrics(botName, trades)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO metrics (bot_name, total_trades, open_trades, win_count, loss_count, win_rate,
		                      avg_win, avg_loss, profit_factor, sharpe, max_drawdown, total_pnl, total_fees, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bot_name) DO UPDATE SET
		   total_trades = excluded.total_trades, open_trades = excluded.open_trades,
		   win_count = excluded.win_count, loss_count = excluded.loss_count,
		   win_rate = excluded.win_rate, avg_win = excluded.avg_win, avg_loss = excluded.avg_loss,
		   profit_factor = excluded.profit_factor, sharpe = excluded.sharpe,
		   max_drawdown = excluded.max_drawdown, total_pnl = excluded.total_pnl,
		   total_fees = excluded.total_fees, updated_at = excluded.updated_at`,
		m.BotName, m.TotalTrades, m.OpenTrades, m.WinCount, m.LossCount, m.WinRate,
		m.AvgWin.String(), m.AvgLoss.String(), m.ProfitFactor, m.Sharpe, m.MaxDrawdown,
		m.TotalPnl.String(), m.TotalFees.String(), m.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert metrics: %w", err)
	}
	return m, nil
}

// GetMetrics returns the stored metrics row for a bot, or a zero row if
// none has been computed yet.
func (l *Ledger) GetMetrics(ctx context.Context, botName string) (*core.Metrics, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT bot_name, total_trades, open_trades, win_count, loss_count, win_rate,
		        avg_win, avg_loss, profit_factor, sharpe, max_drawdown, total_pnl, total_fees, updated_at
		 FROM metrics WHERE bot_name = ?`, botName)

	var m core.Metrics
	var avgWin, avgLoss, totalPnl, totalFees string
	var updatedAt int64
	err := row.Scan(&m.BotName, &m.TotalTrades, &m.OpenTrades, &m.WinCount, &m.LossCount,
		&m.WinRate, &avgWin, &avgLoss, &m.ProfitFactor, &m.Sharpe, &m.MaxDrawdown,
		&totalPnl, &totalFees, &updatedAt)
	if err == sql.ErrNoRows {
		return &core.Metrics{BotName: botName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	if m.AvgWin, err = decimal.NewFromString(avgWin); err != nil {
		return nil, fmt.Errorf("corrupt avg_win: %w", err)
	}
	if m.AvgLoss, err = decimal.NewFromString(avgLoss); err != nil {
		return nil, fmt.Errorf("corrupt avg_loss: %w", err)
	}
	if m.TotalPnl, err = decimal.NewFromString(totalPnl); err != nil {
		return nil, fmt.Errorf("corrupt total_pnl: %w", err)
	}
	if m.TotalFees, err = decimal.NewFromString(totalFees); err != nil {
		return nil, fmt.Errorf("corrupt total_fees: %w", err)
	}
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

// computeMetrics derives win/loss statistics from the trade history.
// Round trips are identified by the profit column set on closing sells;
// buys without a matching close count as open.
func computeMetrics(botName string, trades []*core.Trade) *core.Metrics {
	m := &core.Metrics{
		BotName:   botName,
		UpdatedAt: time.Now().UTC(),
		AvgWin:    decimal.Zero,
		AvgLoss:   decimal.Zero,
		TotalPnl:  decimal.Zero,
		TotalFees: decimal.Zero,
	}

	var (
		winSum, lossSum decimal.Decimal
		profits         []float64
		openBuys        int
	)

	for _, t := range trades {
		m.TotalTrades++
		m.TotalFees = m.TotalFees.Add(t.Fee)

		if t.Side == core.SideBuy {
			openBuys++
			continue
		}
		// Closing sell
		if openBuys > 0 {
			openBuys--
		}
		if t.Profit.IsZero() && t.Source != core.TradeSourceSimulated {
			// No recorded round-trip profit; treat as flat.
			continue
		}
		p := t.Profit
		m.TotalPnl = m.TotalPnl.Add(p)
		pf, _ := p.Float64()
		profits = append(profits, pf)
		if p.GreaterThan(decimal.Zero) {
			m.WinCount++
			winSum = winSum.Add(p)
		} else if p.LessThan(decimal.Zero) {
			m.LossCount++
			lossSum = lossSum.Add(p.Abs())
		}
	}
	m.OpenTrades = openBuys

	closed := m.WinCount + m.LossCount
	if closed > 0 {
		m.WinRate = float64(m.WinCount) / float64(closed)
	}
	if m.WinCount > 0 {
		m.AvgWin = winSum.Div(decimal.NewFromInt(int64(m.WinCount)))
	}
	if m.LossCount > 0 {
		m.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(m.LossCount)))
	}
	if !lossSum.IsZero() {
		pf, _ := winSum.Div(lossSum).Float64()
		m.ProfitFactor = pf
	} else if !winSum.IsZero() {
		m.ProfitFactor = math.Inf(1)
	}

	m.Sharpe = sharpe(profits)
	m.MaxDrawdown = maxDrawdown(profits)
	return m
}

// sharpe computes the per-trade Sharpe ratio of a profit series.
// Float arithmetic is acceptable here; the result is a statistic, not money.
func sharpe(profits []float64) float64 {
	if len(profits) < 2 {
		return 0
	}
	var sum float64
	for _, p := range profits {
		sum += p
	}
	mean := sum / float64(len(profits))

	var variance float64
	for _, p := range profits {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(profits) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// maxDrawdown computes the largest peak-to-trough decline of the cumulative
// profit curve, as a fraction of the peak (or of absolute profit when the
// peak is not positive).
func maxDrawdown(profits []float64) float64 {
	var equity, peak, maxDD float64
	for _, p := range profits {
		equity += p
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
