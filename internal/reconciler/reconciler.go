// Package reconciler aligns the ledger with exchange-reported truth.
// Exchange state always wins: ledger-open orders the exchange no longer
// has become fills or cancellations, unknown exchange orders are imported.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/ledger"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/gridmath"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reconciler implements core.IReconciler over the ledger and a gateway.
type Reconciler struct {
	ledger   *ledger.Ledger
	exchange core.IExchange
	lookback time.Duration
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu          sync.Mutex
	checkpoints map[string]time.Time // per bot, last own-trade fetch
	now         func() time.Time
}

// New builds a reconciler. lookback bounds the own-trade fetch when no
// checkpoint exists yet (first pass after start).
func New(led *ledger.Ledger, ex core.IExchange, lookback time.Duration, logger core.ILogger) *Reconciler {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Reconciler{
		ledger:      led,
		exchange:    ex,
		lookback:    lookback,
		logger:      logger.WithField("component", "reconciler"),
		metrics:     telemetry.GetGlobalMetrics(),
		checkpoints: make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the checkpoint time source. Backtests drive it from
// candle time so historical trades fall inside the scan window.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Reconcile diffs one bot's ledger state against the exchange. Fills are
// resolved before anything else so a subsequent engine cycle sees them.
// Running it twice over an unchanged exchange snapshot is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, botName string) (*core.ReconcileReport, error) {
	log := r.logger.WithField("bot", botName)
	report := &core.ReconcileReport{}

	bot, err := r.ledger.GetBot(ctx, botName)
	if err != nil {
		return nil, err
	}

	exOrders, err := r.exchange.FetchOpenOrders(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	onExchange := make(map[string]core.ExchangeOrder, len(exOrders))
	for _, o := range exOrders {
		onExchange[o.ID] = o
	}

	r.mu.Lock()
	since, ok := r.checkpoints[botName]
	now := r.now
	r.mu.Unlock()
	if !ok {
		since = now().Add(-r.lookback)
	}

	exTrades, err := r.exchange.FetchMyTrades(ctx, bot.Symbol, since, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch own trades: %w", err)
	}
	tradeByOrder := make(map[string]core.ExchangeTrade, len(exTrades))
	for _, t := range exTrades {
		tradeByOrder[t.OrderID] = t
	}

	ledgerOpen, err := r.ledger.ListOpenOrders(ctx, botName)
	if err != nil {
		return nil, err
	}

	// Fills first, then drops.
	var toDrop []*core.Order
	for _, o := range ledgerOpen {
		if _, stillOpen := onExchange[o.ID]; stillOpen {
			continue
		}
		if t, filled := tradeByOrder[o.ID]; filled {
			if err := r.resolveFill(ctx, o, t, log); err != nil {
				return nil, err
			}
			report.FillsResolved++
			continue
		}
		toDrop = append(toDrop, o)
	}
	for _, o := range toDrop {
		if err := r.ledger.CancelOrder(ctx, o.ID, core.CancelReasonMissing); err != nil {
			if errors.Is(err, apperrors.ErrOrderNotOpen) {
				continue
			}
			return nil, err
		}
		log.Warn("order missing on exchange, cancelled in ledger",
			"order_id", o.ID, "price", o.Price.String())
		report.OrdersDropped++
	}

	// Exchange orders the ledger has never seen get imported as open.
	var toImport []*core.Order
	for _, exo := range exOrders {
		if _, err := r.ledger.GetOrder(ctx, exo.ID); err == nil {
			continue
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		toImport = append(toImport, &core.Order{
			ID:        exo.ID,
			BotName:   botName,
			Symbol:    exo.Symbol,
			Side:      exo.Side,
			Price:     exo.Price,
			Amount:    exo.Amount,
			SizeQuote: exo.Price.Mul(exo.Amount),
			// Not tied to a planned level until the next re-plan.
			LevelIndex: -1,
			Weight:     decimal.NewFromInt(1),
			Status:     core.OrderOpen,
			CreatedAt:  exo.CreatedAt,
			Source:     core.OrderSourceImported,
		})
	}
	if len(toImport) > 0 {
		if err := r.ledger.InsertOrders(ctx, toImport); err != nil {
			return nil, err
		}
		for _, o := range toImport {
			log.Info("imported unknown exchange order",
				"order_id", o.ID, "side", string(o.Side), "price", o.Price.String())
		}
		report.OrdersImported = len(toImport)
	}

	r.mu.Lock()
	r.checkpoints[botName] = r.now()
	r.mu.Unlock()

	if report.FillsResolved > 0 || report.OrdersDropped > 0 || report.OrdersImported > 0 {
		log.Info("reconciliation applied changes",
			"fills", report.FillsResolved, "imported", report.OrdersImported, "dropped", report.OrdersDropped)
	}
	return report, nil
}

// resolveFill transitions a ledger order to filled, and on closing sells
// records the round-trip profit against the matched entry buy.
func (r *Reconciler) resolveFill(ctx context.Context, o *core.Order, t core.ExchangeTrade, log core.ILogger) error {
	trade, err := r.ledger.FillOrder(ctx, o.ID, t.Price, t.Fee)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotOpen) {
			return nil
		}
		return err
	}
	log.Info("fill resolved",
		"order_id", o.ID, "side", string(o.Side), "price", t.Price.String(), "amount", trade.Amount.String())

	if r.metrics.Ready() {
		r.metrics.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bot", o.BotName), attribute.String("side", string(o.Side))))
	}

	if o.Side != core.SideSell {
		return nil
	}

	trades, err := r.ledger.ListTrades(ctx, o.BotName, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	entry := matchEntry(trades, trade)
	if entry == nil {
		log.Debug("no entry buy found for sell, profit left unset", "order_id", o.ID)
		return nil
	}

	profit := gridmath.NetProfit(entry.Price, trade.Price, trade.Amount, entry.Fee, trade.Fee)
	if err := r.ledger.SetTradeProfit(ctx, trade.ID, profit); err != nil {
		return err
	}
	if r.metrics.Ready() {
		p, _ := profit.Float64()
		r.metrics.PnLRealizedTotal.Add(ctx, p, metric.WithAttributes(attribute.String("bot", o.BotName)))
	}
	log.Info("round trip closed",
		"entry", entry.Price.String(), "exit", trade.Price.String(), "profit", profit.String())
	return nil
}

// matchEntry pairs a closing sell with its entry: among buys not already
// consumed by earlier sells, the one priced closest below the sell. Grid
// replacements sit one step above their entry, so this recovers the pair
// exactly on an undisturbed grid.
func matchEntry(trades []*core.Trade, sell *core.Trade) *core.Trade {
	var open []*core.Trade
	for _, t := range trades {
		if t.ID == sell.ID {
			continue
		}
		switch t.Side {
		case core.SideBuy:
			open = append(open, t)
		case core.SideSell:
			if i := closestBelow(open, t.Price); i >= 0 {
				open = append(open[:i], open[i+1:]...)
			}
		}
	}
	if i := closestBelow(open, sell.Price); i >= 0 {
		return open[i]
	}
	return nil
}

func closestBelow(buys []*core.Trade, sellPrice decimal.Decimal) int {
	best := -1
	var bestGap decimal.Decimal
	for i, b := range buys {
		if b.Price.GreaterThan(sellPrice) {
			continue
		}
		gap := sellPrice.Sub(b.Price)
		if best == -1 || gap.LessThan(bestGap) {
			best = i
			bestGap = gap
		}
	}
	if best == -1 && len(buys) > 0 {
		// All entries sit above the exit; pair with the nearest anyway so
		// the loss is realized rather than silently dropped.
		for i, b := range buys {
			gap := b.Price.Sub(sellPrice)
			if best == -1 || gap.LessThan(bestGap) {
				best = i
				bestGap = gap
			}
		}
	}
	return best
}
