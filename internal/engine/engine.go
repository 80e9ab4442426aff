// Package engine runs the per-bot grid control loop: snapshot, stops,
// rebalance, admission, placement, persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/ledger"
	"gridtrader/internal/planner"
	"gridtrader/internal/sizer"
	"gridtrader/pkg/concurrency"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/gridmath"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Rebalance recenters the band asymmetrically: 40% of the old width
// below the current price, 60% above.
const (
	rebalanceBelowFrac = 0.4
	rebalanceAboveFrac = 0.6
)

// Config holds the engine parameters shared by all bots.
type Config struct {
	CycleInterval       time.Duration
	StopLossPct         float64
	ProfitLockThreshold float64
	TrailingStopPct     float64
	RebalanceThreshold  float64 // fraction of grid width, inclusive at the boundary
	StaleRangePct       float64
	ReserveUSD          decimal.Decimal
	MakerFeeRate        decimal.Decimal
	Sizing              sizer.Caps
}

// Engine executes grid cycles. It owns no goroutines; the Runner drives
// it and guarantees per-bot serialization.
type Engine struct {
	ledger    *ledger.Ledger
	exchange  core.IExchange
	features  core.IFeatureService
	sentiment core.ISentimentProvider
	cfg       Config
	pool      *concurrency.WorkerPool
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	trailing  *trailingBook

	mu        sync.Mutex
	lastCycle map[string]time.Time
}

// New builds an engine over its collaborators. pool may be nil; cancels
// then run sequentially.
func New(led *ledger.Ledger, ex core.IExchange, features core.IFeatureService, sent core.ISentimentProvider, cfg Config, pool *concurrency.WorkerPool, logger core.ILogger) *Engine {
	return &Engine{
		ledger:    led,
		exchange:  ex,
		features:  features,
		sentiment: sent,
		cfg:       cfg,
		pool:      pool,
		logger:    logger.WithField("component", "engine"),
		metrics:   telemetry.GetGlobalMetrics(),
		trailing:  newTrailingBook(),
		lastCycle: make(map[string]time.Time),
	}
}

// snapshot is the per-cycle view of the world.
type snapshot struct {
	bot        *core.Bot
	ticker     *core.Ticker
	info       *core.SymbolInfo
	balances   map[string]core.Balance
	features   *core.FeatureSnapshot
	sentiment  *core.SentimentSignal
	openOrders []*core.Order
	metrics    *core.Metrics
}

// CycleStats summarizes what one cycle did.
type CycleStats struct {
	Placed       int
	SkippedBuys  int
	SkippedSells int
	Rebalanced   bool
	Paused       bool
}

// RunCycle executes one full control cycle for a bot. Bots that are not
// running are skipped. The caller serializes cycles per bot.
func (e *Engine) RunCycle(ctx context.Context, botName string) (*CycleStats, error) {
	started := time.Now()
	log := e.logger.WithField("bot", botName)
	stats := &CycleStats{}

	bot, err := e.ledger.GetBot(ctx, botName)
	if err != nil {
		return nil, err
	}
	if bot.Status != core.BotRunning {
		return stats, nil
	}

	snap, err := e.acquire(ctx, bot, log)
	if err != nil {
		return nil, err
	}

	paused, err := e.stopSweep(ctx, snap, log)
	if err != nil || paused {
		stats.Paused = paused
		return stats, err
	}

	rebalanced, err := e.maybeRebalance(ctx, snap, log)
	if err != nil {
		return nil, err
	}
	stats.Rebalanced = rebalanced

	levels := e.plan(ctx, snap, log)

	e.cancelStale(ctx, snap, levels, log)

	if err := e.placeLevels(ctx, snap, levels, stats, log); err != nil {
		return nil, err
	}
	placed := stats.Placed

	open, err := e.ledger.ListOpenOrders(ctx, botName)
	if err == nil && e.metrics.Ready() {
		e.metrics.SetOpenOrders(botName, int64(len(open)))
	}
	if _, err := e.ledger.RecomputeMetrics(ctx, botName); err != nil {
		log.Warn("failed to recompute metrics", "error", err)
	}

	e.mu.Lock()
	e.lastCycle[botName] = started
	e.mu.Unlock()

	if e.metrics.Ready() {
		e.metrics.CycleDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.String("bot", botName)))
	}
	log.Debug("cycle complete",
		"price", snap.ticker.Last.String(), "placed", placed,
		"open_orders", len(open), "duration_ms", time.Since(started).Milliseconds())
	return stats, nil
}

// acquire pulls the cycle snapshot. Feature and sentiment failures degrade
// to safe defaults; ticker, balance and symbol info are hard requirements.
func (e *Engine) acquire(ctx context.Context, bot *core.Bot, log core.ILogger) (*snapshot, error) {
	ticker, err := e.exchange.FetchTicker(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker: %w", err)
	}
	info, err := e.exchange.GetSymbolInfo(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch symbol info: %w", err)
	}
	balances, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	feat, err := e.features.Snapshot(ctx, bot.Symbol)
	if err != nil {
		log.Warn("feature snapshot failed, planning on unknown volatility", "error", err)
		feat = &core.FeatureSnapshot{VolBucket: core.VolUnknown, Regime: core.RegimeRanging}
	}

	sent, err := e.sentiment.Signal(ctx, bot.Symbol, time.Now().UTC())
	if err != nil {
		log.Warn("sentiment signal failed, using neutral", "error", err)
		sent = &core.SentimentSignal{Score: 50, SizeMultiplier: 1.0, DipBuyerMultiplier: 1.0}
	}

	open, err := e.ledger.ListOpenOrders(ctx, bot.Name)
	if err != nil {
		return nil, err
	}
	met, err := e.ledger.GetMetrics(ctx, bot.Name)
	if err != nil {
		return nil, err
	}

	return &snapshot{
		bot:        bot,
		ticker:     ticker,
		info:       info,
		balances:   balances,
		features:   feat,
		sentiment:  sent,
		openOrders: open,
		metrics:    met,
	}, nil
}

// stopSweep enforces the hard stop-loss and the per-position trailing
// stop. Returns true when the bot was paused.
func (e *Engine) stopSweep(ctx context.Context, snap *snapshot, log core.ILogger) (bool, error) {
	trades, err := e.ledger.ListTrades(ctx, snap.bot.Name, time.Time{}, time.Time{})
	if err != nil {
		return false, err
	}
	positions := openPositions(trades)
	if len(positions) == 0 {
		return false, nil
	}

	price := snap.ticker.Last
	for _, pos := range positions {
		hardStop := pos.EntryPrice.Mul(decimal.NewFromFloat(1 - e.cfg.StopLossPct))
		if price.LessThanOrEqual(hardStop) {
			log.Warn("stop-loss hit",
				"entry", pos.EntryPrice.String(), "price", price.String(), "stop", hardStop.String())
			return true, e.closeAndPause(ctx, snap, pos, core.StopReasonStopLoss, log)
		}

		pnlPct, _ := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Float64()
		if pnlPct > e.cfg.ProfitLockThreshold {
			candidate := price.Mul(decimal.NewFromFloat(1 - e.cfg.TrailingStopPct))
			e.trailing.Ratchet(snap.bot.Name, pos.TradeID, candidate)
		}
		if stop, ok := e.trailing.Stop(snap.bot.Name, pos.TradeID); ok && price.LessThanOrEqual(stop) {
			log.Info("trailing stop hit",
				"entry", pos.EntryPrice.String(), "price", price.String(), "stop", stop.String())
			return true, e.closeAndPause(ctx, snap, pos, core.StopReasonTrailingStop, log)
		}
	}
	return false, nil
}

// closeAndPause liquidates one position at the current bid, cancels the
// bot's resting orders and pauses it with the given reason.
func (e *Engine) closeAndPause(ctx context.Context, snap *snapshot, pos Position, reason string, log core.ILogger) error {
	bot := snap.bot
	exit := snap.ticker.Bid
	if exit.IsZero() {
		exit = snap.ticker.Last
	}
	amount := gridmath.RoundToLot(pos.Amount, snap.info.LotStep)

	e.cancelAll(ctx, snap.openOrders, core.CancelReasonStop, log)

	if amount.GreaterThan(decimal.Zero) {
		id, err := e.exchange.PlaceLimitOrder(ctx, bot.Symbol, core.SideSell, amount, exit)
		if err != nil {
			log.Error("failed to place closing sell, pausing anyway", "error", err)
		} else {
			closing := &core.Order{
				ID:        id,
				BotName:   bot.Name,
				Symbol:    bot.Symbol,
				Side:      core.SideSell,
				Price:     exit,
				Amount:    amount,
				SizeQuote: exit.Mul(amount),
				// Off-grid liquidation order.
				LevelIndex: -1,
				Weight:     decimal.NewFromInt(1),
				Status:     core.OrderOpen,
				CreatedAt:  time.Now().UTC(),
			}
			if err := e.ledger.InsertOrders(ctx, []*core.Order{closing}); err != nil {
				return err
			}
			fee := exit.Mul(amount).Mul(e.cfg.MakerFeeRate)
			trade, err := e.ledger.FillOrder(ctx, id, exit, fee)
			if err != nil {
				return err
			}
			profit := gridmath.NetProfit(pos.EntryPrice, exit, amount, pos.Fee, fee)
			if err := e.ledger.SetTradeProfit(ctx, trade.ID, profit); err != nil {
				return err
			}
			if e.metrics.Ready() {
				p, _ := profit.Float64()
				e.metrics.PnLRealizedTotal.Add(ctx, p, metric.WithAttributes(attribute.String("bot", bot.Name)))
			}
		}
	}

	e.trailing.Forget(bot.Name)
	paused := core.BotPaused
	if err := e.ledger.UpdateBot(ctx, bot.Name, ledger.BotPatch{Status: &paused, StopReason: &reason}); err != nil {
		return err
	}
	log.Warn("bot paused", "reason", reason)
	return nil
}

// maybeRebalance recenters the band when price leaves it by at least the
// threshold fraction of the grid width. The threshold is inclusive.
func (e *Engine) maybeRebalance(ctx context.Context, snap *snapshot, log core.ILogger) (bool, error) {
	bot := snap.bot
	price := snap.ticker.Last
	width := bot.UpperPrice.Sub(bot.LowerPrice)
	margin := width.Mul(decimal.NewFromFloat(e.cfg.RebalanceThreshold))

	above := price.GreaterThanOrEqual(bot.UpperPrice.Add(margin))
	below := price.LessThanOrEqual(bot.LowerPrice.Sub(margin))
	if !above && !below {
		return false, nil
	}

	e.cancelAll(ctx, snap.openOrders, core.CancelReasonRebalance, log)
	snap.openOrders = nil

	newLower := gridmath.RoundToTick(price.Sub(width.Mul(decimal.NewFromFloat(rebalanceBelowFrac))), snap.info.TickSize)
	newUpper := gridmath.RoundToTick(price.Add(width.Mul(decimal.NewFromFloat(rebalanceAboveFrac))), snap.info.TickSize)

	patch := ledger.BotPatch{LowerPrice: &newLower, UpperPrice: &newUpper, IncRebalanceCount: true}
	if err := e.ledger.UpdateBot(ctx, bot.Name, patch); err != nil {
		return false, err
	}
	log.Info("grid rebalanced",
		"price", price.String(),
		"old_range", fmt.Sprintf("[%s, %s]", bot.LowerPrice, bot.UpperPrice),
		"new_range", fmt.Sprintf("[%s, %s]", newLower, newUpper))

	bot.LowerPrice = newLower
	bot.UpperPrice = newUpper
	bot.RebalanceCount++

	if e.metrics.Ready() {
		e.metrics.RebalancesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("bot", bot.Name)))
	}
	return true, nil
}

// plan computes the level set for the current band and persists the
// volatility-adjusted count when it changed.
func (e *Engine) plan(ctx context.Context, snap *snapshot, log core.ILogger) []core.GridLevel {
	bot := snap.bot
	levels := planner.Plan(planner.Input{
		LowerPrice:   bot.LowerPrice,
		UpperPrice:   bot.UpperPrice,
		GridCount:    bot.GridCount,
		CurrentPrice: snap.ticker.Last,
		VolBucket:    snap.features.VolBucket,
		TickSize:     snap.info.TickSize,
	})

	adjusted := planner.AdjustGridCount(bot.GridCount, snap.features.VolBucket)
	if adjusted != bot.AdjustedGridCount {
		if err := e.ledger.UpdateBot(ctx, bot.Name, ledger.BotPatch{AdjustedGridCount: &adjusted}); err != nil {
			log.Warn("failed to persist adjusted grid count", "error", err)
		} else {
			bot.AdjustedGridCount = adjusted
		}
	}
	return levels
}

// cancelStale removes orders that no longer sit on a planned level and
// have drifted too far from the market. Orders on current levels are
// never stale, so a steady grid does not churn.
func (e *Engine) cancelStale(ctx context.Context, snap *snapshot, levels []core.GridLevel, log core.ILogger) {
	price := snap.ticker.Last
	planned := make(map[string]bool, len(levels))
	for _, lv := range levels {
		planned[lv.Price.String()] = true
	}

	kept := snap.openOrders[:0]
	for _, o := range snap.openOrders {
		if planned[o.Price.String()] {
			kept = append(kept, o)
			continue
		}
		drift := o.Price.Sub(price).Abs().Div(price)
		if drift.GreaterThan(decimal.NewFromFloat(e.cfg.StaleRangePct)) {
			e.cancelOrder(ctx, o, core.CancelReasonStale, log)
			continue
		}
		kept = append(kept, o)
	}
	snap.openOrders = kept
}

// cancelAll fans order cancels out over the worker pool and waits for
// completion. Ledger writes stay serialized behind its own lock.
func (e *Engine) cancelAll(ctx context.Context, orders []*core.Order, reason string, log core.ILogger) {
	if e.pool == nil || len(orders) < 2 {
		for _, o := range orders {
			e.cancelOrder(ctx, o, reason, log)
		}
		return
	}

	var wg sync.WaitGroup
	for _, o := range orders {
		o := o
		wg.Add(1)
		if err := e.pool.Submit(func() {
			defer wg.Done()
			e.cancelOrder(ctx, o, reason, log)
		}); err != nil {
			wg.Done()
			e.cancelOrder(ctx, o, reason, log)
		}
	}
	wg.Wait()
}

// cancelOrder cancels on the exchange and in the ledger. An order the
// exchange no longer knows counts as cancelled.
func (e *Engine) cancelOrder(ctx context.Context, o *core.Order, reason string, log core.ILogger) {
	if err := e.exchange.CancelOrder(ctx, o.ID, o.Symbol); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("exchange cancel failed", "order_id", o.ID, "error", err)
		return
	}
	if err := e.ledger.CancelOrder(ctx, o.ID, reason); err != nil && !errors.Is(err, apperrors.ErrOrderNotOpen) {
		log.Warn("ledger cancel failed", "order_id", o.ID, "error", err)
		return
	}
	if e.metrics.Ready() {
		e.metrics.OrdersCancelledTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bot", o.BotName), attribute.String("reason", reason)))
	}
	log.Debug("order cancelled", "order_id", o.ID, "price", o.Price.String(), "reason", reason)
}

// placeLevels arms every planned level that has no open order, subject to
// sentiment admission and the funds budget.
func (e *Engine) placeLevels(ctx context.Context, snap *snapshot, levels []core.GridLevel, stats *CycleStats, log core.ILogger) error {
	bot := snap.bot
	price := snap.ticker.Last

	occupied := make(map[string]bool, len(snap.openOrders))
	for _, o := range snap.openOrders {
		occupied[o.Price.String()] = true
	}

	// Free already excludes funds locked by resting orders, so only buys
	// placed within this cycle count against the snapshot budget.
	committedBuys := decimal.Zero

	// Levels armed after a fill count as replacements.
	e.mu.Lock()
	since := e.lastCycle[bot.Name]
	e.mu.Unlock()
	recentFills := make(map[string]bool)
	if !since.IsZero() {
		if filled, err := e.ledger.ListFilledSince(ctx, bot.Name, since); err == nil {
			for _, o := range filled {
				recentFills[o.Price.String()] = true
			}
		}
	}

	quote := snap.balances[snap.info.QuoteAsset]
	budget := quote.Free.Sub(e.cfg.ReserveUSD)

	gridSpacingPct := 0.0
	if spacing := bot.GridSpacing(); !price.IsZero() {
		gridSpacingPct, _ = spacing.Div(price).Float64()
	}

	var toInsert []*core.Order
	for _, lv := range levels {
		if occupied[lv.Price.String()] {
			continue
		}
		if snap.sentiment.SkipBuys && lv.SideAtPlan == core.SideBuy {
			stats.SkippedBuys++
			if e.metrics.Ready() {
				e.metrics.SkippedBuysTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("bot", bot.Name)))
			}
			log.Debug("buy level skipped by sentiment", "price", lv.Price.String(), "score", snap.sentiment.Score)
			continue
		}
		if snap.sentiment.SkipSells && lv.SideAtPlan == core.SideSell {
			stats.SkippedSells++
			if e.metrics.Ready() {
				e.metrics.SkippedSellsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("bot", bot.Name)))
			}
			log.Debug("sell level skipped by sentiment", "price", lv.Price.String(), "score", snap.sentiment.Score)
			continue
		}

		res := sizer.Size(sizer.Input{
			BaseOrderSize:       bot.OrderSize,
			CurrentPrice:        price,
			AvailableEquity:     quote.Free,
			WinRate:             snap.metrics.WinRate,
			AvgWin:              snap.metrics.AvgWin,
			AvgLoss:             snap.metrics.AvgLoss,
			TotalTrades:         snap.metrics.WinCount + snap.metrics.LossCount,
			ATRPercent:          snap.features.ATRPercent,
			GridSpacingPercent:  gridSpacingPct,
			SentimentMultiplier: snap.sentiment.SizeMultiplier,
			LevelWeight:         lv.Weight,
		}, e.cfg.Sizing)

		amount := gridmath.RoundToLot(res.SizeQuote.Div(lv.Price), snap.info.LotStep)
		value := lv.Price.Mul(amount)
		if amount.LessThanOrEqual(decimal.Zero) || value.LessThan(snap.info.MinNotional) {
			log.Debug("level below minimum notional", "price", lv.Price.String(), "value", value.String())
			continue
		}

		if lv.SideAtPlan == core.SideBuy {
			if committedBuys.Add(value).GreaterThan(budget) {
				log.Warn("buy level dropped, insufficient funds",
					"price", lv.Price.String(), "value", value.String(),
					"committed", committedBuys.String(), "budget", budget.String())
				continue
			}
		} else {
			base := snap.balances[snap.info.BaseAsset]
			if base.Free.LessThan(amount) {
				log.Debug("sell level dropped, insufficient base balance",
					"price", lv.Price.String(), "amount", amount.String(), "free", base.Free.String())
				continue
			}
		}

		id, err := e.exchange.PlaceLimitOrder(ctx, bot.Symbol, lv.SideAtPlan, amount, lv.Price)
		if err != nil {
			if errors.Is(err, apperrors.ErrInsufficientFunds) {
				log.Warn("placement rejected, insufficient funds", "price", lv.Price.String())
				continue
			}
			if apperrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
				// Unplaced levels retry next cycle.
				log.Warn("placement failed transiently, will retry next cycle",
					"price", lv.Price.String(), "error", err)
				continue
			}
			return fmt.Errorf("failed to place order at %s: %w", lv.Price, err)
		}

		order := &core.Order{
			ID:         id,
			BotName:    bot.Name,
			Symbol:     bot.Symbol,
			Side:       lv.SideAtPlan,
			Price:      lv.Price,
			Amount:     amount,
			SizeQuote:  value,
			LevelIndex: lv.Index,
			Weight:     lv.Weight,
			Status:     core.OrderOpen,
			CreatedAt:  time.Now().UTC(),
		}
		toInsert = append(toInsert, order)
		occupied[lv.Price.String()] = true
		if lv.SideAtPlan == core.SideBuy {
			committedBuys = committedBuys.Add(value)
		}
		stats.Placed++

		if e.metrics.Ready() {
			e.metrics.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("bot", bot.Name), attribute.String("side", string(lv.SideAtPlan))))
			if recentFills[lv.Price.String()] {
				e.metrics.ReplacementsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("bot", bot.Name)))
			}
		}
	}

	if len(toInsert) > 0 {
		if err := e.ledger.InsertOrders(ctx, toInsert); err != nil {
			return fmt.Errorf("failed to persist placed orders: %w", err)
		}
	}
	return nil
}

// Resume transitions a paused or stopped bot to running and clears its
// stop reason. Starting is refused when the grid's full capital commitment
// exceeds the free quote balance.
func (e *Engine) Resume(ctx context.Context, botName string) error {
	bot, err := e.ledger.GetBot(ctx, botName)
	if err != nil {
		return err
	}
	info, err := e.exchange.GetSymbolInfo(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch symbol info: %w", err)
	}
	balances, err := e.exchange.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}

	required := bot.OrderSize.Mul(decimal.NewFromInt(int64(bot.GridCount)))
	free := balances[info.QuoteAsset].Free
	if required.GreaterThan(free) {
		return fmt.Errorf("%w: grid commits %s %s but only %s is free",
			apperrors.ErrInsufficientFunds, required.String(), info.QuoteAsset, free.String())
	}

	running := core.BotRunning
	empty := ""
	return e.ledger.UpdateBot(ctx, botName, ledger.BotPatch{Status: &running, StopReason: &empty})
}

// Stop cancels all open orders for a bot and transitions it to stopped.
func (e *Engine) Stop(ctx context.Context, botName string) error {
	log := e.logger.WithField("bot", botName)
	open, err := e.ledger.ListOpenOrders(ctx, botName)
	if err != nil {
		return err
	}
	e.cancelAll(ctx, open, core.CancelReasonStop, log)
	e.trailing.Forget(botName)
	stopped := core.BotStopped
	empty := ""
	return e.ledger.UpdateBot(ctx, botName, ledger.BotPatch{Status: &stopped, StopReason: &empty})
}
