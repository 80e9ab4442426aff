// Package backtest replays historical candles through the live decision
// path. The planner, sizer and sentiment modulator are the same code the
// live engine runs; only the exchange is simulated.
package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/engine"
	"gridtrader/internal/exchange"
	"gridtrader/internal/ledger"
	"gridtrader/internal/market"
	"gridtrader/internal/reconciler"
	"gridtrader/internal/sentiment"
	apperrors "gridtrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Config parameterizes one backtest run.
type Config struct {
	BotName      string
	Symbol       string
	LowerPrice   decimal.Decimal
	UpperPrice   decimal.Decimal
	GridCount    int
	OrderSize    decimal.Decimal
	InitialQuote decimal.Decimal
	FeeRate      decimal.Decimal
	Slippage     decimal.Decimal

	Engine    engine.Config
	Features  market.Config
	Sentiment sentiment.Config
	// Per-day component scores keyed by UTC date (2006-01-02). Empty
	// history replays with the neutral signal.
	SentimentHistory map[string]map[string]float64

	// Symbol precision rules; nil selects permissive defaults.
	SymbolInfo *core.SymbolInfo
}

// Backtester owns the replay loop and the throwaway ledger it runs over.
type Backtester struct {
	cfg    Config
	logger core.ILogger
}

func New(cfg Config, logger core.ILogger) *Backtester {
	return &Backtester{cfg: cfg, logger: logger.WithField("component", "backtest")}
}

// Run replays the candle series and returns the performance report.
// Candles must be ascending by open time.
func (b *Backtester) Run(ctx context.Context, candles []core.Candle) (*Report, error) {
	if len(candles) == 0 {
		return nil, &apperrors.Validation{Field: "candles", Message: "candle series is empty"}
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			return nil, &apperrors.Validation{Field: "candles", Message: "candle series must be ascending by open time"}
		}
	}
	cfg := b.cfg
	if cfg.BotName == "" {
		cfg.BotName = "backtest"
	}

	dir, err := os.MkdirTemp("", "gridtrader-backtest-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	led, err := ledger.Open(filepath.Join(dir, "backtest.db"), b.logger)
	if err != nil {
		return nil, err
	}
	defer led.Close()

	info := cfg.SymbolInfo
	if info == nil {
		info = defaultSymbolInfo(cfg.Symbol)
	}

	clock := &replayClock{now: candles[0].OpenTime}

	paper := exchange.NewPaperGateway(
		map[string]decimal.Decimal{info.QuoteAsset: cfg.InitialQuote},
		cfg.FeeRate, nil, b.logger)
	paper.SetSymbolInfo(info)
	paper.SetClock(clock.Now)
	if !cfg.Slippage.IsZero() {
		paper.SetSlippage(cfg.Slippage)
	}
	paper.SetTicker(core.Ticker{
		Symbol: cfg.Symbol,
		Bid:    candles[0].Open,
		Ask:    candles[0].Open,
		Last:   candles[0].Open,
	})

	feats := newReplayFeatures(cfg.Features)
	sent := &replaySentiment{
		inner: sentiment.NewHistoryProvider(cfg.Sentiment, cfg.SentimentHistory),
		now:   clock.Now,
	}

	rec := reconciler.New(led, paper, 2*market.TimeframeDuration(cfg.Features.Timeframe), b.logger)
	rec.SetClock(clock.Now)
	eng := engine.New(led, paper, feats, sent, cfg.Engine, nil, b.logger)

	bot, err := led.CreateBot(ctx, ledger.BotConfig{
		Name:       cfg.BotName,
		Symbol:     cfg.Symbol,
		LowerPrice: cfg.LowerPrice,
		UpperPrice: cfg.UpperPrice,
		GridCount:  cfg.GridCount,
		OrderSize:  cfg.OrderSize,
	})
	if err != nil {
		return nil, err
	}
	running := core.BotRunning
	if err := led.UpdateBot(ctx, bot.Name, ledger.BotPatch{Status: &running}); err != nil {
		return nil, err
	}

	report := &Report{
		Symbol:        cfg.Symbol,
		Start:         candles[0].OpenTime,
		End:           candles[len(candles)-1].CloseTime,
		Candles:       len(candles),
		InitialEquity: cfg.InitialQuote,
	}

	for i, candle := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock.Set(candle.CloseTime)
		feats.advance(candle)

		fills := paper.ProcessCandle(cfg.Symbol, candle)
		if len(fills) > 0 {
			if _, err := rec.Reconcile(ctx, bot.Name); err != nil {
				return nil, fmt.Errorf("reconcile failed at candle %d: %w", i, err)
			}
		}

		stats, err := eng.RunCycle(ctx, bot.Name)
		if err != nil {
			return nil, fmt.Errorf("cycle failed at candle %d: %w", i, err)
		}
		report.OrdersPlaced += stats.Placed
		report.SkippedBuys += stats.SkippedBuys
		report.SkippedSells += stats.SkippedSells
		if stats.Rebalanced {
			report.Rebalances++
		}

		equity, err := markedEquity(ctx, paper, info, candle.Close)
		if err != nil {
			return nil, err
		}
		report.EquityCurve = append(report.EquityCurve, EquityPoint{Time: candle.CloseTime, Equity: equity})

		if stats.Paused {
			// Stop-loss closed the book; remaining candles carry flat equity
			// and add no information.
			report.StoppedEarly = true
			break
		}
	}

	// Liquidation close at the last candle settles any fills the final
	// ProcessCandle produced.
	if _, err := rec.Reconcile(ctx, bot.Name); err != nil {
		return nil, err
	}
	metrics, err := led.RecomputeMetrics(ctx, bot.Name)
	if err != nil {
		return nil, err
	}
	current, err := led.GetBot(ctx, bot.Name)
	if err != nil {
		return nil, err
	}

	report.FinalEquity = report.EquityCurve[len(report.EquityCurve)-1].Equity
	report.StopReason = current.StopReason
	report.finishFromMetrics(metrics)
	return report, nil
}

// markedEquity values the account at the given close: quote total plus
// base total marked to market.
func markedEquity(ctx context.Context, paper *exchange.PaperGateway, info *core.SymbolInfo, close decimal.Decimal) (decimal.Decimal, error) {
	balances, err := paper.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	equity := balances[info.QuoteAsset].Total
	return equity.Add(balances[info.BaseAsset].Total.Mul(close)), nil
}

func defaultSymbolInfo(symbol string) *core.SymbolInfo {
	return &core.SymbolInfo{
		Symbol:        symbol,
		BaseAsset:     "BASE",
		QuoteAsset:    "USDT",
		TickSize:      decimal.NewFromFloat(0.01),
		LotStep:       decimal.NewFromFloat(0.00001),
		MinNotional:   decimal.NewFromInt(1),
		PriceDecimals: 2,
		QtyDecimals:   5,
	}
}

// replayClock is the shared time source for the paper gateway, the
// reconciler and the sentiment provider during a replay.
type replayClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *replayClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// replayFeatures computes features over a sliding candle window instead of
// fetching history from the exchange.
type replayFeatures struct {
	cfg    market.Config
	need   int
	mu     sync.Mutex
	window []core.Candle
}

func newReplayFeatures(cfg market.Config) *replayFeatures {
	need := cfg.EMASlow * 3
	if min := cfg.ATRPeriod * 3; min > need {
		need = min
	}
	if need < 2 {
		need = 2
	}
	return &replayFeatures{cfg: cfg, need: need}
}

func (f *replayFeatures) advance(c core.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = append(f.window, c)
	if len(f.window) > f.need {
		f.window = f.window[len(f.window)-f.need:]
	}
}

func (f *replayFeatures) Snapshot(ctx context.Context, symbol string) (*core.FeatureSnapshot, error) {
	f.mu.Lock()
	window := make([]core.Candle, len(f.window))
	copy(window, f.window)
	f.mu.Unlock()
	return market.Compute(f.cfg, window), nil
}

// replaySentiment substitutes the replay clock for the caller-supplied
// time so historical per-day scores line up with candle dates.
type replaySentiment struct {
	inner core.ISentimentProvider
	now   func() time.Time
}

func (s *replaySentiment) Signal(ctx context.Context, symbol string, _ time.Time) (*core.SentimentSignal, error) {
	return s.inner.Signal(ctx, symbol, s.now())
}
