package main

import (
	"context"
	"fmt"
	"time"

	"gridtrader/internal/backtest"
	"gridtrader/internal/core"
	"gridtrader/internal/market"
	"gridtrader/internal/sentiment"
	apperrors "gridtrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newBacktestCmd(configPath *string) *cobra.Command {
	var symbol, lower, upper, size, startStr, endStr, timeframe string
	var grids int
	var initialQuote float64

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical candles through the grid strategy",
		RunE: withApp(configPath, func(ctx context.Context, a *app, cmd *cobra.Command) error {
			lo, err := parsePrice("lower", lower)
			if err != nil {
				return err
			}
			up, err := parsePrice("upper", upper)
			if err != nil {
				return err
			}
			sz, err := parsePrice("size", size)
			if err != nil {
				return err
			}
			start, err := parseDate("start", startStr)
			if err != nil {
				return err
			}
			end, err := parseDate("end", endStr)
			if err != nil {
				return err
			}
			if !end.After(start) {
				return &apperrors.Validation{Field: "end", Message: "end must be after start"}
			}
			if timeframe == "" {
				timeframe = a.cfg.Market.Timeframe
			}

			candles, err := loadCandles(ctx, a, symbol, timeframe, start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d %s candles for %s.\n", len(candles), timeframe, symbol)

			var history map[string]map[string]float64
			if a.cfg.Sentiment.Enabled && a.cfg.Sentiment.ScoresFile != "" {
				scores, err := sentiment.LoadScoresFile(a.cfg.Sentiment.ScoresFile)
				if err != nil {
					return err
				}
				history = scores.History
			}

			var info *core.SymbolInfo
			if si, err := a.gateway.GetSymbolInfo(ctx, symbol); err == nil {
				info = si
			}

			mcfg := a.marketConfig()
			mcfg.Timeframe = timeframe

			bt := backtest.New(backtest.Config{
				Symbol:           symbol,
				LowerPrice:       lo,
				UpperPrice:       up,
				GridCount:        grids,
				OrderSize:        sz,
				InitialQuote:     decimal.NewFromFloat(initialQuote),
				FeeRate:          decimal.NewFromFloat(a.cfg.Backtest.FeeRate),
				Slippage:         decimal.NewFromFloat(a.cfg.Backtest.SlippagePct),
				Engine:           a.engineConfig(),
				Features:         mcfg,
				Sentiment:        a.sentimentConfig(),
				SentimentHistory: history,
				SymbolInfo:       info,
			}, a.logger)

			report, err := bt.Run(ctx, candles)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.String())
			return nil
		}),
	}
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "trading symbol")
	cmd.Flags().StringVar(&lower, "lower", "", "lower band price (required)")
	cmd.Flags().StringVar(&upper, "upper", "", "upper band price (required)")
	cmd.Flags().StringVar(&size, "size", "", "quote size per grid level (required)")
	cmd.Flags().IntVar(&grids, "grids", 10, "number of grid intervals")
	cmd.Flags().StringVar(&startStr, "start", "", "start date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&endStr, "end", "", "end date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&timeframe, "timeframe", "", "candle timeframe (defaults to market.timeframe)")
	cmd.Flags().Float64Var(&initialQuote, "quote", 10000, "initial quote balance")
	_ = cmd.MarkFlagRequired("lower")
	_ = cmd.MarkFlagRequired("upper")
	_ = cmd.MarkFlagRequired("size")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func parseDate(flag, value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, &apperrors.Validation{Field: flag, Message: "not a valid date (YYYY-MM-DD): " + value}
	}
	return t.UTC(), nil
}

// loadCandles pulls the full window through the cache, paging the exchange
// fetch in 1000-candle batches on a miss.
func loadCandles(ctx context.Context, a *app, symbol, timeframe string, start, end time.Time) ([]core.Candle, error) {
	var cache *market.CandleCache
	if a.cfg.Market.CacheDir != "" {
		var err error
		cache, err = market.NewCandleCache(a.cfg.Market.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	if cache != nil {
		if candles, ok := cache.Get(symbol, timeframe, start, end); ok {
			return candles, nil
		}
	}

	step := market.TimeframeDuration(timeframe)
	var out []core.Candle
	cur := start
	for cur.Before(end) {
		batch, err := a.gateway.FetchOHLCV(ctx, symbol, timeframe, cur, end, 1000)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candles from %s: %w", cur.Format(time.RFC3339), err)
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime.Add(step)
		if !next.After(cur) {
			break
		}
		cur = next
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s %s in range", apperrors.ErrNotFound, symbol, timeframe)
	}

	if cache != nil {
		if err := cache.Put(symbol, timeframe, start, end, out); err != nil {
			a.logger.Warn("failed to cache candles", "symbol", symbol, "error", err)
		}
	}
	return out, nil
}
