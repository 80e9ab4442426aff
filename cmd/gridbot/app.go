package main

import (
	"fmt"
	"time"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/engine"
	"gridtrader/internal/exchange"
	"gridtrader/internal/ledger"
	"gridtrader/internal/market"
	"gridtrader/internal/sentiment"
	"gridtrader/internal/sizer"
	"gridtrader/pkg/concurrency"
	"gridtrader/pkg/logging"

	"github.com/shopspring/decimal"
)

// app wires the shared collaborators every command needs: config, logger,
// ledger and the exchange gateway selected by app.mode.
type app struct {
	cfg     *config.Config
	logger  core.ILogger
	zap     *logging.ZapLogger
	ledger  *ledger.Ledger
	gateway core.IExchange
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	zl, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	led, err := ledger.Open(cfg.App.DatabasePath, zl)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  zl,
		zap:     zl,
		ledger:  led,
		gateway: buildGateway(cfg, zl),
	}, nil
}

func (a *app) close() {
	_ = a.ledger.Close()
	_ = a.zap.Sync()
}

// buildGateway returns the live gateway in live mode, or a paper simulator
// that delegates market data to the live public endpoints.
func buildGateway(cfg *config.Config, logger core.ILogger) core.IExchange {
	live := exchange.NewBinanceGateway(exchange.Options{
		APIKey:     cfg.Exchange.APIKey.Reveal(),
		SecretKey:  cfg.Exchange.SecretKey.Reveal(),
		BaseURL:    cfg.Exchange.BaseURL,
		RateLimit:  cfg.Exchange.RateLimit,
		RateBurst:  cfg.Exchange.RateBurst,
		Timeout:    time.Duration(cfg.Exchange.TimeoutMs) * time.Millisecond,
		MaxRetries: cfg.Exchange.MaxRetries,
		Backoff:    time.Duration(cfg.Exchange.BackoffMs) * time.Millisecond,
	}, logger)
	if cfg.App.Mode == "live" {
		return live
	}

	quote := cfg.App.PaperQuoteUSD
	if quote <= 0 {
		quote = 10000
	}
	// Simulated fills cross the book, so they pay the taker rate.
	return exchange.NewPaperGateway(
		map[string]decimal.Decimal{"USDT": decimal.NewFromFloat(quote)},
		decimal.NewFromFloat(cfg.Exchange.TakerFeeRate),
		live, logger)
}

func (a *app) engineConfig() engine.Config {
	return engine.Config{
		CycleInterval:       time.Duration(a.cfg.Engine.CycleIntervalSeconds) * time.Second,
		StopLossPct:         a.cfg.Engine.StopLossPct,
		ProfitLockThreshold: a.cfg.Engine.ProfitLockThreshold,
		TrailingStopPct:     a.cfg.Engine.TrailingStopPct,
		RebalanceThreshold:  a.cfg.Engine.RebalanceThreshold,
		StaleRangePct:       a.cfg.Engine.StaleRangePct,
		ReserveUSD:          decimal.NewFromFloat(a.cfg.Engine.ReserveUSD),
		MakerFeeRate:        decimal.NewFromFloat(a.cfg.Exchange.MakerFeeRate),
		Sizing:              a.sizingCaps(),
	}
}

func (a *app) sizingCaps() sizer.Caps {
	return sizer.Caps{
		MaxPositionPercent: a.cfg.Sizing.MaxPositionPercent,
		MinPositionPercent: a.cfg.Sizing.MinPositionPercent,
		MaxRiskPerTrade:    a.cfg.Sizing.MaxRiskPerTrade,
		KellyFraction:      a.cfg.Sizing.KellyFraction,
		KellyMinTrades:     a.cfg.Sizing.KellyMinTrades,
	}
}

func (a *app) marketConfig() market.Config {
	return market.Config{
		Timeframe:     a.cfg.Market.Timeframe,
		ATRPeriod:     a.cfg.Market.ATRPeriod,
		EMAFast:       a.cfg.Market.EMAFast,
		EMASlow:       a.cfg.Market.EMASlow,
		LowVolATRPct:  a.cfg.Market.LowVolATRPct,
		HighVolATRPct: a.cfg.Market.HighVolATRPct,
	}
}

func (a *app) sentimentConfig() sentiment.Config {
	return sentiment.Config{
		Enabled:           a.cfg.Sentiment.Enabled,
		SkipBuyThreshold:  a.cfg.Sentiment.SkipBuyThreshold,
		SkipSellThreshold: a.cfg.Sentiment.SkipSellThreshold,
		Weights:           a.cfg.Sentiment.Weights,
	}
}

// featureService builds the live feature service with the configured
// OHLCV cache.
func (a *app) featureService() (core.IFeatureService, error) {
	var cache *market.CandleCache
	if a.cfg.Market.CacheDir != "" {
		var err error
		cache, err = market.NewCandleCache(a.cfg.Market.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	return market.NewFeatureService(a.marketConfig(), a.gateway, cache, a.logger), nil
}

// sentimentProvider builds the modulator over the configured fixture file.
// No file means no components, which degrades to the neutral signal.
func (a *app) sentimentProvider() (core.ISentimentProvider, error) {
	cfg := a.sentimentConfig()
	if !cfg.Enabled || a.cfg.Sentiment.ScoresFile == "" {
		return sentiment.New(cfg, nil, a.logger), nil
	}
	scores, err := sentiment.LoadScoresFile(a.cfg.Sentiment.ScoresFile)
	if err != nil {
		return nil, err
	}
	return sentiment.New(cfg, &sentiment.StaticSource{Components: scores.Current}, a.logger), nil
}

// buildEngine assembles the full engine stack for commands that cycle.
// pool may be nil; order actions then run sequentially.
func (a *app) buildEngine(pool *concurrency.WorkerPool) (*engine.Engine, error) {
	feats, err := a.featureService()
	if err != nil {
		return nil, err
	}
	sent, err := a.sentimentProvider()
	if err != nil {
		return nil, err
	}
	return engine.New(a.ledger, a.gateway, feats, sent, a.engineConfig(), pool, a.logger), nil
}
