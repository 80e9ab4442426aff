// Package core defines the shared types and interfaces of the grid trading service
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the capability set the engine needs from a spot exchange.
// Implementations are rate-limited internally; callers never sleep themselves.
type IExchange interface {
	GetName() string

	// Market data
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]Candle, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// Account
	FetchBalance(ctx context.Context) (map[string]Balance, error)

	// Orders
	PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, amount, price decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]ExchangeTrade, error)
}

// IFeatureService computes market features from OHLCV history.
type IFeatureService interface {
	Snapshot(ctx context.Context, symbol string) (*FeatureSnapshot, error)
}

// ISentimentProvider returns the current sentiment signal for an asset.
// A disabled provider returns the pass-through signal (score 50, no skips,
// multipliers 1.0).
type ISentimentProvider interface {
	Signal(ctx context.Context, symbol string, at time.Time) (*SentimentSignal, error)
}

// IReconciler aligns the ledger with exchange-reported truth.
type IReconciler interface {
	Reconcile(ctx context.Context, botName string) (*ReconcileReport, error)
}

// ReconcileReport summarizes one reconciliation pass for a bot.
type ReconcileReport struct {
	FillsResolved  int
	OrdersImported int
	OrdersDropped  int
}

// ILogger is the structured logging interface used across components.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
