package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the lifecycle state of a grid bot.
type BotStatus string

const (
	BotStopped BotStatus = "stopped"
	BotRunning BotStatus = "running"
	BotPaused  BotStatus = "paused"
)

// Stop reasons recorded when a bot is paused by the engine.
const (
	StopReasonStopLoss     = "STOP_LOSS_HIT"
	StopReasonTrailingStop = "TRAILING_STOP_HIT"
	StopReasonFatal        = "FATAL_ERROR"
)

// OrderSide is the direction of a limit order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of a resting limit order.
// Transitions are monotonic: open -> filled | cancelled.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Cancel reasons recorded on order cancellation.
const (
	CancelReasonStale     = "TOO_FAR_FROM_MARKET"
	CancelReasonRebalance = "REBALANCE"
	CancelReasonStop      = "BOT_STOPPED"
	CancelReasonMissing   = "MISSING_ON_EXCHANGE"
)

// Order sources: grid placements versus reconciler imports.
const (
	OrderSourceGrid     = "grid"
	OrderSourceImported = "imported"
)

// TradeSource tags how a trade record entered the ledger.
type TradeSource string

const (
	TradeSourceFill      TradeSource = "fill"
	TradeSourceImported  TradeSource = "imported"
	TradeSourceSimulated TradeSource = "simulated"
)

// Bot is a configured grid: a price band, a level count and a per-level size.
type Bot struct {
	ID                int64
	Name              string
	Symbol            string
	LowerPrice        decimal.Decimal
	UpperPrice        decimal.Decimal
	GridCount         int
	AdjustedGridCount int
	OrderSize         decimal.Decimal // quote currency per level
	Status            BotStatus
	StopReason        string
	RebalanceCount    int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GridSpacing returns (upper - lower) / gridCount.
func (b *Bot) GridSpacing() decimal.Decimal {
	if b.GridCount == 0 {
		return decimal.Zero
	}
	return b.UpperPrice.Sub(b.LowerPrice).Div(decimal.NewFromInt(int64(b.GridCount)))
}

// Order is a resting limit intent tracked by the ledger.
type Order struct {
	ID           string // exchange-assigned when live, synthetic when paper
	BotName      string
	Symbol       string
	Side         OrderSide
	Price        decimal.Decimal
	Amount       decimal.Decimal // base currency
	SizeQuote    decimal.Decimal
	LevelIndex   int
	Weight       decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	FilledAt     time.Time
	FilledPrice  decimal.Decimal
	CancelledAt  time.Time
	CancelReason string
	Source       string // grid or imported
}

// Trade is a realized fill.
type Trade struct {
	ID        int64
	BotName   string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Value     decimal.Decimal // price * amount
	Fee       decimal.Decimal
	Profit    decimal.Decimal // set on closed round-trips
	OrderID   string
	Source    TradeSource
	Timestamp time.Time
}

// Metrics are derived per-bot performance numbers.
type Metrics struct {
	BotName      string
	TotalTrades  int
	OpenTrades   int
	WinCount     int
	LossCount    int
	WinRate      float64
	AvgWin       decimal.Decimal
	AvgLoss      decimal.Decimal
	ProfitFactor float64
	Sharpe       float64
	MaxDrawdown  float64
	TotalPnl     decimal.Decimal
	TotalFees    decimal.Decimal
	UpdatedAt    time.Time
}

// VolatilityBucket classifies current volatility for grid planning.
type VolatilityBucket string

const (
	VolLow     VolatilityBucket = "LOW"
	VolMedium  VolatilityBucket = "MEDIUM"
	VolHigh    VolatilityBucket = "HIGH"
	VolUnknown VolatilityBucket = "UNKNOWN"
)

// Regime classifies the market as trending or ranging.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
)

// GridLevel is one planned price slot. Persisted implicitly through the
// orders placed for it.
type GridLevel struct {
	Index      int
	Price      decimal.Decimal
	SideAtPlan OrderSide
	Weight     decimal.Decimal
}

// Ticker is a point-in-time market quote.
type Ticker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
}

// Candle is one OHLCV row. Rows are ordered ascending by open time.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Balance is the free/total holding of one asset.
type Balance struct {
	Asset string
	Free  decimal.Decimal
	Total decimal.Decimal
}

// SymbolInfo carries exchange precision rules for a symbol.
type SymbolInfo struct {
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	TickSize      decimal.Decimal
	LotStep       decimal.Decimal
	MinNotional   decimal.Decimal
	PriceDecimals int
	QtyDecimals   int
}

// ExchangeTrade is an own-trade row reported by the exchange.
type ExchangeTrade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// ExchangeOrder is an open order row reported by the exchange.
type ExchangeOrder struct {
	ID        string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// FeatureSnapshot is what the engine pulls from the feature service per cycle.
type FeatureSnapshot struct {
	ATR        decimal.Decimal
	ATRPercent float64
	Regime     Regime
	VolBucket  VolatilityBucket
}

// SentimentSignal is the modulator output the engine consumes.
type SentimentSignal struct {
	Score              float64 // [0,100]
	SkipBuys           bool
	SkipSells          bool
	SizeMultiplier     float64 // [0.5, 1.5]
	DipBuyerMultiplier float64 // [0.25, 2.0]
	Recommendation     string
}
