// Package exchange implements the spot exchange gateway, live and paper.
// All call paths are rate limited and retried internally; callers never
// sleep themselves.
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"

	"github.com/adshao/go-binance/v2"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Options configures the live gateway.
type Options struct {
	APIKey     string
	SecretKey  string
	BaseURL    string // optional override, e.g. a testnet endpoint
	RateLimit  float64
	RateBurst  int
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// BinanceGateway is the live core.IExchange over the Binance spot API.
type BinanceGateway struct {
	client   *binance.Client
	limiter  *rate.Limiter
	executor failsafe.Executor[any]
	timeout  time.Duration
	logger   core.ILogger

	infoMu sync.RWMutex
	info   map[string]*core.SymbolInfo
}

// NewBinanceGateway builds the live gateway. Symbol metadata is fetched
// lazily and cached for the process lifetime.
func NewBinanceGateway(opts Options, logger core.ILogger) *BinanceGateway {
	client := binance.NewClient(opts.APIKey, opts.SecretKey)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}

	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = int(opts.RateLimit) * 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}

	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithBackoff(opts.Backoff, 5*time.Second).
		WithJitterFactor(0.2).
		WithMaxRetries(opts.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &BinanceGateway{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		executor: failsafe.With[any](retryPolicy, breaker),
		timeout:  opts.Timeout,
		logger:   logger.WithField("component", "exchange"),
		info:     make(map[string]*core.SymbolInfo),
	}
}

func (g *BinanceGateway) GetName() string { return "binance" }

// call runs fn behind the rate limiter and the retry/breaker pipeline,
// with the per-call timeout applied.
func (g *BinanceGateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.executor.RunWithExecution(func(exec failsafe.Execution[any]) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return classifyError(fn(callCtx))
	})
}

// FetchTicker returns the current bid/ask/last for a symbol.
func (g *BinanceGateway) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	var out *core.Ticker
	err := g.call(ctx, func(ctx context.Context) error {
		books, err := g.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		if len(books) == 0 {
			return fmt.Errorf("%w: no book ticker for %s", apperrors.ErrNotFound, symbol)
		}
		bid, err := decimal.NewFromString(books[0].BidPrice)
		if err != nil {
			return fmt.Errorf("bad bid price: %w", err)
		}
		ask, err := decimal.NewFromString(books[0].AskPrice)
		if err != nil {
			return fmt.Errorf("bad ask price: %w", err)
		}
		out = &core.Ticker{
			Symbol: symbol,
			Bid:    bid,
			Ask:    ask,
			Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		}
		return nil
	})
	return out, err
}

// FetchOHLCV returns candles in [start, end), oldest first.
func (g *BinanceGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]core.Candle, error) {
	var out []core.Candle
	err := g.call(ctx, func(ctx context.Context) error {
		svc := g.client.NewKlinesService().Symbol(symbol).Interval(timeframe)
		if !start.IsZero() {
			svc = svc.StartTime(start.UnixMilli())
		}
		if !end.IsZero() {
			svc = svc.EndTime(end.UnixMilli())
		}
		if limit > 0 {
			svc = svc.Limit(limit)
		}
		klines, err := svc.Do(ctx)
		if err != nil {
			return err
		}
		out = make([]core.Candle, 0, len(klines))
		for _, k := range klines {
			candle, err := klineToCandle(k)
			if err != nil {
				return err
			}
			out = append(out, candle)
		}
		return nil
	})
	return out, err
}

// GetSymbolInfo returns precision rules for a symbol, cached after the
// first fetch.
func (g *BinanceGateway) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	g.infoMu.RLock()
	if info, ok := g.info[symbol]; ok {
		g.infoMu.RUnlock()
		return info, nil
	}
	g.infoMu.RUnlock()

	var out *core.SymbolInfo
	err := g.call(ctx, func(ctx context.Context) error {
		resp, err := g.client.NewExchangeInfoService().Symbols(symbol).Do(ctx)
		if err != nil {
			return err
		}
		for i := range resp.Symbols {
			if resp.Symbols[i].Symbol != symbol {
				continue
			}
			info, err := symbolToInfo(&resp.Symbols[i])
			if err != nil {
				return err
			}
			out = info
			return nil
		}
		return fmt.Errorf("%w: symbol %s", apperrors.ErrNotFound, symbol)
	})
	if err != nil {
		return nil, err
	}

	g.infoMu.Lock()
	g.info[symbol] = out
	g.infoMu.Unlock()
	return out, nil
}

// FetchBalance returns all non-zero asset balances.
func (g *BinanceGateway) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	var out map[string]core.Balance
	err := g.call(ctx, func(ctx context.Context) error {
		account, err := g.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return err
		}
		out = make(map[string]core.Balance, len(account.Balances))
		for _, b := range account.Balances {
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				continue
			}
			locked, err := decimal.NewFromString(b.Locked)
			if err != nil {
				continue
			}
			total := free.Add(locked)
			if total.IsZero() {
				continue
			}
			out[b.Asset] = core.Balance{Asset: b.Asset, Free: free, Total: total}
		}
		return nil
	})
	return out, err
}

// PlaceLimitOrder places a GTC limit order and returns the exchange order id.
// Price and amount must already be rounded to the symbol's tick and lot.
func (g *BinanceGateway) PlaceLimitOrder(ctx context.Context, symbol string, side core.OrderSide, amount, price decimal.Decimal) (string, error) {
	binSide := binance.SideTypeBuy
	if side == core.SideSell {
		binSide = binance.SideTypeSell
	}

	var id string
	err := g.call(ctx, func(ctx context.Context) error {
		resp, err := g.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binSide).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(amount.String()).
			Price(price.String()).
			Do(ctx)
		if err != nil {
			return err
		}
		id = strconv.FormatInt(resp.OrderID, 10)
		return nil
	})
	if err != nil {
		return "", err
	}
	g.logger.Debug("order placed",
		"symbol", symbol, "side", string(side), "price", price.String(), "amount", amount.String(), "id", id)
	return id, nil
}

// CancelOrder cancels by exchange order id. Cancelling an already-gone
// order returns ErrNotFound; callers treat that as success.
func (g *BinanceGateway) CancelOrder(ctx context.Context, id, symbol string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &apperrors.Validation{Field: "order_id", Message: "not a numeric exchange id"}
	}
	return g.call(ctx, func(ctx context.Context) error {
		_, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		return err
	})
}

// FetchOpenOrders lists resting orders for a symbol.
func (g *BinanceGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	var out []core.ExchangeOrder
	err := g.call(ctx, func(ctx context.Context) error {
		orders, err := g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		out = make([]core.ExchangeOrder, 0, len(orders))
		for _, o := range orders {
			price, err := decimal.NewFromString(o.Price)
			if err != nil {
				return fmt.Errorf("bad order price: %w", err)
			}
			amount, err := decimal.NewFromString(o.OrigQuantity)
			if err != nil {
				return fmt.Errorf("bad order quantity: %w", err)
			}
			out = append(out, core.ExchangeOrder{
				ID:        strconv.FormatInt(o.OrderID, 10),
				Symbol:    o.Symbol,
				Side:      sideFromBinance(o.Side),
				Price:     price,
				Amount:    amount,
				CreatedAt: time.UnixMilli(o.Time).UTC(),
			})
		}
		return nil
	})
	return out, err
}

// FetchMyTrades lists own fills since a timestamp, oldest first.
func (g *BinanceGateway) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]core.ExchangeTrade, error) {
	var out []core.ExchangeTrade
	err := g.call(ctx, func(ctx context.Context) error {
		svc := g.client.NewListTradesService().Symbol(symbol)
		if !since.IsZero() {
			svc = svc.StartTime(since.UnixMilli())
		}
		if limit > 0 {
			svc = svc.Limit(limit)
		}
		trades, err := svc.Do(ctx)
		if err != nil {
			return err
		}
		out = make([]core.ExchangeTrade, 0, len(trades))
		for _, t := range trades {
			price, err := decimal.NewFromString(t.Price)
			if err != nil {
				return fmt.Errorf("bad trade price: %w", err)
			}
			qty, err := decimal.NewFromString(t.Quantity)
			if err != nil {
				return fmt.Errorf("bad trade quantity: %w", err)
			}
			fee, err := decimal.NewFromString(t.Commission)
			if err != nil {
				fee = decimal.Zero
			}
			side := core.SideSell
			if t.IsBuyer {
				side = core.SideBuy
			}
			out = append(out, core.ExchangeTrade{
				ID:        strconv.FormatInt(t.ID, 10),
				OrderID:   strconv.FormatInt(t.OrderID, 10),
				Symbol:    symbol,
				Side:      side,
				Price:     price,
				Amount:    qty,
				Fee:       fee,
				Timestamp: time.UnixMilli(t.Time).UTC(),
			})
		}
		return nil
	})
	return out, err
}

func sideFromBinance(s binance.SideType) core.OrderSide {
	if s == binance.SideTypeBuy {
		return core.SideBuy
	}
	return core.SideSell
}

func klineToCandle(k *binance.Kline) (core.Candle, error) {
	var c core.Candle
	var err error
	if c.Open, err = decimal.NewFromString(k.Open); err != nil {
		return c, fmt.Errorf("bad kline open: %w", err)
	}
	if c.High, err = decimal.NewFromString(k.High); err != nil {
		return c, fmt.Errorf("bad kline high: %w", err)
	}
	if c.Low, err = decimal.NewFromString(k.Low); err != nil {
		return c, fmt.Errorf("bad kline low: %w", err)
	}
	if c.Close, err = decimal.NewFromString(k.Close); err != nil {
		return c, fmt.Errorf("bad kline close: %w", err)
	}
	if c.Volume, err = decimal.NewFromString(k.Volume); err != nil {
		return c, fmt.Errorf("bad kline volume: %w", err)
	}
	c.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	c.CloseTime = time.UnixMilli(k.CloseTime).UTC()
	return c, nil
}

func symbolToInfo(s *binance.Symbol) (*core.SymbolInfo, error) {
	info := &core.SymbolInfo{
		Symbol:        s.Symbol,
		BaseAsset:     s.BaseAsset,
		QuoteAsset:    s.QuoteAsset,
		PriceDecimals: s.QuotePrecision,
		QtyDecimals:   s.BaseAssetPrecision,
		TickSize:      decimal.New(1, -8),
		LotStep:       decimal.New(1, -8),
		MinNotional:   decimal.Zero,
	}
	if f := s.PriceFilter(); f != nil {
		tick, err := decimal.NewFromString(f.TickSize)
		if err != nil {
			return nil, fmt.Errorf("bad tick size: %w", err)
		}
		info.TickSize = tick
		info.PriceDecimals = int(-tick.Exponent())
	}
	if f := s.LotSizeFilter(); f != nil {
		step, err := decimal.NewFromString(f.StepSize)
		if err != nil {
			return nil, fmt.Errorf("bad lot step: %w", err)
		}
		info.LotStep = step
		info.QtyDecimals = int(-step.Exponent())
	}
	if f := s.NotionalFilter(); f != nil {
		if mn, err := decimal.NewFromString(f.MinNotional); err == nil {
			info.MinNotional = mn
		}
	}
	return info, nil
}
