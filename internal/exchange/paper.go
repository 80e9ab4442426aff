package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperGateway simulates the account and order book in memory while
// optionally delegating market data to a real gateway. Fills are
// deterministic: a candle whose low crosses a buy (or high crosses a
// sell) fills it at the limit price.
type PaperGateway struct {
	marketData core.IExchange // nil in backtests; candles are pushed instead
	feeRate    decimal.Decimal
	slippage   decimal.Decimal
	logger     core.ILogger

	mu       sync.Mutex
	balances map[string]core.Balance
	orders   map[string]*paperOrder
	trades   []core.ExchangeTrade
	tickers  map[string]core.Ticker
	info     map[string]*core.SymbolInfo
	now      func() time.Time
}

type paperOrder struct {
	core.ExchangeOrder
	reservedAsset  string
	reservedAmount decimal.Decimal
}

// NewPaperGateway builds a simulator seeded with initial free balances.
// marketData may be nil when prices are pushed via SetTicker/ProcessCandle.
func NewPaperGateway(initial map[string]decimal.Decimal, feeRate decimal.Decimal, marketData core.IExchange, logger core.ILogger) *PaperGateway {
	balances := make(map[string]core.Balance, len(initial))
	for asset, amt := range initial {
		balances[asset] = core.Balance{Asset: asset, Free: amt, Total: amt}
	}
	return &PaperGateway{
		marketData: marketData,
		feeRate:    feeRate,
		logger:     logger.WithField("component", "paper_exchange"),
		balances:   balances,
		orders:     make(map[string]*paperOrder),
		tickers:    make(map[string]core.Ticker),
		info:       make(map[string]*core.SymbolInfo),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetSlippage makes fills execute worse than the limit by the given
// fraction: buys above, sells below.
func (p *PaperGateway) SetSlippage(s decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slippage = s
}

// SetClock overrides the time source. Backtests drive it from candle time.
func (p *PaperGateway) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *PaperGateway) GetName() string { return "paper" }

// SetSymbolInfo registers precision rules for a symbol, overriding any
// delegate lookup.
func (p *PaperGateway) SetSymbolInfo(info *core.SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info[info.Symbol] = info
}

// SetTicker pushes the current quote for a symbol.
func (p *PaperGateway) SetTicker(t core.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers[t.Symbol] = t
}

// MarkPrice moves the market to a streamed quote and fills every resting
// order the move from the previous quote crossed, as a candle spanning
// the two prices would. The foreground monitor feeds it from the ticker
// stream so paper fills track the live market between cycles.
func (p *PaperGateway) MarkPrice(t core.Ticker) []core.ExchangeTrade {
	p.mu.Lock()
	prev, ok := p.tickers[t.Symbol]
	p.mu.Unlock()

	from := t.Last
	if ok && !prev.Last.IsZero() {
		from = prev.Last
	}
	low, high := from, t.Last
	if low.GreaterThan(high) {
		low, high = high, low
	}

	fills := p.ProcessCandle(t.Symbol, core.Candle{
		Open:  from,
		High:  high,
		Low:   low,
		Close: t.Last,
	})
	p.SetTicker(t)
	return fills
}

// ProcessCandle fills every resting order the candle's range crosses and
// updates the symbol's ticker to the candle close. Fill order is by price:
// sells ascending, buys descending, matching how a sweep through the
// candle's range would hit them.
func (p *PaperGateway) ProcessCandle(symbol string, candle core.Candle) []core.ExchangeTrade {
	p.mu.Lock()
	defer p.mu.Unlock()

	var hit []*paperOrder
	for _, o := range p.orders {
		if o.Symbol != symbol {
			continue
		}
		if o.Side == core.SideBuy && candle.Low.LessThanOrEqual(o.Price) {
			hit = append(hit, o)
		}
		if o.Side == core.SideSell && candle.High.GreaterThanOrEqual(o.Price) {
			hit = append(hit, o)
		}
	}
	sort.Slice(hit, func(i, j int) bool {
		if hit[i].Side != hit[j].Side {
			return hit[i].Side == core.SideSell
		}
		if hit[i].Side == core.SideSell {
			return hit[i].Price.LessThan(hit[j].Price)
		}
		return hit[i].Price.GreaterThan(hit[j].Price)
	})

	fills := make([]core.ExchangeTrade, 0, len(hit))
	for _, o := range hit {
		fills = append(fills, p.fillLocked(o, candle.CloseTime))
	}

	p.tickers[symbol] = core.Ticker{Symbol: symbol, Bid: candle.Close, Ask: candle.Close, Last: candle.Close}
	return fills
}

// fillLocked settles one order at its limit price adjusted for slippage.
// Caller holds p.mu.
func (p *PaperGateway) fillLocked(o *paperOrder, at time.Time) core.ExchangeTrade {
	info := p.info[o.Symbol]

	fillPrice := o.Price
	if !p.slippage.IsZero() {
		one := decimal.NewFromInt(1)
		if o.Side == core.SideBuy {
			fillPrice = o.Price.Mul(one.Add(p.slippage))
		} else {
			fillPrice = o.Price.Mul(one.Sub(p.slippage))
		}
	}
	value := fillPrice.Mul(o.Amount)
	fee := value.Mul(p.feeRate)

	if info != nil {
		if o.Side == core.SideBuy {
			// Base arrives; the quote reservation settles against the actual
			// cost, returning any surplus to free.
			cost := value.Add(fee)
			p.credit(info.BaseAsset, o.Amount)
			p.debitTotal(info.QuoteAsset, cost)
			refund := o.reservedAmount.Sub(cost)
			b := p.balances[info.QuoteAsset]
			b.Free = b.Free.Add(refund)
			p.balances[info.QuoteAsset] = b
		} else {
			p.credit(info.QuoteAsset, value.Sub(fee))
			p.debitTotal(info.BaseAsset, o.reservedAmount)
		}
	}
	delete(p.orders, o.ID)

	if at.IsZero() {
		at = p.now()
	}
	trade := core.ExchangeTrade{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     fillPrice,
		Amount:    o.Amount,
		Fee:       fee,
		Timestamp: at,
	}
	p.trades = append(p.trades, trade)
	return trade
}

func (p *PaperGateway) credit(asset string, amt decimal.Decimal) {
	b := p.balances[asset]
	b.Asset = asset
	b.Free = b.Free.Add(amt)
	b.Total = b.Total.Add(amt)
	p.balances[asset] = b
}

// debitTotal removes an already-reserved amount from the total.
func (p *PaperGateway) debitTotal(asset string, amt decimal.Decimal) {
	b := p.balances[asset]
	b.Total = b.Total.Sub(amt)
	p.balances[asset] = b
}

func (p *PaperGateway) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	p.mu.Lock()
	t, ok := p.tickers[symbol]
	p.mu.Unlock()
	if ok {
		out := t
		return &out, nil
	}
	if p.marketData != nil {
		t, err := p.marketData.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
		p.SetTicker(*t)
		return t, nil
	}
	return nil, fmt.Errorf("%w: no ticker for %s", apperrors.ErrNotFound, symbol)
}

func (p *PaperGateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]core.Candle, error) {
	if p.marketData != nil {
		return p.marketData.FetchOHLCV(ctx, symbol, timeframe, start, end, limit)
	}
	return nil, nil
}

func (p *PaperGateway) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	p.mu.Lock()
	info, ok := p.info[symbol]
	p.mu.Unlock()
	if ok {
		return info, nil
	}
	if p.marketData != nil {
		info, err := p.marketData.GetSymbolInfo(ctx, symbol)
		if err != nil {
			return nil, err
		}
		p.SetSymbolInfo(info)
		return info, nil
	}
	return nil, fmt.Errorf("%w: symbol %s", apperrors.ErrNotFound, symbol)
}

func (p *PaperGateway) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]core.Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

// PlaceLimitOrder reserves funds and books the order. Buy orders reserve
// quote (price * amount), sells reserve base.
func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, symbol string, side core.OrderSide, amount, price decimal.Decimal) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return "", &apperrors.Validation{Field: "order", Message: "amount and price must be positive"}
	}

	info, err := p.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var reservedAsset string
	var reserved decimal.Decimal
	if side == core.SideBuy {
		// Reserve the order value plus the fee it will incur on fill.
		reservedAsset = info.QuoteAsset
		reserved = price.Mul(amount).Mul(decimal.NewFromInt(1).Add(p.feeRate))
	} else {
		reservedAsset = info.BaseAsset
		reserved = amount
	}

	b := p.balances[reservedAsset]
	if b.Free.LessThan(reserved) {
		return "", fmt.Errorf("%w: need %s %s, have %s",
			apperrors.ErrInsufficientFunds, reserved.String(), reservedAsset, b.Free.String())
	}
	b.Free = b.Free.Sub(reserved)
	p.balances[reservedAsset] = b

	id := uuid.NewString()
	p.orders[id] = &paperOrder{
		ExchangeOrder: core.ExchangeOrder{
			ID:        id,
			Symbol:    symbol,
			Side:      side,
			Price:     price,
			Amount:    amount,
			CreatedAt: p.now(),
		},
		reservedAsset:  reservedAsset,
		reservedAmount: reserved,
	}
	return id, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, id, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	b := p.balances[o.reservedAsset]
	b.Free = b.Free.Add(o.reservedAmount)
	p.balances[o.reservedAsset] = b
	delete(p.orders, id)
	return nil
}

func (p *PaperGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]core.ExchangeOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o.ExchangeOrder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaperGateway) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]core.ExchangeTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]core.ExchangeTrade, 0, len(p.trades))
	for _, t := range p.trades {
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		if !since.IsZero() && t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
