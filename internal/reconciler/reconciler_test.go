package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/ledger"
	"gridtrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type harness struct {
	led   *ledger.Ledger
	paper *exchange.PaperGateway
	rec   *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	led, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	paper := exchange.NewPaperGateway(map[string]decimal.Decimal{
		"USDT": d("100000"), "BTC": d("1"),
	}, d("0.001"), nil, logging.Nop())
	paper.SetSymbolInfo(&core.SymbolInfo{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		TickSize:    d("0.01"),
		LotStep:     d("0.00001"),
		MinNotional: d("1"),
	})

	_, err = led.CreateBot(context.Background(), ledger.BotConfig{
		Name:       "alpha",
		Symbol:     "BTCUSDT",
		LowerPrice: d("90000"),
		UpperPrice: d("100000"),
		GridCount:  10,
		OrderSize:  d("100"),
	})
	require.NoError(t, err)

	return &harness{
		led:   led,
		paper: paper,
		rec:   New(led, paper, time.Hour, logging.Nop()),
	}
}

// place books the same order on the exchange and in the ledger, the way
// the engine does.
func (h *harness) place(t *testing.T, side core.OrderSide, price string, level int) string {
	t.Helper()
	ctx := context.Background()

	id, err := h.paper.PlaceLimitOrder(ctx, "BTCUSDT", side, d("0.001"), d(price))
	require.NoError(t, err)
	require.NoError(t, h.led.InsertOrders(ctx, []*core.Order{{
		ID:         id,
		BotName:    "alpha",
		Symbol:     "BTCUSDT",
		Side:       side,
		Price:      d(price),
		Amount:     d("0.001"),
		SizeQuote:  d(price).Mul(d("0.001")),
		LevelIndex: level,
		Weight:     decimal.NewFromInt(1),
	}}))
	return id
}

func candle(low, high, close string) core.Candle {
	return core.Candle{
		Open:      d(close),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		CloseTime: time.Now().UTC(),
	}
}

func TestReconcile_NoChangesIsNoop(t *testing.T) {
	h := newHarness(t)
	h.place(t, core.SideBuy, "94000", 4)

	report, err := h.rec.Reconcile(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, report.FillsResolved)
	assert.Equal(t, 0, report.OrdersDropped)
	assert.Equal(t, 0, report.OrdersImported)
}

func TestReconcile_ResolvesFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.place(t, core.SideBuy, "94000", 4)

	fills := h.paper.ProcessCandle("BTCUSDT", candle("93500", "94500", "93800"))
	require.Len(t, fills, 1)

	report, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FillsResolved)

	o, err := h.led.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, o.Status)

	trades, err := h.led.ListTrades(ctx, "alpha", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.TradeSourceFill, trades[0].Source)
	assert.True(t, trades[0].Fee.GreaterThan(decimal.Zero))
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.place(t, core.SideBuy, "94000", 4)

	h.paper.ProcessCandle("BTCUSDT", candle("93500", "94500", "93800"))

	report, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FillsResolved)

	report, err = h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, report.FillsResolved)

	trades, err := h.led.ListTrades(ctx, "alpha", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestReconcile_DropsMissingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.place(t, core.SideBuy, "94000", 4)

	// Cancelled out-of-band on the exchange, no trade reported.
	require.NoError(t, h.paper.CancelOrder(ctx, id, "BTCUSDT"))

	report, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersDropped)

	o, err := h.led.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, o.Status)
	assert.Equal(t, core.CancelReasonMissing, o.CancelReason)
}

func TestReconcile_ImportsUnknownOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Placed manually on the exchange, never seen by the ledger.
	id, err := h.paper.PlaceLimitOrder(ctx, "BTCUSDT", core.SideSell, d("0.002"), d("97000"))
	require.NoError(t, err)

	report, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersImported)

	o, err := h.led.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, o.Status)
	assert.Equal(t, core.OrderSourceImported, o.Source)
	assert.Equal(t, -1, o.LevelIndex)
	assert.True(t, o.SizeQuote.Equal(d("194")))
}

func TestReconcile_RecordsRoundTripProfit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.place(t, core.SideBuy, "94000", 4)
	h.paper.ProcessCandle("BTCUSDT", candle("93500", "94500", "93800"))
	_, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)

	// The replacement sell one level up fills later.
	h.place(t, core.SideSell, "95000", 5)
	h.paper.ProcessCandle("BTCUSDT", candle("94600", "95500", "95200"))

	report, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FillsResolved)

	trades, err := h.led.ListTrades(ctx, "alpha", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	sell := trades[1]
	require.Equal(t, core.SideSell, sell.Side)
	// Gross 1.0 minus both fees: 0.094 on entry, 0.095 on exit.
	assert.True(t, sell.Profit.Equal(d("0.811")), "profit %s", sell.Profit)
}

func TestReconcile_CheckpointBoundsTradeScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.rec.SetClock(func() time.Time { return clock })
	h.paper.SetClock(func() time.Time { return clock })

	// A trade older than the lookback window is invisible to the first pass.
	id, err := h.paper.PlaceLimitOrder(ctx, "BTCUSDT", core.SideBuy, d("0.001"), d("94000"))
	require.NoError(t, err)
	require.NoError(t, h.led.InsertOrders(ctx, []*core.Order{{
		ID: id, BotName: "alpha", Symbol: "BTCUSDT", Side: core.SideBuy,
		Price: d("94000"), Amount: d("0.001"), SizeQuote: d("94"),
		LevelIndex: 4, Weight: decimal.NewFromInt(1),
	}}))
	old := core.Candle{
		Open: d("94000"), High: d("94500"), Low: d("93500"), Close: d("93800"),
		CloseTime: clock.Add(-2 * time.Hour),
	}
	h.paper.ProcessCandle("BTCUSDT", old)

	report, err := h.rec.Reconcile(ctx, "alpha")
	require.NoError(t, err)
	// Gone from the exchange but outside the scan window: dropped, not filled.
	assert.Equal(t, 0, report.FillsResolved)
	assert.Equal(t, 1, report.OrdersDropped)
}

func TestMatchEntry_ClosestBelow(t *testing.T) {
	buyLow := &core.Trade{ID: 1, Side: core.SideBuy, Price: d("93000")}
	buyHigh := &core.Trade{ID: 2, Side: core.SideBuy, Price: d("94000")}
	sell := &core.Trade{ID: 3, Side: core.SideSell, Price: d("95000")}

	entry := matchEntry([]*core.Trade{buyLow, buyHigh, sell}, sell)
	require.NotNil(t, entry)
	assert.Equal(t, int64(2), entry.ID)
}

func TestMatchEntry_ConsumedBuysSkipped(t *testing.T) {
	trades := []*core.Trade{
		{ID: 1, Side: core.SideBuy, Price: d("94000")},
		{ID: 2, Side: core.SideSell, Price: d("95000")}, // consumed the 94000 buy
		{ID: 3, Side: core.SideBuy, Price: d("93000")},
		{ID: 4, Side: core.SideSell, Price: d("94000")},
	}
	entry := matchEntry(trades, trades[3])
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.ID)
}

func TestMatchEntry_LossPairsWithNearestAbove(t *testing.T) {
	trades := []*core.Trade{
		{ID: 1, Side: core.SideBuy, Price: d("96000")},
		{ID: 2, Side: core.SideBuy, Price: d("98000")},
		{ID: 3, Side: core.SideSell, Price: d("95000")},
	}
	entry := matchEntry(trades, trades[2])
	require.NotNil(t, entry)
	assert.Equal(t, int64(1), entry.ID)
}

func TestMatchEntry_NoBuys(t *testing.T) {
	sell := &core.Trade{ID: 1, Side: core.SideSell, Price: d("95000")}
	assert.Nil(t, matchEntry([]*core.Trade{sell}, sell))
}
