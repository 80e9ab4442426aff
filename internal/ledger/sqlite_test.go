package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/logging"

	"github.com/google/uuid"
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

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "test.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testBotConfig(name string) BotConfig {
	return BotConfig{
		Name:       name,
		Symbol:     "BTCUSDT",
		LowerPrice: d("90000"),
		UpperPrice: d("100000"),
		GridCount:  10,
		OrderSize:  d("100"),
	}
}

func gridOrder(botName string, side core.OrderSide, price string, level int) *core.Order {
	return &core.Order{
		ID:         uuid.NewString(),
		BotName:    botName,
		Symbol:     "BTCUSDT",
		Side:       side,
		Price:      d(price),
		Amount:     d("0.001"),
		SizeQuote:  d("100"),
		LevelIndex: level,
		Weight:     decimal.NewFromInt(1),
	}
}

func TestCreateBot_Lifecycle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	bot, err := l.CreateBot(ctx, testBotConfig("alpha"))
	require.NoError(t, err)
	assert.Equal(t, core.BotStopped, bot.Status)
	assert.Equal(t, 10, bot.AdjustedGridCount)

	got, err := l.GetBot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, bot.ID, got.ID)
	assert.True(t, got.LowerPrice.Equal(d("90000")))

	_, err = l.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)
}

func TestCreateBot_DuplicateName(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateBot(ctx, testBotConfig("alpha"))
	require.NoError(t, err)
	_, err = l.CreateBot(ctx, testBotConfig("alpha"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateName)
}

func TestCreateBot_Validation(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	cfg := testBotConfig("bad")
	cfg.UpperPrice = cfg.LowerPrice
	_, err := l.CreateBot(ctx, cfg)
	var verr *apperrors.Validation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "upper", verr.Field)

	cfg = testBotConfig("bad")
	cfg.GridCount = 1
	_, err = l.CreateBot(ctx, cfg)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "grids", verr.Field)
}

func TestListBots_OrderedByName(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := l.CreateBot(ctx, testBotConfig(name))
		require.NoError(t, err)
	}

	bots, err := l.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 3)
	assert.Equal(t, "alpha", bots[0].Name)
	assert.Equal(t, "charlie", bots[2].Name)
}

func TestUpdateBot_Patch(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateBot(ctx, testBotConfig("alpha"))
	require.NoError(t, err)

	running := core.BotRunning
	lower := d("85000")
	grids := 7
	require.NoError(t, l.UpdateBot(ctx, "alpha", BotPatch{
		Status:            &running,
		LowerPrice:        &lower,
		AdjustedGridCount: &grids,
		IncRebalanceCount: true,
	}))

	bot, err := l.GetBot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, core.BotRunning, bot.Status)
	assert.True(t, bot.LowerPrice.Equal(d("85000")))
	assert.Equal(t, 7, bot.AdjustedGridCount)
	assert.Equal(t, 1, bot.RebalanceCount)
	// Untouched fields survive the patch.
	assert.True(t, bot.UpperPrice.Equal(d("100000")))

	assert.ErrorIs(t, l.UpdateBot(ctx, "missing", BotPatch{Status: &running}),
		apperrors.ErrBotNotFound)
}

func TestDeleteBot_Cascades(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateBot(ctx, testBotConfig("alpha"))
	require.NoError(t, err)

	o := gridOrder("alpha", core.SideBuy, "94000", 4)
	require.NoError(t, l.InsertOrders(ctx, []*core.Order{o}))
	_, err = l.FillOrder(ctx, o.ID, d("94000"), d("0.094"))
	require.NoError(t, err)

	require.NoError(t, l.DeleteBot(ctx, "alpha"))

	_, err = l.GetBot(ctx, "alpha")
	assert.ErrorIs(t, err, apperrors.ErrBotNotFound)
	_, err = l.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	trades, err := l.ListTrades(ctx, "alpha", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, trades)

	assert.ErrorIs(t, l.DeleteBot(ctx, "alpha"), apperrors.ErrBotNotFound)
}

func TestOrderLifecycle_FillAndCancel(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	buy := gridOrder("alpha", core.SideBuy, "94000", 4)
	sell := gridOrder("alpha", core.SideSell, "96000", 6)
	require.NoError(t, l.InsertOrders(ctx, []*core.Order{buy, sell}))

	open, err := l.ListOpenOrders(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, open, 2)
	// Ordered by level index.
	assert.Equal(t, buy.ID, open[0].ID)

	trade, err := l.FillOrder(ctx, buy.ID, d("93990"), d("0.094"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", trade.BotName)
	assert.True(t, trade.Price.Equal(d("93990")))
	assert.True(t, trade.Value.Equal(d("93.99")))
	assert.Equal(t, core.TradeSourceFill, trade.Source)

	// Filling twice fails; the order is no longer open.
	_, err = l.FillOrder(ctx, buy.ID, d("93990"), decimal.Zero)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotOpen)

	require.NoError(t, l.CancelOrder(ctx, sell.ID, "rebalance"))
	// Cancel is idempotent.
	require.NoError(t, l.CancelOrder(ctx, sell.ID, "rebalance"))
	// Cancelling a filled order is an error.
	assert.ErrorIs(t, l.CancelOrder(ctx, buy.ID, "x"), apperrors.ErrOrderNotOpen)
	// Unknown order id.
	assert.ErrorIs(t, l.CancelOrder(ctx, "nope", "x"), apperrors.ErrNotFound)

	got, err := l.GetOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, got.Status)
	assert.Equal(t, "rebalance", got.CancelReason)

	open, err = l.ListOpenOrders(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestInsertOrders_UpsertById(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	o := gridOrder("alpha", core.SideBuy, "94000", 4)
	require.NoError(t, l.InsertOrders(ctx, []*core.Order{o}))

	o.Price = d("94500")
	o.LevelIndex = 5
	require.NoError(t, l.InsertOrders(ctx, []*core.Order{o}))

	got, err := l.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(d("94500")))
	assert.Equal(t, 5, got.LevelIndex)

	open, err := l.ListOpenOrders(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestListFilledSince(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	a := gridOrder("alpha", core.SideBuy, "94000", 4)
	b := gridOrder("alpha", core.SideBuy, "93000", 3)
	require.NoError(t, l.InsertOrders(ctx, []*core.Order{a, b}))

	before := time.Now().UTC().Add(-time.Minute)
	_, err := l.FillOrder(ctx, a.ID, d("94000"), decimal.Zero)
	require.NoError(t, err)

	filled, err := l.ListFilledSince(ctx, "alpha", before)
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, a.ID, filled[0].ID)

	filled, err = l.ListFilledSince(ctx, "alpha", time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, filled)
}

func TestFillOrderAs_Source(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	o := gridOrder("alpha", core.SideBuy, "94000", 4)
	require.NoError(t, l.InsertOrders(ctx, []*core.Order{o}))

	trade, err := l.FillOrderAs(ctx, o.ID, d("94000"), decimal.Zero, core.TradeSourceImported)
	require.NoError(t, err)
	assert.Equal(t, core.TradeSourceImported, trade.Source)

	trades, err := l.ListTrades(ctx, "alpha", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.TradeSourceImported, trades[0].Source)
}

func TestRecomputeMetrics(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	fill := func(side core.OrderSide, price string, level int) *core.Trade {
		o := gridOrder("alpha", side, price, level)
		require.NoError(t, l.InsertOrders(ctx, []*core.Order{o}))
		trade, err := l.FillOrder(ctx, o.ID, d(price), d("0.1"))
		require.NoError(t, err)
		return trade
	}

	fill(core.SideBuy, "94000", 4)
	win := fill(core.SideSell, "95000", 5)
	require.NoError(t, l.SetTradeProfit(ctx, win.ID, d("1.0")))

	fill(core.SideBuy, "96000", 6)
	loss := fill(core.SideSell, "95500", 5)
	require.NoError(t, l.SetTradeProfit(ctx, loss.ID, d("-0.5")))

	fill(core.SideBuy, "93000", 3) // still open

	m, err := l.RecomputeMetrics(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 5, m.TotalTrades)
	assert.Equal(t, 1, m.OpenTrades)
	assert.Equal(t, 1, m.WinCount)
	assert.Equal(t, 1, m.LossCount)
	assert.InDelta(t, 0.5, m.WinRate, 0.001)
	assert.True(t, m.AvgWin.Equal(d("1.0")))
	assert.True(t, m.AvgLoss.Equal(d("0.5")))
	assert.InDelta(t, 2.0, m.ProfitFactor, 0.001)
	assert.True(t, m.TotalPnl.Equal(d("0.5")))
	assert.True(t, m.TotalFees.Equal(d("0.5")))

	// The stored row round-trips.
	got, err := l.GetMetrics(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, m.TotalTrades, got.TotalTrades)
	assert.True(t, got.TotalPnl.Equal(m.TotalPnl))
}

func TestGetMetrics_ZeroRowWhenAbsent(t *testing.T) {
	l := openTestLedger(t)
	m, err := l.GetMetrics(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", m.BotName)
	assert.Equal(t, 0, m.TotalTrades)
}

func TestSnapshot_CopiesDatabase(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateBot(ctx, testBotConfig("alpha"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, l.Snapshot(dst))

	restored, err := Open(dst, logging.Nop())
	require.NoError(t, err)
	defer restored.Close()

	bot, err := restored.GetBot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", bot.Symbol)
}
