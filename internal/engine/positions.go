package engine

import (
	"sync"
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// Position is an open long: a filled buy not yet paired with a closing
// sell. TradeID is the buy trade that opened it.
type Position struct {
	TradeID    int64
	EntryPrice decimal.Decimal
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	OpenedAt   time.Time
}

// openPositions pairs buys with later sells FIFO and returns the
// unmatched buys, oldest first. Trades must be in time order.
func openPositions(trades []*core.Trade) []Position {
	var queue []Position
	for _, t := range trades {
		switch t.Side {
		case core.SideBuy:
			queue = append(queue, Position{
				TradeID:    t.ID,
				EntryPrice: t.Price,
				Amount:     t.Amount,
				Fee:        t.Fee,
				OpenedAt:   t.Timestamp,
			})
		case core.SideSell:
			if len(queue) > 0 {
				queue = queue[1:]
			}
		}
	}
	return queue
}

// trailingBook holds the per-position trailing-stop high-water marks.
// Kept in memory keyed by the opening trade id; a restart resets the
// ratchet, which then rebuilds from the next profitable cycle.
type trailingBook struct {
	mu    sync.Mutex
	stops map[string]map[int64]decimal.Decimal // bot -> trade id -> stop price
}

func newTrailingBook() *trailingBook {
	return &trailingBook{stops: make(map[string]map[int64]decimal.Decimal)}
}

// Ratchet raises the stop for a position to candidate if higher, and
// returns the effective stop. Stops only move up.
func (b *trailingBook) Ratchet(bot string, tradeID int64, candidate decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()

	byTrade, ok := b.stops[bot]
	if !ok {
		byTrade = make(map[int64]decimal.Decimal)
		b.stops[bot] = byTrade
	}
	if cur, ok := byTrade[tradeID]; ok && cur.GreaterThanOrEqual(candidate) {
		return cur
	}
	byTrade[tradeID] = candidate
	return candidate
}

// Stop returns the current stop for a position, if any.
func (b *trailingBook) Stop(bot string, tradeID int64) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stops[bot][tradeID]
	return s, ok
}

// Forget drops all trailing state for a bot.
func (b *trailingBook) Forget(bot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stops, bot)
}
