// Package ledger is the authoritative local store of bots, orders and trades.
//
// All writes go through a single writer guarded by a mutex and are applied
// in transactions; readers may observe any committed snapshot.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL UNIQUE,
	symbol          TEXT NOT NULL,
	lower_price     TEXT NOT NULL,
	upper_price     TEXT NOT NULL,
	grid_count      INTEGER NOT NULL,
	adjusted_grids  INTEGER NOT NULL DEFAULT 0,
	order_size      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'stopped',
	stop_reason     TEXT NOT NULL DEFAULT '',
	rebalance_count INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	bot_name      TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	price         TEXT NOT NULL,
	amount        TEXT NOT NULL,
	size_quote    TEXT NOT NULL,
	level_index   INTEGER NOT NULL,
	weight        TEXT NOT NULL DEFAULT '1',
	status        TEXT NOT NULL DEFAULT 'open',
	created_at    INTEGER NOT NULL,
	filled_at     INTEGER,
	filled_price  TEXT,
	cancelled_at  INTEGER,
	cancel_reason TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL DEFAULT 'grid'
);
CREATE INDEX IF NOT EXISTS idx_orders_bot_status ON orders(bot_name, status);
CREATE TABLE IF NOT EXISTS trades (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_name  TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL,
	price     TEXT NOT NULL,
	amount    TEXT NOT NULL,
	value     TEXT NOT NULL,
	fee       TEXT NOT NULL DEFAULT '0',
	profit    TEXT,
	order_id  TEXT NOT NULL DEFAULT '',
	source    TEXT NOT NULL DEFAULT 'fill',
	ts        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_bot_ts ON trades(bot_name, ts);
CREATE TABLE IF NOT EXISTS metrics (
	bot_name      TEXT PRIMARY KEY,
	total_trades  INTEGER NOT NULL DEFAULT 0,
	open_trades   INTEGER NOT NULL DEFAULT 0,
	win_count     INTEGER NOT NULL DEFAULT 0,
	loss_count    INTEGER NOT NULL DEFAULT 0,
	win_rate      REAL NOT NULL DEFAULT 0,
	avg_win       TEXT NOT NULL DEFAULT '0',
	avg_loss      TEXT NOT NULL DEFAULT '0',
	profit_factor REAL NOT NULL DEFAULT 0,
	sharpe        REAL NOT NULL DEFAULT 0,
	max_drawdown  REAL NOT NULL DEFAULT 0,
	total_pnl     TEXT NOT NULL DEFAULT '0',
	total_fees    TEXT NOT NULL DEFAULT '0',
	updated_at    INTEGER NOT NULL
);
`

// Ledger wraps the SQLite database with a single-writer guarantee.
type Ledger struct {
	db     *sql.DB
	path   string
	logger core.ILogger

	// Serializes all write transactions.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, logger core.ILogger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Ledger{
		db:     db,
		path:   path,
		logger: logger.WithField("component", "ledger"),
	}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Snapshot copies the database file to dst after a WAL checkpoint. Used as
// the last-known-good backup restored on corruption.
func (l *Ledger) Snapshot(dst string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open database file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to copy snapshot: %w", err)
	}
	return nil
}

// BotConfig is the input for CreateBot.
type BotConfig struct {
	Name       string
	Symbol     string
	LowerPrice decimal.Decimal
	UpperPrice decimal.Decimal
	GridCount  int
	OrderSize  decimal.Decimal
}

// Validate checks the bot invariants: 0 < lower < upper, gridCount >= 2,
// orderSize > 0.
func (c *BotConfig) Validate() error {
	if c.Name == "" {
		return &apperrors.Validation{Field: "name", Message: "name is required"}
	}
	if c.Symbol == "" {
		return &apperrors.Validation{Field: "symbol", Message: "symbol is required"}
	}
	if c.LowerPrice.LessThanOrEqual(decimal.Zero) {
		return &apperrors.Validation{Field: "lower", Message: "lower price must be positive"}
	}
	if c.UpperPrice.LessThanOrEqual(c.LowerPrice) {
		return &apperrors.Validation{Field: "upper", Message: "upper price must exceed lower price"}
	}
	if c.GridCount < 2 {
		return &apperrors.Validation{Field: "grids", Message: "grid count must be at least 2"}
	}
	if c.OrderSize.LessThanOrEqual(decimal.Zero) {
		return &apperrors.Validation{Field: "size", Message: "order size must be positive"}
	}
	return nil
}

// CreateBot validates and inserts a new stopped bot. Fails with
// ErrDuplicateName if the name exists.
func (l *Ledger) CreateBot(ctx context.Context, cfg BotConfig) (*core.Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO bots (name, symbol, lower_price, upper_price, grid_count, adjusted_grids, order_size, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'stopped', ?, ?)`,
		cfg.Name, cfg.Symbol, cfg.LowerPrice.String(), cfg.UpperPrice.String(),
		cfg.GridCount, cfg.GridCount, cfg.OrderSize.String(),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("bot %q: %w", cfg.Name, apperrors.ErrDuplicateName)
		}
		return nil, fmt.Errorf("failed to insert bot: %w", err)
	}

	id, _ := res.LastInsertId()
	return &core.Bot{
		ID:                id,
		Name:              cfg.Name,
		Symbol:            cfg.Symbol,
		LowerPrice:        cfg.LowerPrice,
		UpperPrice:        cfg.UpperPrice,
		GridCount:         cfg.GridCount,
		AdjustedGridCount: cfg.GridCount,
		OrderSize:         cfg.OrderSize,
		Status:            core.BotStopped,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// GetBot returns the bot by name, or ErrBotNotFound.
func (l *Ledger) GetBot(ctx context.Context, name string) (*core.Bot, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, name, symbol, lower_price, upper_price, grid_count, adjusted_grids,
		        order_size, status, stop_reason, rebalance_count, created_at, updated_at
		 FROM bots WHERE name = ?`, name)
	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bot %q: %w", name, apperrors.ErrBotNotFound)
	}
	return bot, err
}

// ListBots returns all bots ordered by name.
func (l *Ledger) ListBots(ctx context.Context) ([]*core.Bot, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, name, symbol, lower_price, upper_price, grid_count, adjusted_grids,
		        order_size, status, stop_reason, rebalance_count, created_at, updated_at
		 FROM bots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// BotPatch carries the mutable bot fields for UpdateBot. Nil fields are
// left untouched.
type BotPatch struct {
	LowerPrice        *decimal.Decimal
	UpperPrice        *decimal.Decimal
	AdjustedGridCount *int
	Status            *core.BotStatus
	StopReason        *string
	IncRebalanceCount bool
}

// UpdateBot applies a patch to the named bot atomically.
func (l *Ledger) UpdateBot(ctx context.Context, name string, patch BotPatch) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	set := "updated_at = ?"
	args := []interface{}{time.Now().UTC().UnixMilli()}

	if patch.LowerPrice != nil {
		set += ", lower_price = ?"
		args = append(args, patch.LowerPrice.String())
	}
	if patch.UpperPrice != nil {
		set += ", upper_price = ?"
		args = append(args, patch.UpperPrice.String())
	}
	if patch.AdjustedGridCount != nil {
		set += ", adjusted_grids = ?"
		args = append(args, *patch.AdjustedGridCount)
	}
	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.StopReason != nil {
		set += ", stop_reason = ?"
		args = append(args, *patch.StopReason)
	}
	if patch.IncRebalanceCount {
		set += ", rebalance_count = rebalance_count + 1"
	}
	args = append(args, name)

	res, err := tx.ExecContext(ctx, "UPDATE bots SET "+set+" WHERE name = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bot %q: %w", name, apperrors.ErrBotNotFound)
	}
	return tx.Commit()
}

// DeleteBot removes the bot together with its orders, trades and metrics.
func (l *Ledger) DeleteBot(ctx context.Context, name string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bot %q: %w", name, apperrors.ErrBotNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE bot_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE bot_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete trades: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE bot_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete metrics: %w", err)
	}
	return tx.Commit()
}

// InsertOrders inserts orders as open, with upsert semantics by id.
// The whole batch is applied atomically.
func (l *Ledger) InsertOrders(ctx context.Context, orders []*core.Order) error {
	if len(orders) == 0 {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO orders (id, bot_name, symbol, side, price, amount, size_quote, level_index, weight, status, created_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   bot_name = excluded.bot_name, price = excluded.price, amount = excluded.amount,
		   size_quote = excluded.size_quote, level_index = excluded.level_index, weight = excluded.weight`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		createdAt := o.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		source := o.Source
		if source == "" {
			source = core.OrderSourceGrid
		}
		if _, err := stmt.ExecContext(ctx, o.ID, o.BotName, o.Symbol, string(o.Side),
			o.Price.String(), o.Amount.String(), o.SizeQuote.String(),
			o.LevelIndex, o.Weight.String(), createdAt.UnixMilli(), source); err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// FillOrder transitions an open order to filled and inserts the matching
// trade in the same transaction. Fails with ErrOrderNotOpen otherwise.
func (l *Ledger) FillOrder(ctx context.Context, id string, fillPrice decimal.Decimal, fee decimal.Decimal) (*core.Trade, error) {
	return l.fillOrder(ctx, id, fillPrice, fee, core.TradeSourceFill)
}

// FillOrderAs is FillOrder with an explicit trade source (simulated fills,
// reconciler imports).
func (l *Ledger) FillOrderAs(ctx context.Context, id string, fillPrice, fee decimal.Decimal, source core.TradeSource) (*core.Trade, error) {
	return l.fillOrder(ctx, id, fillPrice, fee, source)
}

func (l *Ledger) fillOrder(ctx context.Context, id string, fillPrice, fee decimal.Decimal, source core.TradeSource) (*core.Trade, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT bot_name, symbol, side, amount FROM orders WHERE id = ? AND status = 'open'`, id)
	var botName, symbol, side, amountStr string
	if err := row.Scan(&botName, &symbol, &side, &amountStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotOpen)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for order %s: %w", id, err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = 'filled', filled_at = ?, filled_price = ? WHERE id = ? AND status = 'open'`,
		now.UnixMilli(), fillPrice.String(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to fill order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotOpen)
	}

	value := fillPrice.Mul(amount)
	tres, err := tx.ExecContext(ctx,
		`INSERT INTO trades (bot_name, symbol, side, price, amount, value, fee, order_id, source, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		botName, symbol, side, fillPrice.String(), amount.String(), value.String(),
		fee.String(), id, string(source), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	tradeID, _ := tres.LastInsertId()
	return &core.Trade{
		ID:        tradeID,
		BotName:   botName,
		Symbol:    symbol,
		Side:      core.OrderSide(side),
		Price:     fillPrice,
		Amount:    amount,
		Value:     value,
		Fee:       fee,
		OrderID:   id,
		Source:    source,
		Timestamp: now,
	}, nil
}

// CancelOrder transitions an open order to cancelled. Idempotent: a second
// call on an already-cancelled order is a no-op. Cancelling a filled order
// fails with ErrOrderNotOpen.
func (l *Ledger) CancelOrder(ctx context.Context, id, reason string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", id, apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to load order: %w", err)
	}

	switch core.OrderStatus(status) {
	case core.OrderCancelled:
		return nil
	case core.OrderFilled:
		return fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotOpen)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = 'cancelled', cancelled_at = ?, cancel_reason = ? WHERE id = ? AND status = 'open'`,
		time.Now().UTC().UnixMilli(), reason, id); err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return tx.Commit()
}

// ListOpenOrders returns open orders, optionally filtered by bot name.
func (l *Ledger) ListOpenOrders(ctx context.Context, botName string) ([]*core.Order, error) {
	query := `SELECT id, bot_name, symbol, side, price, amount, size_quote, level_index, weight,
	                 status, created_at, filled_at, filled_price, cancelled_at, cancel_reason, source
	          FROM orders WHERE status = 'open'`
	args := []interface{}{}
	if botName != "" {
		query += ` AND bot_name = ?`
		args = append(args, botName)
	}
	query += ` ORDER BY level_index`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListFilledSince returns orders filled at or after the given time, oldest
// first. The engine uses this to tell replacement placements from initial
// grid arming.
func (l *Ledger) ListFilledSince(ctx context.Context, botName string, since time.Time) ([]*core.Order, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, bot_name, symbol, side, price, amount, size_quote, level_index, weight,
		        status, created_at, filled_at, filled_price, cancelled_at, cancel_reason, source
		 FROM orders WHERE bot_name = ? AND status = 'filled' AND filled_at >= ?
		 ORDER BY filled_at`, botName, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list filled orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrder returns any order by id regardless of status.
func (l *Ledger) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, bot_name, symbol, side, price, amount, size_quote, level_index, weight,
		        status, created_at, filled_at, filled_price, cancelled_at, cancel_reason, source
		 FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", id, apperrors.ErrNotFound)
	}
	return o, err
}

// ListTrades returns trades for a bot within [since, until]. Zero bounds
// are unbounded.
func (l *Ledger) ListTrades(ctx context.Context, botName string, since, until time.Time) ([]*core.Trade, error) {
	query := `SELECT id, bot_name, symbol, side, price, amount, value, fee, profit, order_id, source, ts
	          FROM trades WHERE bot_name = ?`
	args := []interface{}{botName}
	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since.UnixMilli())
	}
	if !until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, until.UnixMilli())
	}
	query += ` ORDER BY ts`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SetTradeProfit records the realized round-trip profit on a closing trade.
func (l *Ledger) SetTradeProfit(ctx context.Context, tradeID int64, profit decimal.Decimal) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, err := l.db.ExecContext(ctx, `UPDATE trades SET profit = ? WHERE id = ?`, profit.String(), tradeID)
	if err != nil {
		return fmt.Errorf("failed to set trade profit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(r rowScanner) (*core.Bot, error) {
	var b core.Bot
	var lower, upper, size, status string
	var createdAt, updatedAt int64
	if err := r.Scan(&b.ID, &b.Name, &b.Symbol, &lower, &upper, &b.GridCount,
		&b.AdjustedGridCount, &size, &status, &b.StopReason, &b.RebalanceCount,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.LowerPrice, err = decimal.NewFromString(lower); err != nil {
		return nil, fmt.Errorf("corrupt lower_price: %w", err)
	}
	if b.UpperPrice, err = decimal.NewFromString(upper); err != nil {
		return nil, fmt.Errorf("corrupt upper_price: %w", err)
	}
	if b.OrderSize, err = decimal.NewFromString(size); err != nil {
		return nil, fmt.Errorf("corrupt order_size: %w", err)
	}
	b.Status = core.BotStatus(status)
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &b, nil
}

func scanOrder(r rowScanner) (*core.Order, error) {
	var o core.Order
	var side, price, amount, sizeQuote, weight, status string
	var createdAt int64
	var filledAt, cancelledAt sql.NullInt64
	var filledPrice sql.NullString
	if err := r.Scan(&o.ID, &o.BotName, &o.Symbol, &side, &price, &amount, &sizeQuote,
		&o.LevelIndex, &weight, &status, &createdAt, &filledAt, &filledPrice,
		&cancelledAt, &o.CancelReason, &o.Source); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount: %w", err)
	}
	if o.SizeQuote, err = decimal.NewFromString(sizeQuote); err != nil {
		return nil, fmt.Errorf("corrupt size_quote: %w", err)
	}
	if o.Weight, err = decimal.NewFromString(weight); err != nil {
		return nil, fmt.Errorf("corrupt weight: %w", err)
	}
	o.Side = core.OrderSide(side)
	o.Status = core.OrderStatus(status)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	if filledAt.Valid {
		o.FilledAt = time.UnixMilli(filledAt.Int64).UTC()
	}
	if filledPrice.Valid && filledPrice.String != "" {
		if o.FilledPrice, err = decimal.NewFromString(filledPrice.String); err != nil {
			return nil, fmt.Errorf("corrupt filled_price: %w", err)
		}
	}
	if cancelledAt.Valid {
		o.CancelledAt = time.UnixMilli(cancelledAt.Int64).UTC()
	}
	return &o, nil
}

func scanTrade(r rowScanner) (*core.Trade, error) {
	var t core.Trade
	var side, price, amount, value, fee string
	var profit sql.NullString
	var ts int64
	if err := r.Scan(&t.ID, &t.BotName, &t.Symbol, &side, &price, &amount, &value,
		&fee, &profit, &t.OrderID, (*string)(&t.Source), &ts); err != nil {
		return nil, err
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount: %w", err)
	}
	if t.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("corrupt value: %w", err)
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("corrupt fee: %w", err)
	}
	if profit.Valid && profit.String != "" {
		if t.Profit, err = decimal.NewFromString(profit.String); err != nil {
			return nil, fmt.Errorf("corrupt profit: %w", err)
		}
	}
	t.Side = core.OrderSide(side)
	t.Timestamp = time.UnixMilli(ts).UTC()
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
