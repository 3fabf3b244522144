// Package storage implements the sqlite-backed ports.Storage: the system
// of record for accounts, positions, pending orders, trades, trade events
// and daily snapshots. Money fields are stored as TEXT (decimal strings)
// rather than REAL so nothing is ever rounded through float64 on the way
// to or from disk.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/perpengine/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trading_accounts (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL DEFAULT '',
    starting_balance       TEXT NOT NULL,
    current_balance        TEXT NOT NULL,
    peak_balance           TEXT NOT NULL,
    margin_used            TEXT NOT NULL,
    available_margin       TEXT NOT NULL,
    daily_starting_balance TEXT NOT NULL,
    daily_pnl              TEXT NOT NULL,
    daily_reset_at         TEXT NOT NULL,
    majors_max_leverage    INTEGER NOT NULL DEFAULT 0,
    altcoin_max_leverage   INTEGER NOT NULL DEFAULT 0,
    profit_split_pct       REAL    NOT NULL DEFAULT 0,
    min_trading_days       INTEGER NOT NULL DEFAULT 0,
    profit_target          TEXT NOT NULL DEFAULT '0',
    daily_loss_limit       TEXT NOT NULL DEFAULT '0',
    max_drawdown_limit     TEXT NOT NULL DEFAULT '0',
    two_step               INTEGER NOT NULL DEFAULT 0,
    trading_days           INTEGER NOT NULL DEFAULT 0,
    total_trades           INTEGER NOT NULL DEFAULT 0,
    winning_trades         INTEGER NOT NULL DEFAULT 0,
    losing_trades          INTEGER NOT NULL DEFAULT 0,
    status                 TEXT NOT NULL,
    breach_type            TEXT NOT NULL DEFAULT '',
    evaluation_step        INTEGER NOT NULL DEFAULT 0,
    last_trade_at          TEXT
);

CREATE TABLE IF NOT EXISTS positions (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL,
    symbol              TEXT NOT NULL,
    side                TEXT NOT NULL,
    quantity            TEXT NOT NULL,
    leverage            INTEGER NOT NULL,
    entry_price         TEXT NOT NULL,
    notional            TEXT NOT NULL,
    margin_used         TEXT NOT NULL,
    entry_fee           TEXT NOT NULL,
    take_profit         TEXT,
    stop_loss           TEXT,
    liquidation_price   TEXT NOT NULL,
    current_price       TEXT NOT NULL,
    unrealized_pnl      TEXT NOT NULL,
    opened_at           TEXT NOT NULL,
    accumulated_funding TEXT NOT NULL DEFAULT '0',
    last_funding_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id);
CREATE INDEX IF NOT EXISTS idx_positions_symbol  ON positions(symbol);

CREATE TABLE IF NOT EXISTS pending_orders (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    quantity        TEXT NOT NULL,
    leverage        INTEGER NOT NULL,
    limit_price     TEXT NOT NULL,
    take_profit     TEXT,
    stop_loss       TEXT,
    reserved_margin TEXT NOT NULL,
    expires_at      TEXT,
    placed_at       TEXT NOT NULL,
    client_order_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_account ON pending_orders(account_id);

-- one row per fill, keyed by client_order_id for idempotent replay
CREATE TABLE IF NOT EXISTS orders (
    client_order_id TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    position_id     TEXT NOT NULL,
    status          TEXT NOT NULL,
    filled_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id                 TEXT PRIMARY KEY,
    position_id        TEXT NOT NULL,
    account_id         TEXT NOT NULL,
    symbol             TEXT NOT NULL,
    side               TEXT NOT NULL,
    quantity           TEXT NOT NULL,
    leverage           INTEGER NOT NULL,
    entry_price        TEXT NOT NULL,
    exit_price         TEXT NOT NULL,
    notional           TEXT NOT NULL,
    exit_value         TEXT NOT NULL,
    entry_fee          TEXT NOT NULL,
    exit_fee           TEXT NOT NULL,
    gross_pnl          TEXT NOT NULL,
    net_pnl            TEXT NOT NULL,
    reason             TEXT NOT NULL,
    upstream_entry_ref TEXT NOT NULL DEFAULT '0',
    upstream_exit_ref  TEXT NOT NULL DEFAULT '0',
    opened_at          TEXT NOT NULL,
    closed_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id);

CREATE TABLE IF NOT EXISTS trade_events (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    position_id TEXT NOT NULL DEFAULT '',
    trade_id    TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    details     TEXT NOT NULL DEFAULT '{}',
    prev_hash   TEXT NOT NULL DEFAULT '',
    event_hash  TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_account_created ON trade_events(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS daily_snapshots (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    date             TEXT NOT NULL,
    starting_balance TEXT NOT NULL,
    ending_balance   TEXT NOT NULL,
    peak_balance     TEXT NOT NULL,
    daily_pnl        TEXT NOT NULL,
    drawdown         TEXT NOT NULL,
    total_trades     INTEGER NOT NULL DEFAULT 0,
    winning_trades   INTEGER NOT NULL DEFAULT 0,
    losing_trades    INTEGER NOT NULL DEFAULT 0,
    volume           TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account ON daily_snapshots(account_id, date DESC);
`

// SQLiteStorage implements ports.Storage over a pure-Go sqlite driver.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at dsn and applies the
// schema. SQLite is single-writer, so the pool is capped at one connection.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.ApplySchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ApplySchema creates every table if it doesn't already exist.
func (s *SQLiteStorage) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.ApplySchema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func timeToStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strToTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func moneyPtrToNull(m *domain.Money) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.String(), Valid: true}
}

func nullToMoneyPtr(n sql.NullString) *domain.Money {
	if !n.Valid {
		return nil
	}
	d, err := decimal.NewFromString(n.String)
	if err != nil {
		return nil
	}
	return &d
}

func timePtrToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(*t), Valid: true}
}

func nullToTimePtr(n sql.NullString) *time.Time {
	if !n.Valid {
		return nil
	}
	t := strToTime(n.String)
	return &t
}

// LoadAccounts returns every account row at startup.
func (s *SQLiteStorage) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, starting_balance, current_balance, peak_balance,
		       margin_used, available_margin, daily_starting_balance, daily_pnl,
		       daily_reset_at, majors_max_leverage, altcoin_max_leverage,
		       profit_split_pct, min_trading_days, profit_target, daily_loss_limit,
		       max_drawdown_limit, two_step, trading_days, total_trades,
		       winning_trades, losing_trades, status, breach_type, evaluation_step,
		       last_trade_at
		FROM trading_accounts
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadAccounts: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadAccounts: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var a domain.Account
	var startingBalance, currentBalance, peakBalance, marginUsed, availableMargin string
	var dailyStartingBalance, dailyPnl, dailyResetAt string
	var profitTarget, dailyLossLimit, maxDrawdownLimit string
	var twoStep int
	var lastTradeAt sql.NullString

	if err := row.Scan(
		&a.ID, &a.UserID, &startingBalance, &currentBalance, &peakBalance,
		&marginUsed, &availableMargin, &dailyStartingBalance, &dailyPnl,
		&dailyResetAt, &a.Plan.MajorsMaxLeverage, &a.Plan.AltcoinMaxLeverage,
		&a.Plan.ProfitSplitPct, &a.Plan.MinTradingDays, &profitTarget, &dailyLossLimit,
		&maxDrawdownLimit, &twoStep, &a.TradingDays, &a.TotalTrades,
		&a.WinningTrades, &a.LosingTrades, &a.Status, &a.BreachType, &a.EvaluationStep,
		&lastTradeAt,
	); err != nil {
		return a, err
	}

	a.StartingBalance, _ = decimal.NewFromString(startingBalance)
	a.CurrentBalance, _ = decimal.NewFromString(currentBalance)
	a.PeakBalance, _ = decimal.NewFromString(peakBalance)
	a.MarginUsed, _ = decimal.NewFromString(marginUsed)
	a.AvailableMargin, _ = decimal.NewFromString(availableMargin)
	a.DailyStartingBalance, _ = decimal.NewFromString(dailyStartingBalance)
	a.DailyPnl, _ = decimal.NewFromString(dailyPnl)
	a.DailyResetAt = strToTime(dailyResetAt)
	a.Plan.ProfitTarget, _ = decimal.NewFromString(profitTarget)
	a.Plan.DailyLossLimit, _ = decimal.NewFromString(dailyLossLimit)
	a.Plan.MaxDrawdownLimit, _ = decimal.NewFromString(maxDrawdownLimit)
	a.Plan.TwoStep = twoStep != 0
	if lastTradeAt.Valid {
		a.LastTradeAt = strToTime(lastTradeAt.String)
	}
	return a, nil
}

// SaveAccount upserts one account row — the write-through target for the
// account manager's dirty flush.
func (s *SQLiteStorage) SaveAccount(ctx context.Context, a domain.Account) error {
	twoStep := 0
	if a.Plan.TwoStep {
		twoStep = 1
	}
	var lastTradeAt sql.NullString
	if !a.LastTradeAt.IsZero() {
		lastTradeAt = sql.NullString{String: timeToStr(a.LastTradeAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_accounts (
			id, user_id, starting_balance, current_balance, peak_balance,
			margin_used, available_margin, daily_starting_balance, daily_pnl,
			daily_reset_at, majors_max_leverage, altcoin_max_leverage,
			profit_split_pct, min_trading_days, profit_target, daily_loss_limit,
			max_drawdown_limit, two_step, trading_days, total_trades,
			winning_trades, losing_trades, status, breach_type, evaluation_step,
			last_trade_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			current_balance = excluded.current_balance,
			peak_balance = excluded.peak_balance,
			margin_used = excluded.margin_used,
			available_margin = excluded.available_margin,
			daily_starting_balance = excluded.daily_starting_balance,
			daily_pnl = excluded.daily_pnl,
			daily_reset_at = excluded.daily_reset_at,
			trading_days = excluded.trading_days,
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			status = excluded.status,
			breach_type = excluded.breach_type,
			evaluation_step = excluded.evaluation_step,
			last_trade_at = excluded.last_trade_at
	`,
		a.ID, a.UserID, a.StartingBalance.String(), a.CurrentBalance.String(), a.PeakBalance.String(),
		a.MarginUsed.String(), a.AvailableMargin.String(), a.DailyStartingBalance.String(), a.DailyPnl.String(),
		timeToStr(a.DailyResetAt), a.Plan.MajorsMaxLeverage, a.Plan.AltcoinMaxLeverage,
		a.Plan.ProfitSplitPct, a.Plan.MinTradingDays, a.Plan.ProfitTarget.String(), a.Plan.DailyLossLimit.String(),
		a.Plan.MaxDrawdownLimit.String(), twoStep, a.TradingDays, a.TotalTrades,
		a.WinningTrades, a.LosingTrades, string(a.Status), string(a.BreachType), a.EvaluationStep,
		lastTradeAt,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveAccount: %w", err)
	}
	return nil
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var quantity, entryPrice, notional, marginUsed, entryFee string
	var takeProfit, stopLoss sql.NullString
	var liquidationPrice, currentPrice, unrealizedPnl, openedAt, accumulatedFunding string
	var lastFundingAt sql.NullString

	if err := row.Scan(
		&p.ID, &p.AccountID, &p.Symbol, &p.Side, &quantity, &p.Leverage,
		&entryPrice, &notional, &marginUsed, &entryFee, &takeProfit, &stopLoss,
		&liquidationPrice, &currentPrice, &unrealizedPnl, &openedAt,
		&accumulatedFunding, &lastFundingAt,
	); err != nil {
		return p, err
	}

	p.Quantity, _ = decimal.NewFromString(quantity)
	p.EntryPrice, _ = decimal.NewFromString(entryPrice)
	p.Notional, _ = decimal.NewFromString(notional)
	p.MarginUsed, _ = decimal.NewFromString(marginUsed)
	p.EntryFee, _ = decimal.NewFromString(entryFee)
	p.TakeProfit = nullToMoneyPtr(takeProfit)
	p.StopLoss = nullToMoneyPtr(stopLoss)
	p.LiquidationPrice, _ = decimal.NewFromString(liquidationPrice)
	p.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	p.UnrealizedPnl, _ = decimal.NewFromString(unrealizedPnl)
	p.OpenedAt = strToTime(openedAt)
	p.AccumulatedFunding, _ = decimal.NewFromString(accumulatedFunding)
	if lastFundingAt.Valid {
		p.LastFundingAt = strToTime(lastFundingAt.String)
	}
	return p, nil
}

// LoadOpenPositions returns every open position row at startup.
func (s *SQLiteStorage) LoadOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, quantity, leverage, entry_price,
		       notional, margin_used, entry_fee, take_profit, stop_loss,
		       liquidation_price, current_price, unrealized_pnl, opened_at,
		       accumulated_funding, last_funding_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadOpenPositions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.LoadOpenPositions: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadPendingOrders returns every resting limit order at startup.
func (s *SQLiteStorage) LoadPendingOrders(ctx context.Context) ([]domain.PendingLimitOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, quantity, leverage, limit_price,
		       take_profit, stop_loss, reserved_margin, expires_at, placed_at,
		       client_order_id
		FROM pending_orders
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadPendingOrders: query: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingLimitOrder
	for rows.Next() {
		var o domain.PendingLimitOrder
		var quantity, limitPrice, reservedMargin, placedAt string
		var takeProfit, stopLoss, expiresAt sql.NullString

		if err := rows.Scan(
			&o.ID, &o.AccountID, &o.Symbol, &o.Side, &quantity, &o.Leverage,
			&limitPrice, &takeProfit, &stopLoss, &reservedMargin, &expiresAt,
			&placedAt, &o.ClientOrderID,
		); err != nil {
			return nil, fmt.Errorf("storage.LoadPendingOrders: scan: %w", err)
		}

		o.Quantity, _ = decimal.NewFromString(quantity)
		o.LimitPrice, _ = decimal.NewFromString(limitPrice)
		o.ReservedMargin, _ = decimal.NewFromString(reservedMargin)
		o.TakeProfit = nullToMoneyPtr(takeProfit)
		o.StopLoss = nullToMoneyPtr(stopLoss)
		o.ExpiresAt = nullToTimePtr(expiresAt)
		o.PlacedAt = strToTime(placedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// SavePendingOrder upserts a resting limit order.
func (s *SQLiteStorage) SavePendingOrder(ctx context.Context, o domain.PendingLimitOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_orders (
			id, account_id, symbol, side, quantity, leverage, limit_price,
			take_profit, stop_loss, reserved_margin, expires_at, placed_at, client_order_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			take_profit = excluded.take_profit,
			stop_loss = excluded.stop_loss
	`,
		o.ID, o.AccountID, o.Symbol, string(o.Side), o.Quantity.String(), o.Leverage, o.LimitPrice.String(),
		moneyPtrToNull(o.TakeProfit), moneyPtrToNull(o.StopLoss), o.ReservedMargin.String(),
		timePtrToNull(o.ExpiresAt), timeToStr(o.PlacedAt), o.ClientOrderID,
	)
	if err != nil {
		return fmt.Errorf("storage.SavePendingOrder: %w", err)
	}
	return nil
}

// DeletePendingOrder removes a resting limit order (fill, cancel or
// expiry).
func (s *SQLiteStorage) DeletePendingOrder(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage.DeletePendingOrder: %w", err)
	}
	return nil
}

// FillOrder persists the position row, the filled order row, and the
// POSITION_OPENED event in one transaction. A clientOrderID already seen
// is a no-op — the caller already has its result from the first call.
func (s *SQLiteStorage) FillOrder(ctx context.Context, pos domain.Position, clientOrderID string, event domain.TradeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.FillOrder: begin tx: %w", err)
	}
	defer tx.Rollback()

	if clientOrderID != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT position_id FROM orders WHERE client_order_id = ?`, clientOrderID).Scan(&existing)
		if err == nil {
			return nil // already filled once, idempotent replay
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("storage.FillOrder: check idempotency: %w", err)
		}
	}

	if err := insertPosition(ctx, tx, pos); err != nil {
		return fmt.Errorf("storage.FillOrder: insert position: %w", err)
	}

	if clientOrderID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (client_order_id, account_id, position_id, status, filled_at)
			VALUES (?,?,?,?,?)
		`, clientOrderID, pos.AccountID, pos.ID, "filled", timeToStr(pos.OpenedAt)); err != nil {
			return fmt.Errorf("storage.FillOrder: insert order: %w", err)
		}
	}

	if err := insertTradeEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("storage.FillOrder: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.FillOrder: commit: %w", err)
	}
	return nil
}

func insertPosition(ctx context.Context, tx *sql.Tx, p domain.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, quantity, leverage, entry_price,
			notional, margin_used, entry_fee, take_profit, stop_loss,
			liquidation_price, current_price, unrealized_pnl, opened_at,
			accumulated_funding, last_funding_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			take_profit = excluded.take_profit,
			stop_loss = excluded.stop_loss,
			current_price = excluded.current_price,
			unrealized_pnl = excluded.unrealized_pnl,
			accumulated_funding = excluded.accumulated_funding,
			last_funding_at = excluded.last_funding_at
	`,
		p.ID, p.AccountID, p.Symbol, string(p.Side), p.Quantity.String(), p.Leverage, p.EntryPrice.String(),
		p.Notional.String(), p.MarginUsed.String(), p.EntryFee.String(), moneyPtrToNull(p.TakeProfit), moneyPtrToNull(p.StopLoss),
		p.LiquidationPrice.String(), p.CurrentPrice.String(), p.UnrealizedPnl.String(), timeToStr(p.OpenedAt),
		p.AccumulatedFunding.String(), timePtrToNullField(p.LastFundingAt),
	)
	return err
}

func timePtrToNullField(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(t), Valid: true}
}

// execer is satisfied by both *sql.DB and *sql.Tx, so insertTradeEvent can
// run standalone (AppendTradeEvent) or as part of a larger transaction
// (FillOrder, ClosePosition).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTradeEvent(ctx context.Context, tx execer, e domain.TradeEvent) error {
	details := "{}"
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_events (id, account_id, position_id, trade_id, type, details, prev_hash, event_hash, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, e.ID, e.AccountID, e.PositionID, e.TradeID, string(e.Type), details, e.PrevHash, e.EventHash, timeToStr(e.CreatedAt))
	return err
}

// ClosePosition persists the Trade row, the POSITION_CLOSED event, and
// either removes the position (full close) or replaces it with the
// pro-rata remainder (partial close) — all in one transaction.
func (s *SQLiteStorage) ClosePosition(ctx context.Context, trade domain.Trade, remainder *domain.Position, event domain.TradeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ClosePosition: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, position_id, account_id, symbol, side, quantity, leverage,
			entry_price, exit_price, notional, exit_value, entry_fee, exit_fee,
			gross_pnl, net_pnl, reason, upstream_entry_ref, upstream_exit_ref,
			opened_at, closed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		trade.ID, trade.PositionID, trade.AccountID, trade.Symbol, string(trade.Side), trade.Quantity.String(), trade.Leverage,
		trade.EntryPrice.String(), trade.ExitPrice.String(), trade.Notional.String(), trade.ExitValue.String(), trade.EntryFee.String(), trade.ExitFee.String(),
		trade.GrossPnl.String(), trade.NetPnl.String(), string(trade.Reason), trade.UpstreamEntryRef.String(), trade.UpstreamExitRef.String(),
		timeToStr(trade.OpenedAt), timeToStr(trade.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.ClosePosition: insert trade: %w", err)
	}

	if remainder == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, trade.PositionID); err != nil {
			return fmt.Errorf("storage.ClosePosition: delete position: %w", err)
		}
	} else {
		if err := insertPosition(ctx, tx, *remainder); err != nil {
			return fmt.Errorf("storage.ClosePosition: update remainder: %w", err)
		}
	}

	if err := insertTradeEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("storage.ClosePosition: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ClosePosition: commit: %w", err)
	}
	return nil
}

// AppendTradeEvent writes one audit row outside of the fill/close
// transactions (daily reset, funding, admin breach).
func (s *SQLiteStorage) AppendTradeEvent(ctx context.Context, event domain.TradeEvent) error {
	if err := insertTradeEvent(ctx, s.db, event); err != nil {
		return fmt.Errorf("storage.AppendTradeEvent: %w", err)
	}
	return nil
}

// LastEventHash returns the most recently appended event's hash for an
// account, or "" if none exists yet — the seed for the next event's chain
// link.
func (s *SQLiteStorage) LastEventHash(ctx context.Context, accountID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_hash FROM trade_events
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, accountID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage.LastEventHash: %w", err)
	}
	return hash, nil
}

// SaveDailySnapshot inserts one row written by the daily reset worker.
func (s *SQLiteStorage) SaveDailySnapshot(ctx context.Context, snap domain.DailySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_snapshots (
			id, account_id, date, starting_balance, ending_balance, peak_balance,
			daily_pnl, drawdown, total_trades, winning_trades, losing_trades, volume
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		snap.ID, snap.AccountID, timeToStr(snap.Date), snap.StartingBalance.String(), snap.EndingBalance.String(), snap.PeakBalance.String(),
		snap.DailyPnl.String(), snap.Drawdown.String(), snap.TotalTrades, snap.WinningTrades, snap.LosingTrades, snap.Volume.String(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveDailySnapshot: %w", err)
	}
	return nil
}
