package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
)

var _ port.Repository = (*Repo)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo is a single-node Ledger Store on an embedded SQLite file. Units of work
// start with BEGIN IMMEDIATE, which takes the database write lock up front, and
// every row update is additionally guarded by its version column.
type Repo struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies Schema.
func Open(path string) (*Repo, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) DB() *sql.DB { return r.db }

func (r *Repo) Close(ctx context.Context) {
	_ = r.db.Close()
}

func (r *Repo) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (r *Repo) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, r.db, id)
}

func (r *Repo) GetInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	return getInstrument(ctx, r.db, id)
}

func (r *Repo) ListInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	rows, err := r.db.QueryContext(ctx, selectInstrument+` ORDER BY symbol ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []*domain.Instrument
	for rows.Next() {
		var i domain.Instrument
		if err := rows.Scan(&i.ID, &i.Symbol, &i.Name, &i.Price, &i.AvailableQuantity, &i.Active, &i.Version, &i.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		res = append(res, &i)
	}
	return res, classify(rows.Err())
}

func (r *Repo) GetPosition(ctx context.Context, accountID, instrumentID string) (int64, error) {
	return positionCounter(ctx, r.db, accountID, instrumentID)
}

func (r *Repo) GetTrade(ctx context.Context, accountID, tradeID string) (*domain.Trade, error) {
	trades, err := queryTrades(ctx, r.db, selectTrade+` WHERE account_id = ? AND id = ?`, accountID, tradeID)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTradeNotFound, tradeID)
	}
	return trades[0], nil
}

func (r *Repo) ListTrades(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	q := selectTrade + ` WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryTrades(ctx, r.db, q, args...)
}

// TradeTotals sums in Go: SQLite's SUM over TEXT would go through float.
func (r *Repo) TradeTotals(ctx context.Context, accountID string) (domain.TradeTotals, error) {
	trades, err := queryTrades(ctx, r.db, selectTrade+` WHERE account_id = ? AND status = 'completed'`, accountID)
	if err != nil {
		return domain.TradeTotals{}, err
	}
	var totals domain.TradeTotals
	for _, t := range trades {
		totals.Add(t)
	}
	return totals, nil
}

func (r *Repo) ListPositionCounters(ctx context.Context) ([]domain.Position, error) {
	return queryPositions(ctx, r.db, `
SELECT account_id, instrument_id, quantity
FROM positions
ORDER BY account_id, instrument_id`)
}

func (r *Repo) ReplayPositions(ctx context.Context) ([]domain.Position, error) {
	return queryPositions(ctx, r.db, `
SELECT account_id, instrument_id,
       SUM(CASE WHEN side = 'buy' THEN quantity ELSE -quantity END)
FROM trades
WHERE status = 'completed'
GROUP BY account_id, instrument_id
ORDER BY account_id, instrument_id`)
}

const selectAccount = `SELECT id, balance, version, created_at, updated_at FROM accounts`

const selectInstrument = `
SELECT id, symbol, name, price, available_quantity, active, version, updated_at
FROM instruments`

const selectTrade = `
SELECT id, account_id, instrument_id, side, quantity, price, commission, total,
       balance_after, status, COALESCE(idempotency_key, ''), created_at
FROM trades`

func getAccount(ctx context.Context, q querier, id string) (*domain.Account, error) {
	var a domain.Account
	err := q.QueryRowContext(ctx, selectAccount+` WHERE id = ?`, id).
		Scan(&a.ID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func getInstrument(ctx context.Context, q querier, id string) (*domain.Instrument, error) {
	var i domain.Instrument
	err := q.QueryRowContext(ctx, selectInstrument+` WHERE id = ?`, id).
		Scan(&i.ID, &i.Symbol, &i.Name, &i.Price, &i.AvailableQuantity, &i.Active, &i.Version, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstrumentNotFound, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &i, nil
}

func positionCounter(ctx context.Context, q querier, accountID, instrumentID string) (int64, error) {
	var qty int64
	err := q.QueryRowContext(ctx, `SELECT quantity FROM positions WHERE account_id = ? AND instrument_id = ?`,
		accountID, instrumentID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, classify(err)
}

func queryTrades(ctx context.Context, q querier, query string, args ...any) ([]*domain.Trade, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, status string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.InstrumentID, &side, &t.Quantity, &t.Price, &t.Commission,
			&t.Total, &t.BalanceAfter, &status, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, classify(err)
		}
		t.Side = domain.Side(side)
		t.Status = domain.TradeStatus(status)
		res = append(res, &t)
	}
	return res, classify(rows.Err())
}

func queryPositions(ctx context.Context, q querier, query string, args ...any) ([]domain.Position, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.AccountID, &p.InstrumentID, &p.Quantity); err != nil {
			return nil, classify(err)
		}
		res = append(res, p)
	}
	return res, classify(rows.Err())
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s", domain.ErrContention, sqErr.Error())
		case sqlite3.ErrConstraint:
			if sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, sqErr.Error())
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, sqErr.Error())
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCorrupt:
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}
