package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
	"github.com/shopspring/decimal"
)

var _ port.Repository = (*PgRepo)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so read helpers are
// shared between the lock-free read path and units of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepo struct {
	pool *pgxpool.Pool
}

// call Close when finish to work with database.
func NewPgRepo(ctx context.Context, dsn string) (*PgRepo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	return NewRepository(pool), nil
}

// NewRepository wraps an existing pool. Close releases it.
func NewRepository(pool *pgxpool.Pool) *PgRepo {
	return &PgRepo{pool: pool}
}

func (p *PgRepo) Close(ctx context.Context) {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate applies Schema. Statements are idempotent.
func (p *PgRepo) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return classify(err)
}

func (p *PgRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	return &pgTx{tx: tx}, nil
}

func (p *PgRepo) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(p.pool.QueryRow(ctx, selectAccount+` WHERE id = $1`, id), id)
}

func (p *PgRepo) GetInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	return scanInstrument(p.pool.QueryRow(ctx, selectInstrument+` WHERE id = $1`, id), id)
}

func (p *PgRepo) ListInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	rows, err := p.pool.Query(ctx, selectInstrument+` ORDER BY symbol ASC`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []*domain.Instrument
	for rows.Next() {
		i, err := scanInstrument(rows, "")
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, classify(rows.Err())
}

func (p *PgRepo) GetPosition(ctx context.Context, accountID, instrumentID string) (int64, error) {
	return positionCounter(ctx, p.pool, accountID, instrumentID)
}

func (p *PgRepo) GetTrade(ctx context.Context, accountID, tradeID string) (*domain.Trade, error) {
	rows, err := p.pool.Query(ctx, selectTrade+` WHERE account_id = $1 AND id::text = $2`, accountID, tradeID)
	if err != nil {
		return nil, classify(err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTradeNotFound, tradeID)
	}
	return trades[0], nil
}

// ListTrades returns the account's trades newest first.
func (p *PgRepo) ListTrades(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	q := selectTrade + ` WHERE account_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collectTrades(rows)
}

func (p *PgRepo) TradeTotals(ctx context.Context, accountID string) (domain.TradeTotals, error) {
	var totals domain.TradeTotals
	var invested, received, commission string
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(total) FILTER (WHERE side = 'buy'), 0)::text,
       COALESCE(SUM(total) FILTER (WHERE side = 'sell'), 0)::text,
       COALESCE(SUM(commission), 0)::text
FROM trades
WHERE account_id = $1 AND status = 'completed'
`, accountID).Scan(&totals.Count, &invested, &received, &commission)
	if err != nil {
		return domain.TradeTotals{}, classify(err)
	}
	if totals.Invested, err = decimal.NewFromString(invested); err != nil {
		return domain.TradeTotals{}, fmt.Errorf("parse invested: %w", err)
	}
	if totals.Received, err = decimal.NewFromString(received); err != nil {
		return domain.TradeTotals{}, fmt.Errorf("parse received: %w", err)
	}
	if totals.Commission, err = decimal.NewFromString(commission); err != nil {
		return domain.TradeTotals{}, fmt.Errorf("parse commission: %w", err)
	}
	return totals, nil
}

func (p *PgRepo) ListPositionCounters(ctx context.Context) ([]domain.Position, error) {
	rows, err := p.pool.Query(ctx, `
SELECT account_id, instrument_id, quantity
FROM positions
ORDER BY account_id, instrument_id
`)
	if err != nil {
		return nil, classify(err)
	}
	return collectPositions(rows)
}

func (p *PgRepo) ReplayPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := p.pool.Query(ctx, `
SELECT account_id, instrument_id,
       SUM(CASE WHEN side = 'buy' THEN quantity ELSE -quantity END)
FROM trades
WHERE status = 'completed'
GROUP BY account_id, instrument_id
ORDER BY account_id, instrument_id
`)
	if err != nil {
		return nil, classify(err)
	}
	return collectPositions(rows)
}

const selectAccount = `SELECT id, balance::text, version, created_at, updated_at FROM accounts`

const selectInstrument = `
SELECT id, symbol, name, price::text, available_quantity, active, version, updated_at
FROM instruments`

const selectTrade = `
SELECT id::text, account_id, instrument_id, side, quantity, price::text, commission::text,
       total::text, balance_after::text, status, COALESCE(idempotency_key, ''), created_at
FROM trades`

func scanAccount(row pgx.Row, id string) (*domain.Account, error) {
	var a domain.Account
	var balance string
	if err := row.Scan(&a.ID, &balance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return nil, classify(err)
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func scanInstrument(row pgx.Row, id string) (*domain.Instrument, error) {
	var i domain.Instrument
	var price string
	if err := row.Scan(&i.ID, &i.Symbol, &i.Name, &price, &i.AvailableQuantity, &i.Active, &i.Version, &i.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInstrumentNotFound, id)
		}
		return nil, classify(err)
	}
	var err error
	if i.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &i, nil
}

func collectTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	defer rows.Close()
	var res []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, status, price, commission, total, after string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.InstrumentID, &side, &t.Quantity, &price, &commission,
			&total, &after, &status, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, classify(err)
		}
		t.Side = domain.Side(side)
		t.Status = domain.TradeStatus(status)
		var err error
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		if t.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, fmt.Errorf("parse trade commission: %w", err)
		}
		if t.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse trade total: %w", err)
		}
		if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("parse trade balance_after: %w", err)
		}
		res = append(res, &t)
	}
	return res, classify(rows.Err())
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var res []domain.Position
	for rows.Next() {
		var pos domain.Position
		if err := rows.Scan(&pos.AccountID, &pos.InstrumentID, &pos.Quantity); err != nil {
			return nil, classify(err)
		}
		res = append(res, pos)
	}
	return res, classify(rows.Err())
}

func positionCounter(ctx context.Context, q querier, accountID, instrumentID string) (int64, error) {
	var qty int64
	err := q.QueryRow(ctx, `SELECT quantity FROM positions WHERE account_id = $1 AND instrument_id = $2`,
		accountID, instrumentID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, classify(err)
}

// classify maps driver errors onto the ledger taxonomy: lock and
// serialization conflicts become ErrContention, anything that is not a server
// side error becomes ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", domain.ErrContention, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: check constraint %s", domain.ErrInvalidArgument, pgErr.ConstraintName)
		}
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
