package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
)

var _ port.Tx = (*sqliteTx)(nil)

// sqliteTx holds the database write lock for its whole lifetime, so Lock*
// are plain reads.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, t.tx, id)
}

func (t *sqliteTx) LockInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	return getInstrument(ctx, t.tx, id)
}

func (t *sqliteTx) PositionCounter(ctx context.Context, accountID, instrumentID string) (int64, error) {
	return positionCounter(ctx, t.tx, accountID, instrumentID)
}

func (t *sqliteTx) ReplayPosition(ctx context.Context, accountID, instrumentID string) (int64, error) {
	var qty int64
	err := t.tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(CASE WHEN side = 'buy' THEN quantity ELSE -quantity END), 0)
FROM trades
WHERE account_id = ? AND instrument_id = ? AND status = 'completed'`,
		accountID, instrumentID).Scan(&qty)
	return qty, classify(err)
}

func (t *sqliteTx) SetPositionCounter(ctx context.Context, accountID, instrumentID string, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("%w: position counter %s/%s would be %d", domain.ErrInsufficientPosition, accountID, instrumentID, qty)
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO positions(account_id, instrument_id, quantity)
VALUES(?, ?, ?)
ON CONFLICT (account_id, instrument_id) DO UPDATE SET quantity = excluded.quantity`,
		accountID, instrumentID, qty)
	return classify(err)
}

func (t *sqliteTx) FindTradeByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Trade, error) {
	trades, err := queryTrades(ctx, t.tx, selectTrade+` WHERE account_id = ? AND idempotency_key = ?`, accountID, key)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return trades[0], nil
}

func (t *sqliteTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`, a.Balance.String(), now, a.ID, a.Version)
	if err := conditional(res, err); err != nil {
		return fmt.Errorf("account %s: %w", a.ID, err)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (t *sqliteTx) UpdateInstrument(ctx context.Context, i *domain.Instrument) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
UPDATE instruments
SET name = ?, price = ?, available_quantity = ?, active = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`,
		i.Name, i.Price.String(), i.AvailableQuantity, i.Active, now, i.ID, i.Version)
	if err := conditional(res, err); err != nil {
		return fmt.Errorf("instrument %s: %w", i.ID, err)
	}
	i.Version++
	i.UpdatedAt = now
	return nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	if tr == nil {
		return errors.New("nil trade")
	}
	var key any
	if tr.IdempotencyKey != "" {
		key = tr.IdempotencyKey
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO trades(id, account_id, instrument_id, side, quantity, price, commission, total, balance_after, status, idempotency_key, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.AccountID, tr.InstrumentID, string(tr.Side), tr.Quantity, tr.Price.String(), tr.Commission.String(),
		tr.Total.String(), tr.BalanceAfter.String(), string(tr.Status), key, tr.CreatedAt)
	return classify(err)
}

func (t *sqliteTx) CreateAccount(ctx context.Context, a *domain.Account) error {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO accounts(id, balance, version, created_at, updated_at) VALUES(?, ?, 0, ?, ?)`,
		a.ID, a.Balance.String(), now, now)
	if err != nil {
		return classify(err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (t *sqliteTx) CreateInstrument(ctx context.Context, i *domain.Instrument) error {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO instruments(id, symbol, name, price, available_quantity, active, version, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, ?)`,
		i.ID, i.Symbol, i.Name, i.Price.String(), i.AvailableQuantity, i.Active, now)
	if err != nil {
		return classify(err)
	}
	i.UpdatedAt = now
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	return classify(t.tx.Commit())
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// conditional turns a zero-row versioned UPDATE into ErrContention.
func conditional(res sql.Result, err error) error {
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: stale version", domain.ErrContention)
	}
	return nil
}
