package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
)

var _ port.Tx = (*pgTx)(nil)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, selectAccount+` WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *pgTx) LockInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	return scanInstrument(t.tx.QueryRow(ctx, selectInstrument+` WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *pgTx) PositionCounter(ctx context.Context, accountID, instrumentID string) (int64, error) {
	return positionCounter(ctx, t.tx, accountID, instrumentID)
}

func (t *pgTx) ReplayPosition(ctx context.Context, accountID, instrumentID string) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx, `
SELECT COALESCE(SUM(CASE WHEN side = 'buy' THEN quantity ELSE -quantity END), 0)
FROM trades
WHERE account_id = $1 AND instrument_id = $2 AND status = 'completed'
`, accountID, instrumentID).Scan(&qty)
	return qty, classify(err)
}

func (t *pgTx) SetPositionCounter(ctx context.Context, accountID, instrumentID string, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("%w: position counter %s/%s would be %d", domain.ErrInsufficientPosition, accountID, instrumentID, qty)
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO positions(account_id, instrument_id, quantity)
VALUES($1, $2, $3)
ON CONFLICT (account_id, instrument_id) DO UPDATE SET quantity = EXCLUDED.quantity
`, accountID, instrumentID, qty)
	return classify(err)
}

func (t *pgTx) FindTradeByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Trade, error) {
	rows, err := t.tx.Query(ctx, selectTrade+` WHERE account_id = $1 AND idempotency_key = $2`, accountID, key)
	if err != nil {
		return nil, classify(err)
	}
	trades, err := collectTrades(rows)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return trades[0], nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	err := t.tx.QueryRow(ctx, `
UPDATE accounts
SET balance = $1::numeric, version = version + 1, updated_at = NOW()
WHERE id = $2 AND version = $3
RETURNING version, updated_at
`, a.Balance.String(), a.ID, a.Version).Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: account %s version %d is stale", domain.ErrContention, a.ID, a.Version)
	}
	return classify(err)
}

func (t *pgTx) UpdateInstrument(ctx context.Context, i *domain.Instrument) error {
	err := t.tx.QueryRow(ctx, `
UPDATE instruments
SET name = $1, price = $2::numeric, available_quantity = $3, active = $4,
    version = version + 1, updated_at = NOW()
WHERE id = $5 AND version = $6
RETURNING version, updated_at
`, i.Name, i.Price.String(), i.AvailableQuantity, i.Active, i.ID, i.Version).Scan(&i.Version, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: instrument %s version %d is stale", domain.ErrContention, i.ID, i.Version)
	}
	return classify(err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	if tr == nil {
		return errors.New("nil trade")
	}
	var key any
	if tr.IdempotencyKey != "" {
		key = tr.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO trades(id, account_id, instrument_id, side, quantity, price, commission, total, balance_after, status, idempotency_key, created_at)
VALUES($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12)
`, tr.ID, tr.AccountID, tr.InstrumentID, string(tr.Side), tr.Quantity, tr.Price.String(), tr.Commission.String(),
		tr.Total.String(), tr.BalanceAfter.String(), string(tr.Status), key, tr.CreatedAt)
	return classify(err)
}

func (t *pgTx) CreateAccount(ctx context.Context, a *domain.Account) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO accounts(id, balance, version)
VALUES($1, $2::numeric, 0)
RETURNING created_at, updated_at
`, a.ID, a.Balance.String()).Scan(&a.CreatedAt, &a.UpdatedAt)
	return classify(err)
}

func (t *pgTx) CreateInstrument(ctx context.Context, i *domain.Instrument) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO instruments(id, symbol, name, price, available_quantity, active, version)
VALUES($1, $2, $3, $4::numeric, $5, $6, 0)
RETURNING updated_at
`, i.ID, i.Symbol, i.Name, i.Price.String(), i.AvailableQuantity, i.Active).Scan(&i.UpdatedAt)
	return classify(err)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return classify(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
