package port

import (
	"context"

	"github.com/olyamironova/ledger-engine/internal/domain"
)

// Repository is the Ledger Store. Reads on Repository see committed state
// only and never take row locks; every mutation goes through a Tx.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetInstrument(ctx context.Context, id string) (*domain.Instrument, error)
	ListInstruments(ctx context.Context) ([]*domain.Instrument, error)
	GetPosition(ctx context.Context, accountID, instrumentID string) (int64, error)

	// Trade log read path. ListTrades returns newest first; limit <= 0 means
	// no limit.
	GetTrade(ctx context.Context, accountID, tradeID string) (*domain.Trade, error)
	ListTrades(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error)
	TradeTotals(ctx context.Context, accountID string) (domain.TradeTotals, error)

	// Reconciliation: every materialized counter, and every position rebuilt
	// from the trade log.
	ListPositionCounters(ctx context.Context) ([]domain.Position, error)
	ReplayPositions(ctx context.Context) ([]domain.Position, error)

	Close(ctx context.Context)
}

// Tx is one unit of work. Lock* reads a row and holds it exclusively until
// Commit or Rollback. Update* are conditional on the Version carried by the
// argument and fail with domain.ErrContention when it no longer matches; on
// success the argument's Version is advanced.
type Tx interface {
	LockAccount(ctx context.Context, id string) (*domain.Account, error)
	LockInstrument(ctx context.Context, id string) (*domain.Instrument, error)

	PositionCounter(ctx context.Context, accountID, instrumentID string) (int64, error)
	ReplayPosition(ctx context.Context, accountID, instrumentID string) (int64, error)
	SetPositionCounter(ctx context.Context, accountID, instrumentID string, qty int64) error

	// FindTradeByIdempotencyKey returns nil, nil when the key is unused.
	FindTradeByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Trade, error)

	UpdateAccount(ctx context.Context, a *domain.Account) error
	UpdateInstrument(ctx context.Context, i *domain.Instrument) error
	InsertTrade(ctx context.Context, t *domain.Trade) error

	CreateAccount(ctx context.Context, a *domain.Account) error
	CreateInstrument(ctx context.Context, i *domain.Instrument) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
