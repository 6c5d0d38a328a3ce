package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateAccount registers an account with an opening balance.
func (e *Engine) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) (*domain.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidArgument)
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance %s is negative", domain.ErrInvalidArgument, balance)
	}
	acct := &domain.Account{ID: id, Balance: balance}
	err := withTx(ctx, e.repo, func(tx port.Tx) error {
		return tx.CreateAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("account created", zap.String("account_id", id), zap.String("balance", balance.String()))
	return acct, nil
}

// CreateInstrument adds a catalog entry. The id defaults to the symbol.
func (e *Engine) CreateInstrument(ctx context.Context, in domain.Instrument) (*domain.Instrument, error) {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	if in.ID == "" {
		in.ID = in.Symbol
	}
	switch {
	case in.ID == "" || in.Symbol == "":
		return nil, fmt.Errorf("%w: instrument symbol is required", domain.ErrInvalidArgument)
	case !in.Price.IsPositive():
		return nil, fmt.Errorf("%w: price must be positive, got %s", domain.ErrInvalidArgument, in.Price)
	case in.AvailableQuantity < 0:
		return nil, fmt.Errorf("%w: available quantity must not be negative, got %d", domain.ErrInvalidArgument, in.AvailableQuantity)
	}
	in.Version = 0
	err := withTx(ctx, e.repo, func(tx port.Tx) error {
		return tx.CreateInstrument(ctx, &in)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("instrument created",
		zap.String("instrument_id", in.ID),
		zap.String("price", in.Price.String()),
		zap.Int64("available", in.AvailableQuantity))
	return &in, nil
}

// UpdateInstrument applies catalog edits under the instrument's row lock, so
// an edit never interleaves with an order against the same instrument.
// Available quantity is not editable here.
func (e *Engine) UpdateInstrument(ctx context.Context, id string, upd domain.InstrumentUpdate) (*domain.Instrument, error) {
	if upd.Price != nil && !upd.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive, got %s", domain.ErrInvalidArgument, *upd.Price)
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, fmt.Errorf("%w: name must not be empty", domain.ErrInvalidArgument)
	}
	return e.editInstrument(ctx, id, func(i *domain.Instrument) {
		if upd.Name != nil {
			i.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Price != nil {
			i.Price = *upd.Price
		}
		if upd.Active != nil {
			i.Active = *upd.Active
		}
	})
}

// ToggleInstrument flips the active flag.
func (e *Engine) ToggleInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	return e.editInstrument(ctx, id, func(i *domain.Instrument) {
		i.Active = !i.Active
	})
}

func (e *Engine) editInstrument(ctx context.Context, id string, edit func(*domain.Instrument)) (*domain.Instrument, error) {
	var out *domain.Instrument
	err := withTx(ctx, e.repo, func(tx port.Tx) error {
		inst, err := tx.LockInstrument(ctx, id)
		if err != nil {
			return err
		}
		edit(inst)
		if err := tx.UpdateInstrument(ctx, inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("instrument updated",
		zap.String("instrument_id", out.ID),
		zap.String("price", out.Price.String()),
		zap.Bool("active", out.Active))
	return out, nil
}

func (e *Engine) ListInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	return e.repo.ListInstruments(ctx)
}

// GetBalance returns the wallet view of the account.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (*domain.Wallet, error) {
	acct, err := e.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.Wallet{AccountID: acct.ID, Balance: acct.Balance, Currency: e.currency}, nil
}

// ListTrades returns the account's trades, newest first.
func (e *Engine) ListTrades(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	if _, err := e.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	trades, err := e.repo.ListTrades(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	return trades, nil
}

// GetTrade returns one trade owned by accountID. Trades of other accounts are
// reported as not found.
func (e *Engine) GetTrade(ctx context.Context, accountID, tradeID string) (*domain.Trade, error) {
	return e.repo.GetTrade(ctx, accountID, tradeID)
}
