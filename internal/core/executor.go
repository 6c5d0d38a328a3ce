package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
	"go.uber.org/zap"
)

// SubmitOrder executes one buy or sell as a single unit of work.
//
// Cheap lock-free checks run first so obviously invalid orders never touch a
// lock. The unit of work then locks the account and the instrument, in that
// order, re-validates against the locked rows and applies every mutation or
// none. Version conflicts are retried up to the configured bound and then
// surfaced as domain.ErrContention. A request with an IdempotencyKey that was
// already committed for the account returns the original result unchanged.
func (e *Engine) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		if err := e.precheck(ctx, req); err != nil {
			return nil, err
		}
	}

	log := e.log.With(
		zap.String("account_id", req.AccountID),
		zap.String("instrument_id", req.InstrumentID),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity))

	for attempt := 0; ; attempt++ {
		// Nothing has been applied yet, so the caller may still walk away.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := e.execute(ctx, req)
		if err == nil {
			if !res.Replayed {
				e.invalidateStats(context.WithoutCancel(ctx), req.AccountID)
				e.log.Debug("order committed", zap.Object("trade", res.Trade))
			}
			return res, nil
		}

		switch {
		case domain.IsRejection(err):
			log.Info("order rejected", zap.String("reason", domain.Kind(err)))
			return nil, err
		case domain.IsInvariantViolation(err):
			log.Error("ledger invariant violated, unit of work rolled back", zap.Error(err), zap.Stack("stack"))
			return nil, err
		case errors.Is(err, domain.ErrContention) && attempt < e.maxRetries:
			log.Warn("order contention, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			if err := e.sleep(ctx, time.Duration(attempt+1)*e.backoff); err != nil {
				return nil, err
			}
			continue
		case errors.Is(err, domain.ErrContention):
			log.Warn("order contention, retries exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return nil, err
		case errors.Is(err, domain.ErrStoreUnavailable):
			log.Error("ledger store unavailable", zap.Error(err))
			return nil, err
		}
		return nil, err
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// precheck validates against committed state without locks. The unit of work
// repeats every check authoritatively.
func (e *Engine) precheck(ctx context.Context, req domain.OrderRequest) error {
	inst, err := e.repo.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		return err
	}
	acct, err := e.repo.GetAccount(ctx, req.AccountID)
	if err != nil {
		return err
	}
	var held int64
	if req.Side == domain.Sell {
		if held, err = e.repo.GetPosition(ctx, req.AccountID, req.InstrumentID); err != nil {
			return err
		}
	}
	_, err = e.validate(req, acct, inst, held)
	return err
}

// validate applies the business rules to one consistent view of account,
// instrument and position.
func (e *Engine) validate(req domain.OrderRequest, acct *domain.Account, inst *domain.Instrument, held int64) (Quote, error) {
	if !inst.Active {
		return Quote{}, fmt.Errorf("%w: %s is not available for trading", domain.ErrInstrumentInactive, inst.Symbol)
	}
	if req.Side == domain.Buy && inst.AvailableQuantity < req.Quantity {
		return Quote{}, fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientInventory, req.Quantity, inst.AvailableQuantity)
	}
	q := e.pricing.Quote(req.Side, inst.Price, req.Quantity)
	switch req.Side {
	case domain.Buy:
		if acct.Balance.LessThan(q.Total) {
			return Quote{}, fmt.Errorf("%w: balance %s, required %s", domain.ErrInsufficientFunds, acct.Balance, q.Total)
		}
	case domain.Sell:
		if held < req.Quantity {
			return Quote{}, fmt.Errorf("%w: holding %d, selling %d", domain.ErrInsufficientPosition, held, req.Quantity)
		}
	}
	return q, nil
}

// execute runs one attempt. Lock waits honor ctx; once both rows are held the
// unit of work runs on a detached context so a departing caller cannot tear a
// half-applied order.
func (e *Engine) execute(ctx context.Context, req domain.OrderRequest) (*domain.ExecutionResult, error) {
	work := context.WithoutCancel(ctx)
	var res *domain.ExecutionResult
	err := withTx(work, e.repo, func(tx port.Tx) error {
		// Lock order is account, then instrument, for every order.
		acct, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			prior, err := tx.FindTradeByIdempotencyKey(work, req.AccountID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if !req.Matches(prior) {
					return fmt.Errorf("%w: key %q was used for trade %s", domain.ErrIdempotencyConflict, req.IdempotencyKey, prior.ID)
				}
				res = &domain.ExecutionResult{Trade: prior, NewBalance: prior.BalanceAfter, Replayed: true}
				return nil
			}
		}

		inst, err := tx.LockInstrument(ctx, req.InstrumentID)
		if err != nil {
			return err
		}

		var held int64
		if req.Side == domain.Sell {
			if held, err = position(work, tx, acct.ID, inst.ID); err != nil {
				return err
			}
		}
		q, err := e.validate(req, acct, inst, held)
		if err != nil {
			return err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		trade := &domain.Trade{
			ID:             id.String(),
			AccountID:      acct.ID,
			InstrumentID:   inst.ID,
			Side:           req.Side,
			Quantity:       req.Quantity,
			Price:          q.Price,
			Commission:     q.Commission,
			Total:          q.Total,
			Status:         domain.Completed,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      e.now().UTC(),
		}
		if err := applyBalanceDelta(acct, trade.BalanceDelta()); err != nil {
			return err
		}
		if err := applyInventoryDelta(inst, trade.InventoryDelta()); err != nil {
			return err
		}
		trade.BalanceAfter = acct.Balance

		if err := tx.UpdateAccount(work, acct); err != nil {
			return err
		}
		if err := tx.UpdateInstrument(work, inst); err != nil {
			return err
		}
		if err := tx.InsertTrade(work, trade); err != nil {
			return err
		}
		if err := applyPositionDelta(work, tx, trade); err != nil {
			return err
		}

		res = &domain.ExecutionResult{Trade: trade, NewBalance: acct.Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
