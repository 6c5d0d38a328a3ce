package core

import (
	"context"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"go.uber.org/zap"
)

// GetStatistics aggregates the account's completed trades. The read never
// takes row locks; results are served from the cache until the next commit on
// the account invalidates them.
//
// The cache generation is read before the repository so that a commit landing
// mid-read turns the fill below into a no-op.
func (e *Engine) GetStatistics(ctx context.Context, accountID string) (*domain.Statistics, error) {
	var (
		gen    uint64
		fillOK bool
	)
	if e.cache != nil {
		if s, err := e.cache.GetStatistics(ctx, accountID); err == nil && s != nil {
			return s, nil
		} else if err != nil {
			e.log.Warn("statistics cache read failed", zap.String("account_id", accountID), zap.Error(err))
		}
		g, err := e.cache.Generation(ctx, accountID)
		if err != nil {
			e.log.Warn("statistics cache generation read failed", zap.String("account_id", accountID), zap.Error(err))
		}
		gen, fillOK = g, err == nil
	}

	if _, err := e.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	totals, err := e.repo.TradeTotals(ctx, accountID)
	if err != nil {
		return nil, err
	}
	recent, err := e.repo.ListTrades(ctx, accountID, domain.RecentTradesLimit)
	if err != nil {
		return nil, err
	}
	s := domain.NewStatistics(totals, recent)

	if fillOK {
		if err := e.cache.SetStatistics(ctx, accountID, gen, s); err != nil {
			e.log.Warn("statistics cache write failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	return s, nil
}
