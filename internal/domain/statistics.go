package domain

import "github.com/shopspring/decimal"

// RecentTradesLimit bounds Statistics.RecentTrades.
const RecentTradesLimit = 5

// TradeTotals are the store-side aggregates over an account's completed
// trades.
type TradeTotals struct {
	Count      int64
	Invested   decimal.Decimal
	Received   decimal.Decimal
	Commission decimal.Decimal
}

// Add folds t into the totals.
func (tt *TradeTotals) Add(t *Trade) {
	if t.Status != Completed {
		return
	}
	tt.Count++
	tt.Commission = tt.Commission.Add(t.Commission)
	if t.Side == Buy {
		tt.Invested = tt.Invested.Add(t.Total)
	} else {
		tt.Received = tt.Received.Add(t.Total)
	}
}

type Statistics struct {
	TotalTrades     int64           `json:"total_trades"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	TotalReceived   decimal.Decimal `json:"total_received"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	NetInvestment   decimal.Decimal `json:"net_investment"`
	RecentTrades    []*Trade        `json:"recent_trades"`
}

func NewStatistics(totals TradeTotals, recent []*Trade) *Statistics {
	if len(recent) > RecentTradesLimit {
		recent = recent[:RecentTradesLimit]
	}
	if recent == nil {
		recent = []*Trade{}
	}
	return &Statistics{
		TotalTrades:     totals.Count,
		TotalInvested:   totals.Invested,
		TotalReceived:   totals.Received,
		TotalCommission: totals.Commission,
		NetInvestment:   totals.Invested.Sub(totals.Received),
		RecentTrades:    recent,
	}
}

// Position is a net holding for one (account, instrument) pair.
type Position struct {
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Quantity     int64  `json:"quantity"`
}

// PositionDrift reports a materialized counter that disagrees with a full
// replay of the trade log.
type PositionDrift struct {
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Counter      int64  `json:"counter"`
	Replayed     int64  `json:"replayed"`
}
