package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
)

type TradeStatus string

const (
	Completed TradeStatus = "completed"
	// Failed is reported to callers only; failed attempts are never persisted.
	Failed TradeStatus = "failed"
)

// Trade is an immutable entry of the append-only trade log. Total is the
// magnitude of the balance movement: gross+commission for a buy,
// gross-commission for a sell.
type Trade struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	InstrumentID   string          `json:"instrument_id"`
	Side           Side            `json:"side"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Commission     decimal.Decimal `json:"commission"`
	Total          decimal.Decimal `json:"total"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Status         TradeStatus     `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BalanceDelta is the signed effect on the account balance: negative for a
// buy, positive for a sell.
func (t *Trade) BalanceDelta() decimal.Decimal {
	if t.Side == Buy {
		return t.Total.Neg()
	}
	return t.Total
}

// QuantityDelta is the signed effect on the account's position.
func (t *Trade) QuantityDelta() int64 {
	if t.Side == Buy {
		return t.Quantity
	}
	return -t.Quantity
}

// InventoryDelta is the signed effect on the instrument's available quantity.
func (t *Trade) InventoryDelta() int64 {
	return -t.QuantityDelta()
}

func (t *Trade) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", t.ID)
	enc.AddString("account_id", t.AccountID)
	enc.AddString("instrument_id", t.InstrumentID)
	enc.AddString("side", string(t.Side))
	enc.AddInt64("quantity", t.Quantity)
	enc.AddString("price", t.Price.String())
	enc.AddString("commission", t.Commission.String())
	enc.AddString("total", t.Total.String())
	enc.AddString("balance_after", t.BalanceAfter.String())
	if t.IdempotencyKey != "" {
		enc.AddString("idempotency_key", t.IdempotencyKey)
	}
	return nil
}
