package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: %q, must be one of: buy, sell", ErrInvalidSide, s)
}

// OrderRequest is a single instantaneous full-fill order at the instrument's
// quoted price. AccountID is trusted as given by the caller.
type OrderRequest struct {
	AccountID      string
	InstrumentID   string
	Side           Side
	Quantity       int64
	IdempotencyKey string
}

func (r OrderRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: empty account id", ErrAccountNotFound)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: %q", ErrInvalidSide, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer, got %d", ErrInvalidQuantity, r.Quantity)
	}
	if r.InstrumentID == "" {
		return fmt.Errorf("%w: empty instrument id", ErrInstrumentNotFound)
	}
	return nil
}

// Matches reports whether t is the trade this request produced. Used to reject
// an idempotency key reused for a different order.
func (r OrderRequest) Matches(t *Trade) bool {
	return t.AccountID == r.AccountID &&
		t.InstrumentID == r.InstrumentID &&
		t.Side == r.Side &&
		t.Quantity == r.Quantity
}

// ExecutionResult is what a successful SubmitOrder returns. Replayed is set
// when the result was served from an earlier commit with the same idempotency
// key.
type ExecutionResult struct {
	Trade      *Trade
	NewBalance decimal.Decimal
	Replayed   bool
}
