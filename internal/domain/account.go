package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds spendable funds. Version is bumped on every committed write
// and guards conditional updates.
type Account struct {
	ID        string
	Balance   decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Instrument is a tradable catalog entry with a single quoted price and a
// finite float.
type Instrument struct {
	ID                string
	Symbol            string
	Name              string
	Price             decimal.Decimal
	AvailableQuantity int64
	Active            bool
	Version           int64
	UpdatedAt         time.Time
}

// InstrumentUpdate carries catalog edits; nil fields are left unchanged.
type InstrumentUpdate struct {
	Name   *string
	Price  *decimal.Decimal
	Active *bool
}

// Wallet is the balance view of an account.
type Wallet struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
}
