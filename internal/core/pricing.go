package core

import (
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type Pricing struct {
	CommissionRate decimal.Decimal
}

// Quote is the economics of one order at a given unit price.
type Quote struct {
	Price      decimal.Decimal
	Gross      decimal.Decimal
	Commission decimal.Decimal
	Total      decimal.Decimal
}

// Quote computes gross = price*qty, commission = gross*rate, and the total
// balance movement: gross+commission for a buy, gross-commission for a sell.
// No rounding is applied.
func (p Pricing) Quote(side domain.Side, price decimal.Decimal, qty int64) Quote {
	gross := price.Mul(decimal.NewFromInt(qty))
	commission := gross.Mul(p.CommissionRate)
	total := gross.Add(commission)
	if side == domain.Sell {
		total = gross.Sub(commission)
	}
	return Quote{Price: price, Gross: gross, Commission: commission, Total: total}
}
