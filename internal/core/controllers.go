package core

import (
	"fmt"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// applyBalanceDelta is the last line of defense for balance >= 0. Business
// validity is decided before it is called.
func applyBalanceDelta(a *domain.Account, delta decimal.Decimal) error {
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: account %s balance %s delta %s", domain.ErrNegativeBalance, a.ID, a.Balance, delta)
	}
	a.Balance = next
	return nil
}

// applyInventoryDelta is the last line of defense for available quantity >= 0.
func applyInventoryDelta(i *domain.Instrument, delta int64) error {
	next := i.AvailableQuantity + delta
	if next < 0 {
		return fmt.Errorf("%w: instrument %s available %d delta %d", domain.ErrNegativeInventory, i.ID, i.AvailableQuantity, delta)
	}
	i.AvailableQuantity = next
	return nil
}
