package core

import (
	"testing"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	p := Pricing{CommissionRate: DefaultCommissionRate}

	q := p.Quote(domain.Buy, dec("100.00"), 5)
	assertDecimal(t, "500", q.Gross)
	assertDecimal(t, "5", q.Commission)
	assertDecimal(t, "505", q.Total)

	q = p.Quote(domain.Sell, dec("100.00"), 5)
	assertDecimal(t, "495", q.Total)
}

func TestBalanceGuard(t *testing.T) {
	a := &domain.Account{ID: "alice", Balance: dec("10")}

	require.NoError(t, applyBalanceDelta(a, dec("-10")))
	assertDecimal(t, "0", a.Balance)

	err := applyBalanceDelta(a, dec("-0.0001"))
	assert.ErrorIs(t, err, domain.ErrNegativeBalance)
	assert.True(t, domain.IsInvariantViolation(err))
	assertDecimal(t, "0", a.Balance)
}

func TestInventoryGuard(t *testing.T) {
	i := &domain.Instrument{ID: "ACME", AvailableQuantity: 2}

	require.NoError(t, applyInventoryDelta(i, -2))
	assert.Zero(t, i.AvailableQuantity)

	err := applyInventoryDelta(i, -1)
	assert.ErrorIs(t, err, domain.ErrNegativeInventory)
	assert.Zero(t, i.AvailableQuantity)

	require.NoError(t, applyInventoryDelta(i, 4))
	assert.EqualValues(t, 4, i.AvailableQuantity)
}
