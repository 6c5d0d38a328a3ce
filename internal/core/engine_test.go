package core

import (
	"context"
	"testing"
	"time"

	"github.com/olyamironova/ledger-engine/internal/adapter/in_memory"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t testingT, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func newTestEngine(t testingT, opts ...EngineOption) (*Engine, *in_memory.MemoryRepo) {
	t.Helper()
	repo := in_memory.NewMemoryRepo()
	opts = append([]EngineOption{WithRetryBackoff(0)}, opts...)
	return NewEngine(repo, in_memory.NewCache(), opts...), repo
}

func seedAccount(t testingT, e *Engine, id, balance string) {
	t.Helper()
	_, err := e.CreateAccount(context.Background(), id, dec(balance))
	require.NoError(t, err)
}

func seedInstrument(t testingT, e *Engine, symbol, price string, available int64) {
	t.Helper()
	_, err := e.CreateInstrument(context.Background(), domain.Instrument{
		Symbol:            symbol,
		Name:              symbol + " Corp",
		Price:             dec(price),
		AvailableQuantity: available,
		Active:            true,
	})
	require.NoError(t, err)
}

func buy(acct, inst string, qty int64) domain.OrderRequest {
	return domain.OrderRequest{AccountID: acct, InstrumentID: inst, Side: domain.Buy, Quantity: qty}
}

func sell(acct, inst string, qty int64) domain.OrderRequest {
	return domain.OrderRequest{AccountID: acct, InstrumentID: inst, Side: domain.Sell, Quantity: qty}
}

func TestBuyDebitsPriceTimesQuantityPlusCommission(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "1000.00")
	seedInstrument(t, e, "ACME", "100.00", 10)

	res, err := e.SubmitOrder(ctx, buy("alice", "ACME", 5))
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.False(t, res.Replayed)

	tr := res.Trade
	assert.Equal(t, domain.Buy, tr.Side)
	assert.Equal(t, domain.Completed, tr.Status)
	assert.EqualValues(t, 5, tr.Quantity)
	assertDecimal(t, "100", tr.Price)
	assertDecimal(t, "5", tr.Commission)
	assertDecimal(t, "505", tr.Total)
	assertDecimal(t, "-505", tr.BalanceDelta())
	assertDecimal(t, "495", res.NewBalance)
	assertDecimal(t, "495", tr.BalanceAfter)
	assert.NotEmpty(t, tr.ID)

	inst, err := repo.GetInstrument(ctx, "ACME")
	require.NoError(t, err)
	assert.EqualValues(t, 5, inst.AvailableQuantity)

	pos, err := e.GetPosition(ctx, "alice", "ACME")
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos)

	trades, err := e.ListTrades(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSellCreditsGrossMinusCommission(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	_, err := e.SubmitOrder(ctx, buy("alice", "ACME", 5))
	require.NoError(t, err)

	res, err := e.SubmitOrder(ctx, sell("alice", "ACME", 2))
	require.NoError(t, err)
	assertDecimal(t, "2", res.Trade.Commission)
	assertDecimal(t, "198", res.Trade.Total)
	assertDecimal(t, "693", res.NewBalance)

	inst, err := repo.GetInstrument(ctx, "ACME")
	require.NoError(t, err)
	assert.EqualValues(t, 7, inst.AvailableQuantity)

	pos, err := e.GetPosition(ctx, "alice", "ACME")
	require.NoError(t, err)
	assert.EqualValues(t, 3, pos)
}

func TestCommissionIsExact(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	seedAccount(t, e, "alice", "100")
	seedInstrument(t, e, "PENNY", "0.33", 100)

	res, err := e.SubmitOrder(ctx, buy("alice", "PENNY", 7))
	require.NoError(t, err)
	// 0.33*7 = 2.31, commission 0.0231, no rounding
	assertDecimal(t, "0.0231", res.Trade.Commission)
	assertDecimal(t, "2.3331", res.Trade.Total)
	assertDecimal(t, "97.6669", res.NewBalance)
}

func TestRejectionsLeaveNoTrace(t *testing.T) {
	cases := []struct {
		name    string
		balance string
		req     domain.OrderRequest
		setup   func(t *testing.T, e *Engine)
		want    error
	}{
		{
			name:    "insufficient funds",
			balance: "50.00",
			req:     buy("alice", "ACME", 1),
			want:    domain.ErrInsufficientFunds,
		},
		{
			name:    "sell without position",
			balance: "1000",
			req:     sell("alice", "ACME", 1),
			want:    domain.ErrInsufficientPosition,
		},
		{
			name:    "insufficient inventory",
			balance: "100000",
			req:     buy("alice", "ACME", 11),
			want:    domain.ErrInsufficientInventory,
		},
		{
			name:    "zero quantity",
			balance: "1000",
			req:     buy("alice", "ACME", 0),
			want:    domain.ErrInvalidQuantity,
		},
		{
			name:    "negative quantity",
			balance: "1000",
			req:     sell("alice", "ACME", -3),
			want:    domain.ErrInvalidQuantity,
		},
		{
			name:    "unknown side",
			balance: "1000",
			req:     domain.OrderRequest{AccountID: "alice", InstrumentID: "ACME", Side: "hold", Quantity: 1},
			want:    domain.ErrInvalidSide,
		},
		{
			name:    "unknown instrument",
			balance: "1000",
			req:     buy("alice", "NOPE", 1),
			want:    domain.ErrInstrumentNotFound,
		},
		{
			name:    "unknown account",
			balance: "1000",
			req:     buy("bob", "ACME", 1),
			want:    domain.ErrAccountNotFound,
		},
		{
			name:    "inactive instrument",
			balance: "1000",
			req:     buy("alice", "ACME", 1),
			setup: func(t *testing.T, e *Engine) {
				_, err := e.ToggleInstrument(context.Background(), "ACME")
				require.NoError(t, err)
			},
			want: domain.ErrInstrumentInactive,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e, repo := newTestEngine(t)
			seedAccount(t, e, "alice", tc.balance)
			seedInstrument(t, e, "ACME", "100.00", 10)
			if tc.setup != nil {
				tc.setup(t, e)
			}

			res, err := e.SubmitOrder(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, res)
			assert.True(t, domain.IsRejection(err))

			acct, err := repo.GetAccount(ctx, "alice")
			require.NoError(t, err)
			assertDecimal(t, tc.balance, acct.Balance)

			inst, err := repo.GetInstrument(ctx, "ACME")
			require.NoError(t, err)
			assert.EqualValues(t, 10, inst.AvailableQuantity)

			trades, err := repo.ListTrades(ctx, "alice", 0)
			require.NoError(t, err)
			assert.Empty(t, trades)
		})
	}
}

func TestGetPositionUnknownAccount(t *testing.T) {
	e, _ := newTestEngine(t)
	seedInstrument(t, e, "ACME", "1", 1)

	_, err := e.GetPosition(context.Background(), "ghost", "ACME")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestCancelledBeforeStartHasNoEffect(t *testing.T) {
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SubmitOrder(ctx, buy("alice", "ACME", 1))
	require.ErrorIs(t, err, context.Canceled)

	trades, err := repo.ListTrades(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestLockWaitHonorsCallerDeadline(t *testing.T) {
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	holder, err := repo.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = holder.LockAccount(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = e.SubmitOrder(ctx, buy("alice", "ACME", 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, holder.Rollback(context.Background()))

	acct, err := repo.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assertDecimal(t, "1000", acct.Balance)
	trades, err := repo.ListTrades(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// the row is free again once the holder lets go
	_, err = e.SubmitOrder(context.Background(), buy("alice", "ACME", 1))
	require.NoError(t, err)
}

func TestCustomCommissionRate(t *testing.T) {
	e, _ := newTestEngine(t, WithCommissionRate(dec("0.025")))
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "40", 10)

	res, err := e.SubmitOrder(context.Background(), buy("alice", "ACME", 2))
	require.NoError(t, err)
	assertDecimal(t, "2", res.Trade.Commission)
	assertDecimal(t, "82", res.Trade.Total)
	assertDecimal(t, "0.025", e.CommissionRate())
}
