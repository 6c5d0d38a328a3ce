package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIdempotentReplayReturnsOriginalTrade(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	req := buy("alice", "ACME", 2)
	req.IdempotencyKey = "order-1"

	first, err := e.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := e.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Trade.ID, second.Trade.ID)
	assertDecimal(t, first.NewBalance.String(), second.NewBalance)

	// a later trade does not change what the replay reports
	_, err = e.SubmitOrder(ctx, buy("alice", "ACME", 1))
	require.NoError(t, err)
	third, err := e.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assertDecimal(t, "798", third.NewBalance)

	trades, err := repo.ListTrades(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	acct, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "697", acct.Balance)
}

func TestIdempotencyKeyReusedForDifferentOrder(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	req := buy("alice", "ACME", 2)
	req.IdempotencyKey = "k"
	_, err := e.SubmitOrder(ctx, req)
	require.NoError(t, err)

	req.Quantity = 3
	_, err = e.SubmitOrder(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestIdempotencyKeysAreScopedPerAccount(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedAccount(t, e, "bob", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	a := buy("alice", "ACME", 1)
	a.IdempotencyKey = "same"
	b := buy("bob", "ACME", 1)
	b.IdempotencyKey = "same"

	ra, err := e.SubmitOrder(ctx, a)
	require.NoError(t, err)
	rb, err := e.SubmitOrder(ctx, b)
	require.NoError(t, err)
	assert.False(t, rb.Replayed)
	assert.NotEqual(t, ra.Trade.ID, rb.Trade.ID)
}

func TestIdempotentRetryAfterFundsSpent(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	seedAccount(t, e, "alice", "101")
	seedInstrument(t, e, "ACME", "100", 10)

	req := buy("alice", "ACME", 1)
	req.IdempotencyKey = "only-once"
	_, err := e.SubmitOrder(ctx, req)
	require.NoError(t, err)

	// the balance no longer covers the order, the replay must still succeed
	res, err := e.SubmitOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assertDecimal(t, "0", res.NewBalance)
}

func TestConcurrentIdempotentSubmitsExecuteOnce(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "10000")
	seedInstrument(t, e, "ACME", "10", 100)

	req := buy("alice", "ACME", 3)
	req.IdempotencyKey = "retry-storm"

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.SubmitOrder(ctx, req)
			errs[i] = err
			if err == nil {
				ids[i] = res.Trade.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	trades, err := repo.ListTrades(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestConcurrentBuysNeverOversellInventory(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	const n = 20
	seedInstrument(t, e, "ACME", "10", n-1)
	for i := 0; i < n; i++ {
		seedAccount(t, e, fmt.Sprintf("acct-%d", i), "1000")
	}

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
		other    = make(chan error, n)
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := e.SubmitOrder(ctx, buy(fmt.Sprintf("acct-%d", i), "ACME", 1))
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, domain.ErrInsufficientInventory):
				rejected.Add(1)
			default:
				other <- err
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(other)

	for err := range other {
		t.Errorf("unexpected error: %v", err)
	}
	assert.EqualValues(t, n-1, ok.Load())
	assert.EqualValues(t, 1, rejected.Load())

	inst, err := repo.GetInstrument(ctx, "ACME")
	require.NoError(t, err)
	assert.EqualValues(t, 0, inst.AvailableQuantity)

	drift, err := e.ReconcilePositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestConcurrentBuysNeverOverspendBalance(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	seedAccount(t, e, "alice", "505")
	seedInstrument(t, e, "ACME", "100", 100)

	const n = 10
	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SubmitOrder(ctx, buy("alice", "ACME", 1))
			if err == nil {
				ok.Add(1)
			} else if assert.ErrorIs(t, err, domain.ErrInsufficientFunds) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, ok.Load())
	assert.EqualValues(t, 5, rejected.Load())

	acct, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "0", acct.Balance)
}

func TestConcurrentBuysAndSellsConserveUnits(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t)
	seedInstrument(t, e, "ACME", "5", 50)
	seedInstrument(t, e, "INIT", "7", 50)
	for i := 0; i < 4; i++ {
		seedAccount(t, e, fmt.Sprintf("acct-%d", i), "5000")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for j := 0; j < 25; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				acct := fmt.Sprintf("acct-%d", i)
				inst := []string{"ACME", "INIT"}[j%2]
				req := buy(acct, inst, int64(j%3+1))
				if j%4 == 3 {
					req = sell(acct, inst, 1)
				}
				_, err := e.SubmitOrder(ctx, req)
				if err != nil {
					assert.True(t, domain.IsRejection(err), "unexpected error %v", err)
				}
			}(i, j)
		}
	}
	wg.Wait()

	for _, inst := range []string{"ACME", "INIT"} {
		i, err := repo.GetInstrument(ctx, inst)
		require.NoError(t, err)
		held := int64(0)
		for a := 0; a < 4; a++ {
			p, err := e.GetPosition(ctx, fmt.Sprintf("acct-%d", a), inst)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, p, int64(0))
			held += p
		}
		assert.EqualValues(t, 50, i.AvailableQuantity+held, inst)
	}

	drift, err := e.ReconcilePositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

// contendedRepo injects version conflicts into the first failures account
// writes.
type contendedRepo struct {
	port.Repository
	failures atomic.Int32
	attempts atomic.Int32
}

func (r *contendedRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := r.Repository.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &contendedTx{Tx: tx, repo: r}, nil
}

type contendedTx struct {
	port.Tx
	repo *contendedRepo
}

func (t *contendedTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	t.repo.attempts.Add(1)
	if t.repo.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected", domain.ErrContention)
	}
	return t.Tx.UpdateAccount(ctx, a)
}

func TestContentionIsRetried(t *testing.T) {
	ctx := context.Background()
	seeder, repo := newTestEngine(t)
	seedAccount(t, seeder, "alice", "1000")
	seedInstrument(t, seeder, "ACME", "100", 10)

	cr := &contendedRepo{Repository: repo}
	cr.failures.Store(2)
	e := NewEngine(cr, nil, WithRetryBackoff(0))

	res, err := e.SubmitOrder(ctx, buy("alice", "ACME", 1))
	require.NoError(t, err)
	assertDecimal(t, "899", res.NewBalance)
	assert.EqualValues(t, 3, cr.attempts.Load())

	trades, err := repo.ListTrades(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestContentionSurfacesAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	seeder, repo := newTestEngine(t)
	seedAccount(t, seeder, "alice", "1000")
	seedInstrument(t, seeder, "ACME", "100", 10)

	cr := &contendedRepo{Repository: repo}
	cr.failures.Store(100)
	e := NewEngine(cr, nil, WithRetryBackoff(0), WithMaxRetries(2))

	_, err := e.SubmitOrder(ctx, buy("alice", "ACME", 1))
	require.ErrorIs(t, err, domain.ErrContention)
	assert.EqualValues(t, 3, cr.attempts.Load())
	assert.False(t, domain.IsRejection(err))

	acct, err := repo.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "1000", acct.Balance)
	inst, err := repo.GetInstrument(ctx, "ACME")
	require.NoError(t, err)
	assert.EqualValues(t, 10, inst.AvailableQuantity)
}

func TestCommittedOrderInvalidatesStatistics(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	seedAccount(t, e, "alice", "1000")
	seedInstrument(t, e, "ACME", "100", 10)

	s, err := e.GetStatistics(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, s.TotalTrades)

	_, err = e.SubmitOrder(ctx, buy("alice", "ACME", 1))
	require.NoError(t, err)

	s, err = e.GetStatistics(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.TotalTrades)
	assertDecimal(t, "101", s.TotalInvested)
}

func TestRejectionInsideUnitOfWorkIsLoggedAtInfo(t *testing.T) {
	ctx := context.Background()
	obs, logs := observer.New(zapcore.DebugLevel)
	e, _ := newTestEngine(t, WithLogger(zap.New(obs)))
	seedAccount(t, e, "alice", "10")
	seedInstrument(t, e, "ACME", "100", 10)

	// a keyed order skips the precheck, so the unit of work rejects it
	req := buy("alice", "ACME", 1)
	req.IdempotencyKey = "k"
	_, err := e.SubmitOrder(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	rejected := logs.FilterMessage("order rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, zapcore.InfoLevel, rejected[0].Level)
	assert.Equal(t, "insufficient_funds", rejected[0].ContextMap()["reason"])
	assert.Equal(t, "alice", rejected[0].ContextMap()["account_id"])
	assert.Empty(t, logs.FilterLevelExact(zapcore.ErrorLevel).All())
}
