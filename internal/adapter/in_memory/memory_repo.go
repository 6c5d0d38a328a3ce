package in_memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
)

type pairKey struct {
	account string
	other   string
}

// MemoryRepo is a process-local Ledger Store. Committed state lives behind mu;
// row locks are per-row semaphores so a unit of work only ever waits on the
// rows it touches.
type MemoryRepo struct {
	mu          sync.RWMutex
	accounts    map[string]domain.Account
	instruments map[string]domain.Instrument
	positions   map[pairKey]int64
	trades      []*domain.Trade
	tradesByID  map[string]*domain.Trade
	tradesByKey map[pairKey]*domain.Trade

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ port.Repository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		accounts:    make(map[string]domain.Account),
		instruments: make(map[string]domain.Instrument),
		positions:   make(map[pairKey]int64),
		tradesByID:  make(map[string]*domain.Trade),
		tradesByKey: make(map[pairKey]*domain.Trade),
		locks:       make(map[string]chan struct{}),
	}
}

func (r *MemoryRepo) rowLock(key string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[key] = l
	}
	return l
}

func (r *MemoryRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		repo:        r,
		held:        make(map[string]chan struct{}),
		accounts:    make(map[string]staged[domain.Account]),
		instruments: make(map[string]staged[domain.Instrument]),
		positions:   make(map[pairKey]int64),
	}, nil
}

func (r *MemoryRepo) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return &a, nil
}

func (r *MemoryRepo) GetInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstrumentNotFound, id)
	}
	return &i, nil
}

func (r *MemoryRepo) ListInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*domain.Instrument, 0, len(r.instruments))
	for _, i := range r.instruments {
		i := i
		res = append(res, &i)
	}
	sort.Slice(res, func(a, b int) bool { return res[a].Symbol < res[b].Symbol })
	return res, nil
}

func (r *MemoryRepo) GetPosition(ctx context.Context, accountID, instrumentID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.positions[pairKey{accountID, instrumentID}], nil
}

func (r *MemoryRepo) GetTrade(ctx context.Context, accountID, tradeID string) (*domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tradesByID[tradeID]
	if !ok || t.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s", domain.ErrTradeNotFound, tradeID)
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepo) ListTrades(ctx context.Context, accountID string, limit int) ([]*domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*domain.Trade
	for i := len(r.trades) - 1; i >= 0; i-- {
		t := r.trades[i]
		if t.AccountID != accountID {
			continue
		}
		cp := *t
		res = append(res, &cp)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *MemoryRepo) TradeTotals(ctx context.Context, accountID string) (domain.TradeTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var totals domain.TradeTotals
	for _, t := range r.trades {
		if t.AccountID == accountID {
			totals.Add(t)
		}
	}
	return totals, nil
}

func (r *MemoryRepo) ListPositionCounters(ctx context.Context) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedPositions(r.positions), nil
}

func (r *MemoryRepo) ReplayPositions(ctx context.Context) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	replayed := make(map[pairKey]int64)
	for _, t := range r.trades {
		if t.Status != domain.Completed {
			continue
		}
		replayed[pairKey{t.AccountID, t.InstrumentID}] += t.QuantityDelta()
	}
	return sortedPositions(replayed), nil
}

func (r *MemoryRepo) Close(ctx context.Context) {}

func sortedPositions(m map[pairKey]int64) []domain.Position {
	res := make([]domain.Position, 0, len(m))
	for k, q := range m {
		res = append(res, domain.Position{AccountID: k.account, InstrumentID: k.other, Quantity: q})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].AccountID != res[j].AccountID {
			return res[i].AccountID < res[j].AccountID
		}
		return res[i].InstrumentID < res[j].InstrumentID
	})
	return res
}

// staged is a pending row write. base is the committed version the write was
// derived from; created marks an insert.
type staged[T any] struct {
	row     T
	base    int64
	created bool
}

type memTx struct {
	repo *MemoryRepo

	held        map[string]chan struct{}
	order       []string
	accounts    map[string]staged[domain.Account]
	instruments map[string]staged[domain.Instrument]
	positions   map[pairKey]int64
	trades      []*domain.Trade
	done        bool
}

var _ port.Tx = (*memTx)(nil)

func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.done {
		return fmt.Errorf("in_memory: tx already finished")
	}
	if _, ok := tx.held[key]; ok {
		return nil
	}
	l := tx.repo.rowLock(key)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	tx.held[key] = l
	tx.order = append(tx.order, key)
	return nil
}

func (tx *memTx) release() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		<-tx.held[tx.order[i]]
	}
	tx.held = nil
	tx.order = nil
	tx.done = true
}

func (tx *memTx) LockAccount(ctx context.Context, id string) (*domain.Account, error) {
	if err := tx.lock(ctx, "account:"+id); err != nil {
		return nil, err
	}
	if s, ok := tx.accounts[id]; ok {
		a := s.row
		return &a, nil
	}
	return tx.repo.GetAccount(ctx, id)
}

func (tx *memTx) LockInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	if err := tx.lock(ctx, "instrument:"+id); err != nil {
		return nil, err
	}
	if s, ok := tx.instruments[id]; ok {
		i := s.row
		return &i, nil
	}
	return tx.repo.GetInstrument(ctx, id)
}

func (tx *memTx) PositionCounter(ctx context.Context, accountID, instrumentID string) (int64, error) {
	k := pairKey{accountID, instrumentID}
	if q, ok := tx.positions[k]; ok {
		return q, nil
	}
	return tx.repo.GetPosition(ctx, accountID, instrumentID)
}

func (tx *memTx) ReplayPosition(ctx context.Context, accountID, instrumentID string) (int64, error) {
	var q int64
	sum := func(t *domain.Trade) {
		if t.AccountID == accountID && t.InstrumentID == instrumentID && t.Status == domain.Completed {
			q += t.QuantityDelta()
		}
	}
	tx.repo.mu.RLock()
	for _, t := range tx.repo.trades {
		sum(t)
	}
	tx.repo.mu.RUnlock()
	for _, t := range tx.trades {
		sum(t)
	}
	return q, nil
}

func (tx *memTx) SetPositionCounter(ctx context.Context, accountID, instrumentID string, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("%w: position counter %s/%s would be %d", domain.ErrInsufficientPosition, accountID, instrumentID, qty)
	}
	tx.positions[pairKey{accountID, instrumentID}] = qty
	return nil
}

func (tx *memTx) FindTradeByIdempotencyKey(ctx context.Context, accountID, key string) (*domain.Trade, error) {
	for _, t := range tx.trades {
		if t.AccountID == accountID && t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	if t, ok := tx.repo.tradesByKey[pairKey{accountID, key}]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (tx *memTx) UpdateAccount(ctx context.Context, a *domain.Account) error {
	s, ok := tx.accounts[a.ID]
	if !ok {
		cur, err := tx.repo.GetAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		s = staged[domain.Account]{row: *cur, base: cur.Version}
	}
	if s.row.Version != a.Version {
		return fmt.Errorf("%w: account %s version %d, have %d", domain.ErrContention, a.ID, s.row.Version, a.Version)
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	s.row = *a
	tx.accounts[a.ID] = s
	return nil
}

func (tx *memTx) UpdateInstrument(ctx context.Context, i *domain.Instrument) error {
	s, ok := tx.instruments[i.ID]
	if !ok {
		cur, err := tx.repo.GetInstrument(ctx, i.ID)
		if err != nil {
			return err
		}
		s = staged[domain.Instrument]{row: *cur, base: cur.Version}
	}
	if s.row.Version != i.Version {
		return fmt.Errorf("%w: instrument %s version %d, have %d", domain.ErrContention, i.ID, s.row.Version, i.Version)
	}
	i.Version++
	i.UpdatedAt = time.Now().UTC()
	s.row = *i
	tx.instruments[i.ID] = s
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if t == nil {
		return fmt.Errorf("in_memory: nil trade")
	}
	tx.repo.mu.RLock()
	_, dup := tx.repo.tradesByID[t.ID]
	tx.repo.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: trade %s", domain.ErrAlreadyExists, t.ID)
	}
	cp := *t
	tx.trades = append(tx.trades, &cp)
	return nil
}

func (tx *memTx) CreateAccount(ctx context.Context, a *domain.Account) error {
	if _, ok := tx.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", domain.ErrAlreadyExists, a.ID)
	}
	if _, err := tx.repo.GetAccount(ctx, a.ID); err == nil {
		return fmt.Errorf("%w: account %s", domain.ErrAlreadyExists, a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	tx.accounts[a.ID] = staged[domain.Account]{row: *a, created: true}
	return nil
}

func (tx *memTx) CreateInstrument(ctx context.Context, i *domain.Instrument) error {
	if _, ok := tx.instruments[i.ID]; ok {
		return fmt.Errorf("%w: instrument %s", domain.ErrAlreadyExists, i.ID)
	}
	if _, err := tx.repo.GetInstrument(ctx, i.ID); err == nil {
		return fmt.Errorf("%w: instrument %s", domain.ErrAlreadyExists, i.ID)
	}
	i.UpdatedAt = time.Now().UTC()
	tx.instruments[i.ID] = staged[domain.Instrument]{row: *i, created: true}
	return nil
}

// Commit re-checks every staged row against committed state and applies all
// of them, or none.
func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("in_memory: tx already finished")
	}
	defer tx.release()

	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range tx.accounts {
		cur, exists := r.accounts[id]
		if s.created && exists {
			return fmt.Errorf("%w: account %s", domain.ErrAlreadyExists, id)
		}
		if !s.created && (!exists || cur.Version != s.base) {
			return fmt.Errorf("%w: account %s changed underneath", domain.ErrContention, id)
		}
	}
	for id, s := range tx.instruments {
		cur, exists := r.instruments[id]
		if s.created && exists {
			return fmt.Errorf("%w: instrument %s", domain.ErrAlreadyExists, id)
		}
		if !s.created && (!exists || cur.Version != s.base) {
			return fmt.Errorf("%w: instrument %s changed underneath", domain.ErrContention, id)
		}
	}
	for _, t := range tx.trades {
		if _, ok := r.tradesByID[t.ID]; ok {
			return fmt.Errorf("%w: trade %s", domain.ErrAlreadyExists, t.ID)
		}
		if t.IdempotencyKey != "" {
			if _, ok := r.tradesByKey[pairKey{t.AccountID, t.IdempotencyKey}]; ok {
				return fmt.Errorf("%w: idempotency key %s", domain.ErrAlreadyExists, t.IdempotencyKey)
			}
		}
	}

	for id, s := range tx.accounts {
		r.accounts[id] = s.row
	}
	for id, s := range tx.instruments {
		r.instruments[id] = s.row
	}
	for k, q := range tx.positions {
		r.positions[k] = q
	}
	for _, t := range tx.trades {
		r.trades = append(r.trades, t)
		r.tradesByID[t.ID] = t
		if t.IdempotencyKey != "" {
			r.tradesByKey[pairKey{t.AccountID, t.IdempotencyKey}] = t
		}
	}
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}
