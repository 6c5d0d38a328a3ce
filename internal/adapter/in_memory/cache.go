package in_memory

import (
	"context"
	"sync"
	"time"

	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/port"
)

type cacheEntry struct {
	stats   *domain.Statistics
	expires time.Time
}

// Cache is the in-process statistics cache. Entries expire after ttl; a zero
// ttl keeps them until the account is invalidated.
type Cache struct {
	mu    sync.Mutex
	store map[string]cacheEntry
	gens  map[string]uint64
	ttl   time.Duration
	now   func() time.Time
}

var _ port.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return NewCacheWithTTL(0)
}

func NewCacheWithTTL(ttl time.Duration) *Cache {
	return &Cache{
		store: make(map[string]cacheEntry),
		gens:  make(map[string]uint64),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *Cache) Generation(ctx context.Context, accountID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[accountID], nil
}

func (c *Cache) SetStatistics(ctx context.Context, accountID string, gen uint64, s *domain.Statistics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[accountID] != gen {
		return nil
	}
	e := cacheEntry{stats: copyStatistics(s)}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.store[accountID] = e
	return nil
}

func (c *Cache) GetStatistics(ctx context.Context, accountID string) (*domain.Statistics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[accountID]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.store, accountID)
		return nil, nil
	}
	return copyStatistics(e.stats), nil
}

func (c *Cache) Invalidate(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[accountID]++
	delete(c.store, accountID)
	return nil
}

func copyStatistics(s *domain.Statistics) *domain.Statistics {
	cp := *s
	cp.RecentTrades = make([]*domain.Trade, len(s.RecentTrades))
	for i, t := range s.RecentTrades {
		tc := *t
		cp.RecentTrades[i] = &tc
	}
	return &cp
}
