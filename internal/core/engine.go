package core

import (
	"context"
	"time"

	"github.com/olyamironova/ledger-engine/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 5 * time.Millisecond
	DefaultCurrency     = "GTQ"
)

// DefaultCommissionRate is the fee applied to gross trade value: added on a
// buy, subtracted on a sell.
var DefaultCommissionRate = decimal.RequireFromString("0.01")

// Engine is the order execution and balance/inventory consistency core. It is
// safe for concurrent use; all shared state lives in the repository.
type Engine struct {
	repo  port.Repository
	cache port.Cache
	log   *zap.Logger

	pricing    Pricing
	maxRetries int
	backoff    time.Duration
	currency   string
	now        func() time.Time
}

type EngineOption func(*Engine)

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithCommissionRate(rate decimal.Decimal) EngineOption {
	return func(e *Engine) {
		e.pricing = Pricing{CommissionRate: rate}
	}
}

// WithMaxRetries bounds how many times a unit of work is re-run after
// losing an optimistic version check.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithRetryBackoff(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.backoff = d
	}
}

func WithCurrency(c string) EngineOption {
	return func(e *Engine) {
		if c != "" {
			e.currency = c
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine wires the core. cache may be nil.
func NewEngine(repo port.Repository, cache port.Cache, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:       repo,
		cache:      cache,
		log:        zap.NewNop(),
		pricing:    Pricing{CommissionRate: DefaultCommissionRate},
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
		currency:   DefaultCurrency,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) CommissionRate() decimal.Decimal {
	return e.pricing.CommissionRate
}

func (e *Engine) invalidateStats(ctx context.Context, accountID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, accountID); err != nil {
		e.log.Warn("statistics cache invalidation failed",
			zap.String("account_id", accountID), zap.Error(err))
	}
}
