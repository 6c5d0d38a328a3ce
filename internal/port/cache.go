package port

import (
	"context"

	"github.com/olyamironova/ledger-engine/internal/domain"
)

// Cache holds per-account statistics. GetStatistics returns nil, nil on a
// miss.
//
// Every Invalidate advances the account's generation. A reader takes
// Generation before computing statistics and hands it back to
// SetStatistics, which stores nothing if the generation moved in between, so
// a fill computed before a commit can never outlive that commit's
// invalidation.
type Cache interface {
	Generation(ctx context.Context, accountID string) (uint64, error)
	SetStatistics(ctx context.Context, accountID string, gen uint64, s *domain.Statistics) error
	GetStatistics(ctx context.Context, accountID string) (*domain.Statistics, error)
	Invalidate(ctx context.Context, accountID string) error
}
