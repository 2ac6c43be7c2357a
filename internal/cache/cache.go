package cache

import (
	"context"
	"fmt"
	"time"

	"branchledger/backend/internal/domain"
)

// StockCache holds read-side snapshots of stock rows. The ledger never reads
// from it while posting. Set must not replace a snapshot with an older
// version of the same row.
type StockCache interface {
	Get(ctx context.Context, productID string, branchID string) (*domain.Stock, bool, error)
	Set(ctx context.Context, row domain.Stock, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string, branchID string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string, _ string) (*domain.Stock, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ domain.Stock, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string, _ string) error {
	return nil
}

func StockKey(productID string, branchID string) string {
	return fmt.Sprintf("ledger:stock:%s:%s", branchID, productID)
}

// Supersedes reports whether candidate may replace cached.
func Supersedes(cached domain.Stock, candidate domain.Stock) bool {
	return candidate.Version >= cached.Version
}
