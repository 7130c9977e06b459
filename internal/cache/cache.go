package cache

import (
	"context"
	"time"

	"swiftpos/backend/internal/domain"
)

// InventoryCache holds a short-lived snapshot of the product list for
// the pre-checkout stock display. It is never consulted for commit
// decisions; the store re-checks quantities under lock.
type InventoryCache interface {
	Get(ctx context.Context, key string) ([]domain.Product, bool, error)
	Set(ctx context.Context, key string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopInventoryCache struct{}

func (NoopInventoryCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopInventoryCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopInventoryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
