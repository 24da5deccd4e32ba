package store

import (
	"context"

	"github.com/forgehq/forge/pkg/models"
)

// SelectorBackend adapts a Store to pkg/selector's Backend interface.
type SelectorBackend struct {
	Store *Store
}

func (b SelectorBackend) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return b.Store.Profiles.Get(ctx, id)
}

func (b SelectorBackend) GetPool(ctx context.Context, id string) (*models.Pool, error) {
	return b.Store.Pools.Get(ctx, id)
}

func (b SelectorBackend) GetPoolByName(ctx context.Context, name string) (*models.Pool, error) {
	return b.Store.Pools.GetByName(ctx, name)
}

func (b SelectorBackend) GetDefaultPool(ctx context.Context) (*models.Pool, error) {
	return b.Store.Pools.GetDefault(ctx)
}

func (b SelectorBackend) ListPoolMembers(ctx context.Context, poolID string) ([]models.PoolMember, error) {
	return b.Store.Pools.Members(ctx, poolID)
}

func (b SelectorBackend) CountRunningByProfile(ctx context.Context, profileID string) (int, error) {
	return b.Store.Loops.CountRunningByProfile(ctx, profileID)
}

func (b SelectorBackend) UpdatePool(ctx context.Context, pool *models.Pool) error {
	return b.Store.Pools.Update(ctx, pool)
}
