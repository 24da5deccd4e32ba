package selector

import (
	"context"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// MemoryBackend is an in-memory Backend for unit tests, grounded on the
// Rust InMemorySelectionBackend fixture.
type MemoryBackend struct {
	Profiles       map[string]*models.Profile
	Pools          map[string]*models.Pool
	PoolsByName    map[string]string
	MembersByPool  map[string][]models.PoolMember
	RunningByProfile map[string]int
}

// NewMemoryBackend returns an empty MemoryBackend ready for WithX calls.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		Profiles:         map[string]*models.Profile{},
		Pools:            map[string]*models.Pool{},
		PoolsByName:      map[string]string{},
		MembersByPool:    map[string][]models.PoolMember{},
		RunningByProfile: map[string]int{},
	}
}

func (b *MemoryBackend) WithProfile(p *models.Profile) *MemoryBackend {
	b.Profiles[p.ID] = p
	return b
}

func (b *MemoryBackend) WithPool(p *models.Pool) *MemoryBackend {
	b.Pools[p.ID] = p
	b.PoolsByName[p.Name] = p.ID
	return b
}

func (b *MemoryBackend) WithPoolMembers(poolID string, members []models.PoolMember) *MemoryBackend {
	b.MembersByPool[poolID] = members
	return b
}

func (b *MemoryBackend) WithRunningCount(profileID string, count int) *MemoryBackend {
	b.RunningByProfile[profileID] = count
	return b
}

func (b *MemoryBackend) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	p, ok := b.Profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile not found: %s", id)
	}
	return p, nil
}

func (b *MemoryBackend) GetPool(_ context.Context, id string) (*models.Pool, error) {
	p, ok := b.Pools[id]
	if !ok {
		return nil, fmt.Errorf("pool not found: %s", id)
	}
	return p, nil
}

func (b *MemoryBackend) GetPoolByName(_ context.Context, name string) (*models.Pool, error) {
	id, ok := b.PoolsByName[name]
	if !ok {
		return nil, fmt.Errorf("pool not found by name: %s", name)
	}
	return b.GetPool(context.Background(), id)
}

func (b *MemoryBackend) GetDefaultPool(_ context.Context) (*models.Pool, error) {
	for _, p := range b.Pools {
		if p.IsDefault {
			return p, nil
		}
	}
	return nil, fmt.Errorf("default pool not found")
}

func (b *MemoryBackend) ListPoolMembers(_ context.Context, poolID string) ([]models.PoolMember, error) {
	return b.MembersByPool[poolID], nil
}

func (b *MemoryBackend) CountRunningByProfile(_ context.Context, profileID string) (int, error) {
	return b.RunningByProfile[profileID], nil
}

func (b *MemoryBackend) UpdatePool(_ context.Context, pool *models.Pool) error {
	b.Pools[pool.ID] = pool
	b.PoolsByName[pool.Name] = pool.ID
	return nil
}
