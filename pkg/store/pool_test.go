package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/forge/pkg/models"
)

func TestPoolRepositoryCreateDemotesExistingDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p1 := &models.Pool{Name: "first", IsDefault: true}
	require.NoError(t, s.Pools.Create(ctx, p1))

	p2 := &models.Pool{Name: "second", IsDefault: true}
	require.NoError(t, s.Pools.Create(ctx, p2))

	got1, err := s.Pools.Get(ctx, p1.ID)
	require.NoError(t, err)
	assert.False(t, got1.IsDefault)

	def, err := s.Pools.GetDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, p2.ID, def.ID)
}

func TestPoolRepositoryMembersOrderedByPosition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pool := &models.Pool{Name: "team"}
	require.NoError(t, s.Pools.Create(ctx, pool))

	prA := &models.Profile{Name: "a", CommandTemplate: "echo a", PromptMode: models.PromptModeStdin}
	prB := &models.Profile{Name: "b", CommandTemplate: "echo b", PromptMode: models.PromptModeStdin}
	require.NoError(t, s.Profiles.Create(ctx, prA))
	require.NoError(t, s.Profiles.Create(ctx, prB))

	require.NoError(t, s.Pools.AddMember(ctx, pool.ID, prA.ID, 0))
	require.NoError(t, s.Pools.AddMember(ctx, pool.ID, prB.ID, 0))

	members, err := s.Pools.Members(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, prB.ID, members[0].ProfileID)
	assert.Equal(t, prA.ID, members[1].ProfileID)
}

func TestPoolRepositoryRemoveMemberClosesGap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pool := &models.Pool{Name: "team2"}
	require.NoError(t, s.Pools.Create(ctx, pool))

	prA := &models.Profile{Name: "ra", CommandTemplate: "echo a", PromptMode: models.PromptModeStdin}
	prB := &models.Profile{Name: "rb", CommandTemplate: "echo b", PromptMode: models.PromptModeStdin}
	prC := &models.Profile{Name: "rc", CommandTemplate: "echo c", PromptMode: models.PromptModeStdin}
	require.NoError(t, s.Profiles.Create(ctx, prA))
	require.NoError(t, s.Profiles.Create(ctx, prB))
	require.NoError(t, s.Profiles.Create(ctx, prC))

	require.NoError(t, s.Pools.AddMember(ctx, pool.ID, prA.ID, 0))
	require.NoError(t, s.Pools.AddMember(ctx, pool.ID, prB.ID, 1))
	require.NoError(t, s.Pools.AddMember(ctx, pool.ID, prC.ID, 2))

	require.NoError(t, s.Pools.RemoveMember(ctx, pool.ID, prB.ID))

	members, err := s.Pools.Members(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, 0, members[0].Position)
	assert.Equal(t, 1, members[1].Position)
	assert.Equal(t, prC.ID, members[1].ProfileID)
}

func TestPoolRepositoryAdvanceCursorPersistsLastIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pool := &models.Pool{Name: "cursor"}
	require.NoError(t, s.Pools.Create(ctx, pool))
	assert.Equal(t, -1, pool.LastIndex())

	require.NoError(t, s.Pools.AdvanceCursor(ctx, pool.ID, 2))

	got, err := s.Pools.Get(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.LastIndex())
}
