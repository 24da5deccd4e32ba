package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopKVRepositorySetIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l := seedLoop(t, s)

	require.NoError(t, s.KV.Set(ctx, l.ID, "phase", "scanning"))
	require.NoError(t, s.KV.Set(ctx, l.ID, "phase", "implementing"))

	got, err := s.KV.Get(ctx, l.ID, "phase")
	require.NoError(t, err)
	assert.Equal(t, "implementing", got.Value)

	all, err := s.KV.List(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.KV.Delete(ctx, l.ID, "phase"))
	_, err = s.KV.Get(ctx, l.ID, "phase")
	assert.ErrorIs(t, err, ErrKVNotFound)
}
