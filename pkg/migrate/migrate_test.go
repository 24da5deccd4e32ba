package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpAppliesEveryDeclaredVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	applied, err := Up(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(Versions), applied)

	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, maxVersion(), v)
}

func TestUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := Up(ctx, db)
	require.NoError(t, err)

	applied, err := Up(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestMigrationStatusReportsEveryKnownVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := To(ctx, db, 2)
	require.NoError(t, err)

	status, err := MigrationStatus(ctx, db)
	require.NoError(t, err)
	require.Len(t, status, len(Versions))

	for _, row := range status {
		if row.Version <= 2 {
			assert.True(t, row.Applied, "version %d should be applied", row.Version)
			assert.NotNil(t, row.AppliedAt)
		} else {
			assert.False(t, row.Applied, "version %d should not be applied", row.Version)
		}
	}
}

func TestDownRollsBackMostRecentlyApplied(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := Up(ctx, db)
	require.NoError(t, err)

	reverted, err := Down(ctx, db, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, reverted)

	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, maxVersion()-1, v)
}

func TestToMovesDownToZero(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := Up(ctx, db)
	require.NoError(t, err)

	_, err = To(ctx, db, 0)
	require.NoError(t, err)

	v, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestToRejectsUnknownTarget(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := To(ctx, db, 9999)
	assert.Error(t, err)
}
