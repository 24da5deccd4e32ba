package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleContext(loopID string) SessionContext {
	return SessionContext{
		SelectedLoopID: loopID,
		SelectedRunID:  "run-9",
		LogScroll:      21,
		TabID:          "overview",
		LayoutID:       "ops",
		FilterState:    "running",
		FilterQuery:    "agent timeout",
		Panes: []PaneSelection{
			{PaneID: "overview", Focused: true},
			{PaneID: "logs", Focused: false},
		},
		PinnedLoopIDs: []string{"loop-a", "loop-b"},
	}
}

func TestPersistAndRecoverRoundTripUsesPrimary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round-trip.json")
	snap := SnapshotSessionContext(sampleContext("loop-a"), DefaultRestorePolicy(), 100)
	require.NotNil(t, snap)

	require.NoError(t, PersistSnapshot(path, snap))
	out := RecoverSnapshot(path)

	assert.Equal(t, RecoverySourcePrimary, out.Source)
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, "loop-a", deref(out.Snapshot.SelectedLoopID))
}

func TestRecoveryFallsBackToBackupWhenPrimaryIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-fallback.json")
	first := SnapshotSessionContext(sampleContext("loop-a"), DefaultRestorePolicy(), 100)
	second := SnapshotSessionContext(sampleContext("loop-b"), DefaultRestorePolicy(), 200)

	require.NoError(t, PersistSnapshot(path, first))
	require.NoError(t, PersistSnapshot(path, second))
	require.NoError(t, os.WriteFile(path, []byte("{not-json"), 0o644))

	out := RecoverSnapshot(path)
	assert.Equal(t, RecoverySourceBackup, out.Source)
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, "loop-a", deref(out.Snapshot.SelectedLoopID))
	assert.True(t, containsSubstring(out.Warnings, "primary snapshot invalid"))
}

func TestRecoveryRejectsDigestMismatchAndUsesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest-mismatch.json")
	first := SnapshotSessionContext(sampleContext("loop-a"), DefaultRestorePolicy(), 100)
	second := SnapshotSessionContext(sampleContext("loop-b"), DefaultRestorePolicy(), 200)

	require.NoError(t, PersistSnapshot(path, first))
	require.NoError(t, PersistSnapshot(path, second))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := replaceDigest(string(raw))
	require.NoError(t, os.WriteFile(path, []byte(corrupted), 0o644))

	out := RecoverSnapshot(path)
	assert.Equal(t, RecoverySourceBackup, out.Source)
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, "loop-a", deref(out.Snapshot.SelectedLoopID))
	assert.True(t, containsSubstring(out.Warnings, "snapshot_digest mismatch"))
}

func TestPersistContextSnapshotRespectsPolicyOptOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy-opt-out.json")
	policy := DefaultRestorePolicy()
	policy.PersistEnabled = false

	require.NoError(t, PersistContextSnapshot(path, sampleContext("loop-a"), policy, 500))
	out := RecoverSnapshot(path)
	assert.Equal(t, RecoverySourceNone, out.Source)
	assert.Nil(t, out.Snapshot)
	assert.Equal(t, []string{"no crash-safe snapshot found"}, out.Warnings)
}

func TestPersistContextSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context-round-trip.json")
	require.NoError(t, PersistContextSnapshot(path, sampleContext("Loop-A"), DefaultRestorePolicy(), 1234))

	out := RecoverSnapshot(path)
	assert.Equal(t, RecoverySourcePrimary, out.Source)
	require.NotNil(t, out.Snapshot)
	assert.Equal(t, "loop-a", deref(out.Snapshot.SelectedLoopID))
	assert.Equal(t, "run-9", deref(out.Snapshot.SelectedRunID))
	assert.Equal(t, 21, out.Snapshot.LogScroll)
}

func TestSnapshotRedactsFilterQueryByDefault(t *testing.T) {
	snap := SnapshotSessionContext(sampleContext("loop-a"), DefaultRestorePolicy(), 1_700_000_000)
	require.NotNil(t, snap)
	assert.Nil(t, snap.FilterQuery)
	assert.NotNil(t, snap.FilterQueryDigest)
	assert.Equal(t, "loop-a", deref(snap.SelectedLoopID))
}

func TestRestoreAppliesAvailabilityFallbacksAndNotices(t *testing.T) {
	lz := "loop-z"
	overview := "overview"
	snap := &PersistedSessionSnapshot{
		SchemaVersion:     1,
		SavedAtEpochS:     10,
		SelectedLoopID:    &lz,
		SelectedRunID:     strPtr("run-2"),
		LogScroll:         44,
		TabID:             strPtr("inbox"),
		LayoutID:          strPtr("night"),
		FilterState:       strPtr("error"),
		FilterQueryDigest: strPtr("abc"),
		Panes: []PaneSelection{
			{PaneID: overview, Focused: false},
			{PaneID: "runs", Focused: false},
		},
		PinnedLoopIDs: []string{"loop-z", "loop-a"},
	}
	universe := RestoreUniverse{
		LoopIDs:   []string{"loop-a", "loop-b"},
		TabIDs:    []string{"overview", "runs"},
		LayoutIDs: []string{"ops"},
		PaneIDs:   []string{"overview", "logs"},
	}

	restored := RestoreSessionContext(snap, universe, DefaultRestorePolicy())

	assert.Equal(t, "", restored.Context.SelectedLoopID)
	assert.Equal(t, 44, restored.Context.LogScroll)
	assert.Equal(t, "overview", restored.Context.TabID)
	assert.Equal(t, "ops", restored.Context.LayoutID)
	require.Len(t, restored.Context.Panes, 1)
	assert.Equal(t, "overview", restored.Context.Panes[0].PaneID)
	assert.True(t, restored.Context.Panes[0].Focused)
	assert.Equal(t, []string{"loop-a"}, restored.Context.PinnedLoopIDs)
	assert.True(t, containsSubstring(restored.Notices, "privacy-safe"))
}

func TestRestoreDisabledReturnsEmptySession(t *testing.T) {
	policy := DefaultRestorePolicy()
	policy.RestoreEnabled = false
	restored := RestoreSessionContext(nil, RestoreUniverse{}, policy)
	assert.Equal(t, SessionContext{}, restored.Context)
	assert.False(t, restored.FromSnapshot)
	assert.True(t, containsSubstring(restored.Notices, "disabled"))
}

func TestBuildDeltaDigestReportsContextChanges(t *testing.T) {
	previous := &PersistedSessionSnapshot{
		SelectedLoopID:    strPtr("loop-a"),
		SelectedRunID:     strPtr("run-1"),
		LogScroll:         6,
		TabID:             strPtr("overview"),
		LayoutID:          strPtr("ops"),
		FilterState:       strPtr("running"),
		FilterQueryDigest: strPtr("abc"),
		Panes:             []PaneSelection{{PaneID: "overview", Focused: true}},
		PinnedLoopIDs:     []string{"loop-a"},
	}
	current := &PersistedSessionSnapshot{
		SelectedLoopID:    strPtr("loop-b"),
		SelectedRunID:     strPtr("run-2"),
		LogScroll:         0,
		TabID:             strPtr("runs"),
		LayoutID:          strPtr("review"),
		FilterState:       strPtr("error"),
		FilterQueryDigest: strPtr("xyz"),
		Panes: []PaneSelection{
			{PaneID: "runs", Focused: true},
			{PaneID: "logs", Focused: false},
		},
		PinnedLoopIDs: []string{"loop-b", "loop-c"},
	}

	digest := BuildDeltaDigest(previous, current)
	assert.GreaterOrEqual(t, digest.ChangeCount, 6)
	assert.True(t, containsSubstring(digest.Lines, "filter query changed"))
}

func TestBuildDeltaDigestStableWhenUnchanged(t *testing.T) {
	snap := &PersistedSessionSnapshot{
		SelectedLoopID: strPtr("loop-a"),
		LogScroll:      3,
		Panes:          []PaneSelection{{PaneID: "overview", Focused: true}},
		PinnedLoopIDs:  []string{"loop-a"},
	}
	digest := BuildDeltaDigest(snap, snap)
	assert.Equal(t, 0, digest.ChangeCount)
	assert.Empty(t, digest.Lines)
}

func strPtr(s string) *string { return &s }

func containsSubstring(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func replaceDigest(raw string) string {
	key := `"snapshot_digest": "`
	idx := strings.Index(raw, key)
	if idx < 0 {
		return raw
	}
	start := idx + len(key)
	end := strings.Index(raw[start:], `"`)
	if end < 0 {
		return raw
	}
	return raw[:start] + "deadbeef" + raw[start+end:]
}
