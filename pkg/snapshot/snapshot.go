// Package snapshot persists and recovers a session's UI/selection state as
// a versioned, digest-verified JSON document with a paired backup file, so
// a restarted session can resume where it left off. Grounded on
// original_source/crates/forge-tui/src/crash_safe_state.rs and
// session_restore.rs.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SchemaVersion is the current on-disk snapshot format version.
const SchemaVersion = 1

// RestorePolicy controls what a SessionContext persists and whether a
// previous snapshot is restored at all.
type RestorePolicy struct {
	RestoreEnabled      bool
	PersistEnabled      bool
	PersistFilterQuery  bool
	PersistSelectedRun  bool
}

// DefaultRestorePolicy matches the original's conservative, privacy-safe
// default: everything persists and restores except the raw filter query
// text, which is reduced to a digest unless explicitly opted in.
func DefaultRestorePolicy() RestorePolicy {
	return RestorePolicy{
		RestoreEnabled:     true,
		PersistEnabled:     true,
		PersistFilterQuery: false,
		PersistSelectedRun: true,
	}
}

// PaneSelection is one visible pane and whether it currently has focus.
type PaneSelection struct {
	PaneID  string `json:"pane_id"`
	Focused bool   `json:"focused"`
}

// SessionContext is the live, in-memory UI/session state a daemon client
// tracks on behalf of an operator session.
type SessionContext struct {
	SelectedLoopID string
	SelectedRunID  string
	LogScroll      int
	TabID          string
	LayoutID       string
	FilterState    string
	FilterQuery    string
	Panes          []PaneSelection
	PinnedLoopIDs  []string
}

// PersistedSessionSnapshot is the on-disk (redacted, normalized) form of a
// SessionContext.
type PersistedSessionSnapshot struct {
	SchemaVersion     int             `json:"schema_version"`
	SavedAtEpochS     int64           `json:"saved_at_epoch_s"`
	SelectedLoopID    *string         `json:"selected_loop_id"`
	SelectedRunID     *string         `json:"selected_run_id"`
	LogScroll         int             `json:"log_scroll"`
	TabID             *string         `json:"tab_id"`
	LayoutID          *string         `json:"layout_id"`
	FilterState       *string         `json:"filter_state"`
	FilterQuery       *string         `json:"filter_query"`
	FilterQueryDigest *string         `json:"filter_query_digest"`
	Panes             []PaneSelection `json:"panes"`
	PinnedLoopIDs     []string        `json:"pinned_loop_ids"`
}

// RestoreUniverse is the set of IDs currently valid in the daemon, used to
// drop snapshot references to things that no longer exist.
type RestoreUniverse struct {
	LoopIDs   []string
	TabIDs    []string
	LayoutIDs []string
	PaneIDs   []string
}

// RestoredSession is the result of reconciling a snapshot against the
// current RestoreUniverse.
type RestoredSession struct {
	Context      SessionContext
	Notices      []string
	FromSnapshot bool
}

// SessionDeltaDigest summarizes what changed between two snapshots, for a
// human-readable "since you were last here" notice.
type SessionDeltaDigest struct {
	Headline    string
	ChangeCount int
	Lines       []string
}

// SnapshotSessionContext redacts and normalizes context into a
// PersistedSessionSnapshot, honoring policy, or returns nil if persistence
// is disabled entirely.
func SnapshotSessionContext(ctx SessionContext, policy RestorePolicy, savedAtEpochS int64) *PersistedSessionSnapshot {
	if !policy.PersistEnabled {
		return nil
	}

	query := normalizeOptional(ctx.FilterQuery)
	var queryDigest *string
	if query != nil {
		d := stableDigest(*query)
		queryDigest = &d
	}
	persistedQuery := (*string)(nil)
	if policy.PersistFilterQuery {
		persistedQuery = query
	}

	selectedRun := (*string)(nil)
	if policy.PersistSelectedRun {
		selectedRun = normalizeOptional(ctx.SelectedRunID)
	}

	if savedAtEpochS < 0 {
		savedAtEpochS = 0
	}

	return &PersistedSessionSnapshot{
		SchemaVersion:     SchemaVersion,
		SavedAtEpochS:     savedAtEpochS,
		SelectedLoopID:    normalizeOptional(ctx.SelectedLoopID),
		SelectedRunID:     selectedRun,
		LogScroll:         ctx.LogScroll,
		TabID:             normalizeOptional(ctx.TabID),
		LayoutID:          normalizeOptional(ctx.LayoutID),
		FilterState:       normalizeOptional(ctx.FilterState),
		FilterQuery:       persistedQuery,
		FilterQueryDigest: queryDigest,
		Panes:             normalizePanes(ctx.Panes),
		PinnedLoopIDs:     normalizeIDList(ctx.PinnedLoopIDs),
	}
}

// RestoreSessionContext reconciles a recovered snapshot against the current
// universe of valid IDs, dropping and noting anything stale.
func RestoreSessionContext(snap *PersistedSessionSnapshot, universe RestoreUniverse, policy RestorePolicy) RestoredSession {
	if !policy.RestoreEnabled {
		return RestoredSession{Notices: []string{"session restore disabled by user policy"}}
	}
	if snap == nil {
		return RestoredSession{Notices: []string{"no previous session snapshot"}}
	}

	loopIDs := normalizedAllowedSet(universe.LoopIDs)
	tabIDs := normalizedAllowedSet(universe.TabIDs)
	layoutIDs := normalizedAllowedSet(universe.LayoutIDs)
	paneIDs := normalizedAllowedSet(universe.PaneIDs)

	var notices []string

	selectedLoopID := retainIfAllowed(deref(snap.SelectedLoopID), loopIDs)
	if snap.SelectedLoopID != nil && selectedLoopID == "" {
		notices = append(notices, "selected loop no longer available; restored as none")
	}

	tabID := retainIfAllowed(deref(snap.TabID), tabIDs)
	if tabID == "" {
		tabID = firstOf(tabIDs)
	}
	if snap.TabID != nil && deref(snap.TabID) != tabID {
		notices = append(notices, "stored tab unavailable; restored to default tab")
	}

	layoutID := retainIfAllowed(deref(snap.LayoutID), layoutIDs)
	if layoutID == "" {
		layoutID = firstOf(layoutIDs)
	}
	if snap.LayoutID != nil && deref(snap.LayoutID) != layoutID {
		notices = append(notices, "stored layout unavailable; restored to default layout")
	}

	filterState := normalizeString(deref(snap.FilterState))
	if filterState == "" && snap.FilterQueryDigest != nil {
		filterState = "all"
	}

	filterQuery := normalizeString(deref(snap.FilterQuery))
	if filterQuery == "" && snap.FilterQueryDigest != nil {
		notices = append(notices, "filter query omitted by privacy-safe storage policy")
	}

	var panes []PaneSelection
	focusedSeen := false
	for _, p := range normalizePanes(snap.Panes) {
		if len(paneIDs) > 0 && !paneIDs[p.PaneID] {
			continue
		}
		focused := p.Focused && !focusedSeen
		if focused {
			focusedSeen = true
		}
		panes = append(panes, PaneSelection{PaneID: p.PaneID, Focused: focused})
	}
	if len(panes) == 0 {
		if first := firstOf(paneIDs); first != "" {
			panes = append(panes, PaneSelection{PaneID: first, Focused: true})
		}
	} else if !anyFocused(panes) {
		panes[0].Focused = true
	}
	if len(snap.Panes) != len(panes) {
		notices = append(notices, "some panes were unavailable and not restored")
	}

	var pinned []string
	for _, id := range snap.PinnedLoopIDs {
		id = normalizeID(id)
		if id == "" {
			continue
		}
		if len(loopIDs) > 0 && !loopIDs[id] {
			continue
		}
		pinned = append(pinned, id)
	}

	return RestoredSession{
		Context: SessionContext{
			SelectedLoopID: selectedLoopID,
			SelectedRunID:  normalizeString(deref(snap.SelectedRunID)),
			LogScroll:      snap.LogScroll,
			TabID:          tabID,
			LayoutID:       layoutID,
			FilterState:    filterState,
			FilterQuery:    filterQuery,
			Panes:          panes,
			PinnedLoopIDs:  pinned,
		},
		Notices:      notices,
		FromSnapshot: true,
	}
}

// BuildDeltaDigest summarizes what changed between previous and current.
func BuildDeltaDigest(previous, current *PersistedSessionSnapshot) SessionDeltaDigest {
	if previous == nil {
		return SessionDeltaDigest{
			Headline:    "first session snapshot captured",
			ChangeCount: 1,
			Lines:       []string{"baseline context recorded"},
		}
	}

	var lines []string
	pushOptionalChange("selected loop", previous.SelectedLoopID, current.SelectedLoopID, &lines)
	pushOptionalChange("selected run", previous.SelectedRunID, current.SelectedRunID, &lines)
	if previous.LogScroll != current.LogScroll {
		lines = append(lines, fmt.Sprintf("log scroll changed: %d -> %d", previous.LogScroll, current.LogScroll))
	}
	pushOptionalChange("tab", previous.TabID, current.TabID, &lines)
	pushOptionalChange("layout", previous.LayoutID, current.LayoutID, &lines)
	pushOptionalChange("filter state", previous.FilterState, current.FilterState, &lines)

	if effectiveQueryDigest(previous) != effectiveQueryDigest(current) {
		lines = append(lines, "filter query changed (privacy-safe digest delta)")
	}

	prevSig := paneSignature(previous.Panes)
	curSig := paneSignature(current.Panes)
	if !equalStrings(prevSig, curSig) {
		lines = append(lines, fmt.Sprintf("pane set changed: %s -> %s", renderPanes(previous.Panes), renderPanes(current.Panes)))
	}

	prevPins := normalizeIDList(previous.PinnedLoopIDs)
	curPins := normalizeIDList(current.PinnedLoopIDs)
	if !equalStrings(prevPins, curPins) {
		added, removed := 0, 0
		curSet := toSet(curPins)
		prevSet := toSet(prevPins)
		for _, id := range curPins {
			if !prevSet[id] {
				added++
			}
		}
		for _, id := range prevPins {
			if !curSet[id] {
				removed++
			}
		}
		lines = append(lines, fmt.Sprintf("pinned loops changed: +%d -%d", added, removed))
	}

	if len(lines) == 0 {
		return SessionDeltaDigest{Headline: "no context changes since last session"}
	}
	return SessionDeltaDigest{
		Headline:    fmt.Sprintf("%d context changes since last session", len(lines)),
		ChangeCount: len(lines),
		Lines:       lines,
	}
}

// RecoverySource names where a recovered snapshot came from.
type RecoverySource string

const (
	RecoverySourceNone    RecoverySource = "none"
	RecoverySourcePrimary RecoverySource = "primary"
	RecoverySourceBackup  RecoverySource = "backup"
)

// CrashRecoveryOutcome is the result of RecoverSnapshot.
type CrashRecoveryOutcome struct {
	Snapshot *PersistedSessionSnapshot
	Source   RecoverySource
	Warnings []string
}

// PersistContextSnapshot snapshots ctx per policy and persists it, a no-op
// if the policy disables persistence.
func PersistContextSnapshot(path string, ctx SessionContext, policy RestorePolicy, savedAtEpochS int64) error {
	snap := SnapshotSessionContext(ctx, policy, savedAtEpochS)
	if snap == nil {
		return nil
	}
	return PersistSnapshot(path, snap)
}

// PersistSnapshot writes snapshot to path, first copying any existing file
// to a ".bak" sibling, then writing via a temp file + atomic rename so a
// crash mid-write never corrupts the primary copy in place.
func PersistSnapshot(path string, snap *PersistedSessionSnapshot) error {
	serialized, err := serializeSnapshotStore(snap)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, backupPath(path)); err != nil {
			return fmt.Errorf("copy snapshot %s -> %s: %w", path, backupPath(path), err)
		}
	}

	tmp := tempPath(path)
	if err := writeFileAtomic(tmp, []byte(serialized)); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// RecoverSnapshot reads and verifies the primary snapshot at path, falling
// back to its ".bak" sibling if the primary is missing, unparsable, or
// digest-mismatched.
func RecoverSnapshot(path string) CrashRecoveryOutcome {
	var warnings []string

	if snap, ok := tryLoadSnapshot(path, "primary snapshot", &warnings); ok {
		return CrashRecoveryOutcome{Snapshot: snap, Source: RecoverySourcePrimary, Warnings: warnings}
	}

	if snap, ok := tryLoadSnapshot(backupPath(path), "backup snapshot", &warnings); ok {
		warnings = append(warnings, "recovered session from backup snapshot")
		return CrashRecoveryOutcome{Snapshot: snap, Source: RecoverySourceBackup, Warnings: warnings}
	}

	if len(warnings) == 0 {
		warnings = append(warnings, "no crash-safe snapshot found")
	}
	return CrashRecoveryOutcome{Source: RecoverySourceNone, Warnings: warnings}
}

func tryLoadSnapshot(path, label string, warnings *[]string) (*PersistedSessionSnapshot, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			*warnings = append(*warnings, fmt.Sprintf("%s unreadable; ignored (%s)", label, err))
		}
		return nil, false
	}

	snap, parseWarnings, err := parseSnapshotStore(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("%s invalid; ignored (%s)", label, err))
		return nil, false
	}
	for _, w := range parseWarnings {
		*warnings = append(*warnings, fmt.Sprintf("%s: %s", label, w))
	}
	return snap, true
}

type snapshotStoreFile struct {
	SchemaVersion  int             `json:"schema_version"`
	Snapshot       json.RawMessage `json:"snapshot"`
	SnapshotDigest string          `json:"snapshot_digest"`
}

func serializeSnapshotStore(snap *PersistedSessionSnapshot) (string, error) {
	snapBytes, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("serialize snapshot payload: %w", err)
	}
	digest := stableDigest(string(snapBytes))

	root := snapshotStoreFile{
		SchemaVersion:  SchemaVersion,
		Snapshot:       snapBytes,
		SnapshotDigest: digest,
	}
	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize crash-safe snapshot: %w", err)
	}
	return string(out), nil
}

func parseSnapshotStore(raw []byte) (*PersistedSessionSnapshot, []string, error) {
	var root snapshotStoreFile
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, nil, fmt.Errorf("invalid json: %w", err)
	}

	var warnings []string
	if root.SchemaVersion != 0 && root.SchemaVersion != SchemaVersion {
		warnings = append(warnings, fmt.Sprintf("unknown schema_version=%d; attempting best-effort parse", root.SchemaVersion))
	}

	snapshotBytes := root.Snapshot
	if len(snapshotBytes) == 0 {
		snapshotBytes = raw
	}

	var snap PersistedSessionSnapshot
	if err := json.Unmarshal(snapshotBytes, &snap); err != nil {
		return nil, nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	snap.Panes = normalizePanes(snap.Panes)
	snap.PinnedLoopIDs = normalizeIDList(snap.PinnedLoopIDs)

	// Re-marshal the parsed struct (rather than trusting the captured raw
	// bytes) to canonicalize whitespace: MarshalIndent re-indents nested
	// json.RawMessage content, so the embedded "snapshot" object's bytes
	// as stored on disk differ from the compact bytes the digest was
	// computed over at write time.
	if root.SnapshotDigest != "" {
		canonical, err := json.Marshal(&snap)
		if err != nil {
			return nil, nil, fmt.Errorf("canonicalize snapshot for digest check: %w", err)
		}
		actual := stableDigest(string(canonical))
		if root.SnapshotDigest != actual {
			return nil, nil, fmt.Errorf("snapshot_digest mismatch (expected=%s, actual=%s)", root.SnapshotDigest, actual)
		}
	} else {
		warnings = append(warnings, "snapshot_digest missing; accepted best-effort snapshot")
	}

	return &snap, warnings, nil
}

// stableDigest is FNV-1a/64, matching the original implementation's
// hand-rolled hash bit for bit (same offset basis and prime), so a
// snapshot written by either implementation validates under the other.
func stableDigest(value string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Sync()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func backupPath(path string) string { return path + ".bak" }

var tempSuffixCounter int

func tempPath(path string) string {
	tempSuffixCounter++
	return fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), tempSuffixCounter)
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeString(value string) string {
	return normalizeID(value)
}

func normalizeOptional(value string) *string {
	v := normalizeID(value)
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func normalizePanes(panes []PaneSelection) []PaneSelection {
	seen := map[string]bool{}
	var out []PaneSelection
	for _, p := range panes {
		id := normalizeID(p.PaneID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, PaneSelection{PaneID: id, Focused: p.Focused})
	}
	return out
}

func normalizeIDList(values []string) []string {
	seen := map[string]bool{}
	for _, v := range values {
		id := normalizeID(v)
		if id != "" {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func normalizedAllowedSet(values []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range values {
		id := normalizeID(v)
		if id != "" {
			out[id] = true
		}
	}
	return out
}

func retainIfAllowed(value string, allowed map[string]bool) string {
	id := normalizeID(value)
	if id == "" {
		return ""
	}
	if len(allowed) == 0 || allowed[id] {
		return id
	}
	return ""
}

func firstOf(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func anyFocused(panes []PaneSelection) bool {
	for _, p := range panes {
		if p.Focused {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range values {
		out[v] = true
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func paneSignature(panes []PaneSelection) []string {
	normalized := normalizePanes(panes)
	out := make([]string, len(normalized))
	for i, p := range normalized {
		if p.Focused {
			out[i] = p.PaneID + "*"
		} else {
			out[i] = p.PaneID
		}
	}
	return out
}

func renderPanes(panes []PaneSelection) string {
	sig := paneSignature(panes)
	if len(sig) == 0 {
		return "none"
	}
	return strings.Join(sig, ",")
}

func pushOptionalChange(label string, previous, current *string, lines *[]string) {
	prev := normalizeString(deref(previous))
	cur := normalizeString(deref(current))
	if prev != cur {
		*lines = append(*lines, fmt.Sprintf("%s changed: %s -> %s", label, displayValue(prev), displayValue(cur)))
	}
}

func displayValue(value string) string {
	if value == "" {
		return "none"
	}
	return value
}

func effectiveQueryDigest(snap *PersistedSessionSnapshot) string {
	if snap.FilterQueryDigest != nil && *snap.FilterQueryDigest != "" {
		return *snap.FilterQueryDigest
	}
	if snap.FilterQuery != nil && *snap.FilterQuery != "" {
		return stableDigest(*snap.FilterQuery)
	}
	return ""
}
