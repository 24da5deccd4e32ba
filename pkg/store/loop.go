package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// LoopRepository persists models.Loop rows.
type LoopRepository struct {
	db *sql.DB
}

func (r *LoopRepository) validate(l *models.Loop) error {
	if err := requireNonEmpty("name", l.Name); err != nil {
		return err
	}
	if err := requireNonEmpty("repo_path", l.RepoPath); err != nil {
		return err
	}
	if err := requireNonNegative("interval_seconds", l.IntervalSeconds); err != nil {
		return err
	}
	if err := requireNonNegative("max_runtime_seconds", l.MaxRuntimeSeconds); err != nil {
		return err
	}
	if err := requireNonNegative("max_iterations", l.MaxIterations); err != nil {
		return err
	}
	if l.State != "" && !l.State.Valid() {
		return NewValidationError("state", fmt.Sprintf("unknown loop state %q", l.State))
	}
	return nil
}

// Create inserts a new Loop, assigning an id if absent.
func (r *LoopRepository) Create(ctx context.Context, l *models.Loop) error {
	if err := r.validate(l); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = newID()
	}
	if l.ShortID == "" {
		l.ShortID = l.ID[:8]
	}
	if l.State == "" {
		l.State = models.LoopStatePending
	}
	now := nowUTC()
	l.CreatedAt, l.UpdatedAt = now, now

	meta, err := marshalMetadata(l.Metadata)
	if err != nil {
		return fmt.Errorf("marshal loop metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO loops (
			id, short_id, name, repo_path, profile_id, pool_id, base_prompt,
			interval_seconds, max_runtime_seconds, max_iterations, state,
			last_run_at, last_exit_code, last_error, log_path, metadata,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ShortID, l.Name, l.RepoPath, l.ProfileID, l.PoolID, l.BasePrompt,
		l.IntervalSeconds, l.MaxRuntimeSeconds, l.MaxIterations, string(l.State),
		nullableTime(l.LastRunAt), nullableInt(l.LastExitCode), l.LastError, l.LogPath, meta,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLoopAlreadyExists
		}
		return fmt.Errorf("create loop: %w", err)
	}
	return nil
}

const loopColumns = `id, short_id, name, repo_path, profile_id, pool_id, base_prompt,
	interval_seconds, max_runtime_seconds, max_iterations, state,
	last_run_at, last_exit_code, last_error, log_path, metadata, created_at, updated_at`

func scanLoop(row interface{ Scan(...any) error }) (*models.Loop, error) {
	var l models.Loop
	var state, createdAt, updatedAt string
	var lastRunAt, lastError sql.NullString
	var lastExitCode sql.NullInt64
	var profileID, poolID sql.NullString
	var metaRaw string

	if err := row.Scan(
		&l.ID, &l.ShortID, &l.Name, &l.RepoPath, &profileID, &poolID, &l.BasePrompt,
		&l.IntervalSeconds, &l.MaxRuntimeSeconds, &l.MaxIterations, &state,
		&lastRunAt, &lastExitCode, &lastError, &l.LogPath, &metaRaw,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	l.State = models.LoopState(state)
	l.ProfileID = scanNullableString(profileID)
	l.PoolID = scanNullableString(poolID)
	l.LastExitCode = scanNullableInt(lastExitCode)
	if lastError.Valid {
		l.LastError = lastError.String
	}

	var err error
	l.LastRunAt, err = scanNullableTime(lastRunAt)
	if err != nil {
		return nil, fmt.Errorf("parse last_run_at: %w", err)
	}
	l.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	l.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	l.Metadata, err = unmarshalMetadata(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &l, nil
}

// Get fetches a Loop by id.
func (r *LoopRepository) Get(ctx context.Context, id string) (*models.Loop, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM loops WHERE id = ?`, id)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loop %s: %w", id, err)
	}
	return l, nil
}

// GetByName fetches a Loop by its unique name.
func (r *LoopRepository) GetByName(ctx context.Context, name string) (*models.Loop, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM loops WHERE name = ?`, name)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loop by name %s: %w", name, err)
	}
	return l, nil
}

// LoopFilter narrows a List query.
type LoopFilter struct {
	RepoPath string
	PoolID   string
	ProfileID string
	State    models.LoopState
	Limit    int
	Offset   int
}

// List returns loops matching filter, paginated (default limit 100, per
// spec §4.1 Concurrency: long list operations must paginate).
func (r *LoopRepository) List(ctx context.Context, filter LoopFilter) ([]*models.Loop, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + loopColumns + ` FROM loops WHERE 1=1`
	var args []any
	if filter.RepoPath != "" {
		query += ` AND repo_path = ?`
		args = append(args, filter.RepoPath)
	}
	if filter.PoolID != "" {
		query += ` AND pool_id = ?`
		args = append(args, filter.PoolID)
	}
	if filter.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, filter.ProfileID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	defer rows.Close()

	var out []*models.Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Update writes back the whole row (spec §3 Ownership and lifetime: no
// shared mutable references across tasks, updates are whole-row).
func (r *LoopRepository) Update(ctx context.Context, l *models.Loop) error {
	if err := r.validate(l); err != nil {
		return err
	}
	l.UpdatedAt = nowUTC()
	meta, err := marshalMetadata(l.Metadata)
	if err != nil {
		return fmt.Errorf("marshal loop metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE loops SET
			name = ?, repo_path = ?, profile_id = ?, pool_id = ?, base_prompt = ?,
			interval_seconds = ?, max_runtime_seconds = ?, max_iterations = ?, state = ?,
			last_run_at = ?, last_exit_code = ?, last_error = ?, log_path = ?, metadata = ?,
			updated_at = ?
		WHERE id = ?`,
		l.Name, l.RepoPath, l.ProfileID, l.PoolID, l.BasePrompt,
		l.IntervalSeconds, l.MaxRuntimeSeconds, l.MaxIterations, string(l.State),
		nullableTime(l.LastRunAt), nullableInt(l.LastExitCode), l.LastError, l.LogPath, meta,
		formatTime(l.UpdatedAt), l.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLoopAlreadyExists
		}
		return fmt.Errorf("update loop %s: %w", l.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update loop %s: %w", l.ID, err)
	}
	if n == 0 {
		return ErrLoopNotFound
	}
	return nil
}

// Delete removes a Loop row. Callers (CLI `rm`) are responsible for
// confirming the loop is stopped first; Delete itself does not check state.
func (r *LoopRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM loops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete loop %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete loop %s: %w", id, err)
	}
	if n == 0 {
		return ErrLoopNotFound
	}
	return nil
}

// CountRunningByProfile reports how many loops are presently mid-iteration
// on the given profile, used by pkg/selector's concurrency check.
func (r *LoopRepository) CountRunningByProfile(ctx context.Context, profileID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loop_runs WHERE profile_id = ? AND status = 'running'`,
		profileID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running by profile %s: %w", profileID, err)
	}
	return n, nil
}
