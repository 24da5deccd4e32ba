package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// LoopRunRepository persists models.LoopRun rows.
type LoopRunRepository struct {
	db *sql.DB
}

// Create inserts a new LoopRun, assigning an id if absent.
func (r *LoopRunRepository) Create(ctx context.Context, run *models.LoopRun) error {
	if err := requireNonEmpty("loop_id", run.LoopID); err != nil {
		return err
	}
	if err := requireNonEmpty("profile_id", run.ProfileID); err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = newID()
	}
	if run.Status == "" {
		run.Status = models.LoopRunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO loop_runs (id, loop_id, profile_id, started_at, finished_at, status, exit_code, stop_reason)
		VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.LoopID, run.ProfileID, formatTime(run.StartedAt), nullableTime(run.FinishedAt),
		string(run.Status), nullableInt(run.ExitCode), run.StopReason,
	)
	if err != nil {
		return fmt.Errorf("create loop run: %w", err)
	}
	return nil
}

const loopRunColumns = `id, loop_id, profile_id, started_at, finished_at, status, exit_code, stop_reason`

func scanLoopRun(row interface{ Scan(...any) error }) (*models.LoopRun, error) {
	var run models.LoopRun
	var startedAt string
	var finishedAt sql.NullString
	var status string
	var exitCode sql.NullInt64

	if err := row.Scan(&run.ID, &run.LoopID, &run.ProfileID, &startedAt, &finishedAt, &status, &exitCode, &run.StopReason); err != nil {
		return nil, err
	}

	run.Status = models.LoopRunStatus(status)
	run.ExitCode = scanNullableInt(exitCode)

	var err error
	run.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	run.FinishedAt, err = scanNullableTime(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &run, nil
}

// Get fetches a LoopRun by id.
func (r *LoopRunRepository) Get(ctx context.Context, id string) (*models.LoopRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+loopRunColumns+` FROM loop_runs WHERE id = ?`, id)
	run, err := scanLoopRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loop run %s: %w", id, err)
	}
	return run, nil
}

// Finish transitions a run to a terminal status with an exit code/reason.
func (r *LoopRunRepository) Finish(ctx context.Context, id string, status models.LoopRunStatus, exitCode *int, stopReason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE loop_runs SET finished_at = ?, status = ?, exit_code = ?, stop_reason = ?
		WHERE id = ?`,
		formatTime(nowUTC()), string(status), nullableInt(exitCode), stopReason, id,
	)
	if err != nil {
		return fmt.Errorf("finish loop run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish loop run %s: %w", id, err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListByLoop returns a loop's runs, most recent first, capped at limit
// (default 50).
func (r *LoopRunRepository) ListByLoop(ctx context.Context, loopID string, limit int) ([]*models.LoopRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+loopRunColumns+` FROM loop_runs WHERE loop_id = ?
		ORDER BY started_at DESC LIMIT ?`, loopID, limit)
	if err != nil {
		return nil, fmt.Errorf("list loop runs for %s: %w", loopID, err)
	}
	defer rows.Close()

	var out []*models.LoopRun
	for rows.Next() {
		run, err := scanLoopRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loop run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Latest returns the most recent run for a loop, if any.
func (r *LoopRunRepository) Latest(ctx context.Context, loopID string) (*models.LoopRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+loopRunColumns+` FROM loop_runs WHERE loop_id = ?
		ORDER BY started_at DESC LIMIT 1`, loopID)
	run, err := scanLoopRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest loop run for %s: %w", loopID, err)
	}
	return run, nil
}
