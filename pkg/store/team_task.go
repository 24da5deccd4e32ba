package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// TeamTaskRepository persists models.TeamTask rows and their append-only
// audit events, grounded on original_source's team_task_repository.rs.
type TeamTaskRepository struct {
	db *sql.DB
}

// Create inserts a new TeamTask in state queued.
func (r *TeamTaskRepository) Create(ctx context.Context, t *models.TeamTask) error {
	if err := requireNonEmpty("team_id", t.TeamID); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = models.TeamTaskQueued
	}
	now := nowUTC()
	t.SubmittedAt, t.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO team_tasks (
			id, team_id, payload_json, status, priority, assigned_agent_id,
			submitted_at, assigned_at, started_at, finished_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TeamID, t.PayloadJSON, string(t.Status), t.Priority, t.AssignedAgentID,
		formatTime(t.SubmittedAt), nullableTime(t.AssignedAt), nullableTime(t.StartedAt),
		nullableTime(t.FinishedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create team task: %w", err)
	}
	return r.insertEvent(ctx, t.ID, t.TeamID, "submitted", nil, &t.Status, nil, nil)
}

const teamTaskColumns = `id, team_id, payload_json, status, priority, assigned_agent_id,
	submitted_at, assigned_at, started_at, finished_at, updated_at`

func scanTeamTask(row interface{ Scan(...any) error }) (*models.TeamTask, error) {
	var t models.TeamTask
	var status, submittedAt, updatedAt string
	var assignedAgentID sql.NullString
	var assignedAt, startedAt, finishedAt sql.NullString

	if err := row.Scan(
		&t.ID, &t.TeamID, &t.PayloadJSON, &status, &t.Priority, &assignedAgentID,
		&submittedAt, &assignedAt, &startedAt, &finishedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Status = models.TeamTaskStatus(status)
	if assignedAgentID.Valid {
		t.AssignedAgentID = assignedAgentID.String
	}

	var err error
	t.SubmittedAt, err = parseTime(submittedAt)
	if err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	t.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	t.AssignedAt, err = scanNullableTime(assignedAt)
	if err != nil {
		return nil, fmt.Errorf("parse assigned_at: %w", err)
	}
	t.StartedAt, err = scanNullableTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	t.FinishedAt, err = scanNullableTime(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &t, nil
}

// Get fetches a TeamTask by id.
func (r *TeamTaskRepository) Get(ctx context.Context, id string) (*models.TeamTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+teamTaskColumns+` FROM team_tasks WHERE id = ?`, id)
	t, err := scanTeamTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching a filter, highest priority first, then
// oldest submission first.
func (r *TeamTaskRepository) List(ctx context.Context, filter models.TeamTaskFilter) ([]*models.TeamTask, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + teamTaskColumns + ` FROM team_tasks WHERE 1=1`
	var args []any
	if filter.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filter.TeamID)
	}
	if filter.AssignedAgentID != "" {
		query += ` AND assigned_agent_id = ?`
		args = append(args, filter.AssignedAgentID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (`
		for i, s := range filter.Statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, string(s))
		}
		query += ")"
	}
	query += ` ORDER BY priority DESC, submitted_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list team tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.TeamTask
	for rows.Next() {
		t, err := scanTeamTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// allowedFrom mirrors the original's per-event allowed-from-status table.
var allowedFrom = map[string][]models.TeamTaskStatus{
	"assigned":  {models.TeamTaskQueued, models.TeamTaskBlocked},
	"reassigned": {models.TeamTaskAssigned},
	"started":   {models.TeamTaskAssigned, models.TeamTaskBlocked},
	"blocked":   {models.TeamTaskAssigned, models.TeamTaskRunning},
	"completed": {models.TeamTaskRunning, models.TeamTaskBlocked, models.TeamTaskAssigned},
	"failed":    {models.TeamTaskQueued, models.TeamTaskAssigned, models.TeamTaskRunning, models.TeamTaskBlocked},
	"cancelled": {models.TeamTaskQueued, models.TeamTaskAssigned, models.TeamTaskRunning, models.TeamTaskBlocked},
}

func containsStatus(ss []models.TeamTaskStatus, s models.TeamTaskStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// transition applies a validated status change, recording an audit event.
func (r *TeamTaskRepository) transition(
	ctx context.Context, taskID string, toStatus models.TeamTaskStatus,
	assignedAgentID *string, eventType string, actor, detail *string,
) (*models.TeamTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+teamTaskColumns+` FROM team_tasks WHERE id = ?`, taskID)
	t, err := scanTeamTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team task %s: %w", taskID, err)
	}

	if t.Status.Terminal() {
		return nil, NewValidationError("status", fmt.Sprintf("cannot transition terminal task from %s to %s", t.Status, toStatus))
	}
	if allowed, ok := allowedFrom[eventType]; ok && !containsStatus(allowed, t.Status) {
		return nil, NewValidationError("status", fmt.Sprintf("invalid transition %s -> %s", t.Status, toStatus))
	}

	from := t.Status
	now := nowUTC()
	t.Status = toStatus
	if assignedAgentID != nil {
		t.AssignedAgentID = *assignedAgentID
		t.AssignedAt = &now
	}
	if toStatus == models.TeamTaskRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if toStatus.Terminal() {
		t.FinishedAt = &now
	}
	t.UpdatedAt = now

	res, err := tx.ExecContext(ctx, `
		UPDATE team_tasks SET
			status = ?, assigned_agent_id = ?, assigned_at = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Status), t.AssignedAgentID, nullableTime(t.AssignedAt), nullableTime(t.StartedAt),
		nullableTime(t.FinishedAt), formatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update team task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update team task %s: %w", taskID, err)
	}
	if n == 0 {
		return nil, ErrTeamTaskNotFound
	}

	if err := r.insertEventTx(ctx, tx, t.ID, t.TeamID, eventType, &from, &t.Status, actor, detail); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return t, nil
}

// Assign moves a queued or blocked task to assigned.
func (r *TeamTaskRepository) Assign(ctx context.Context, taskID, agentID string, actor *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskAssigned, &agentID, "assigned", actor, nil)
}

// Reassign moves an already-assigned task to a different agent.
func (r *TeamTaskRepository) Reassign(ctx context.Context, taskID, agentID string, actor *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskAssigned, &agentID, "reassigned", actor, nil)
}

// Start moves an assigned or blocked task to running.
func (r *TeamTaskRepository) Start(ctx context.Context, taskID string, actor *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskRunning, nil, "started", actor, nil)
}

// Block moves an assigned or running task to blocked.
func (r *TeamTaskRepository) Block(ctx context.Context, taskID string, actor, reason *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskBlocked, nil, "blocked", actor, reason)
}

// Complete moves a running/blocked/assigned task to done.
func (r *TeamTaskRepository) Complete(ctx context.Context, taskID string, actor, detail *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskDone, nil, "completed", actor, detail)
}

// Fail moves a non-terminal task to failed.
func (r *TeamTaskRepository) Fail(ctx context.Context, taskID string, actor, detail *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskFailed, nil, "failed", actor, detail)
}

// Cancel moves a non-terminal task to cancelled.
func (r *TeamTaskRepository) Cancel(ctx context.Context, taskID string, actor, detail *string) (*models.TeamTask, error) {
	return r.transition(ctx, taskID, models.TeamTaskCancelled, nil, "cancelled", actor, detail)
}

func (r *TeamTaskRepository) insertEvent(
	ctx context.Context, taskID, teamID, eventType string,
	from, to *models.TeamTaskStatus, actor, detail *string,
) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO team_task_events (task_id, team_id, event_type, from_status, to_status, actor_agent_id, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		taskID, teamID, eventType, statusOrNil(from), statusOrNil(to), actor, detail, formatTime(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("insert team task event: %w", err)
	}
	return nil
}

func (r *TeamTaskRepository) insertEventTx(
	ctx context.Context, tx *sql.Tx, taskID, teamID, eventType string,
	from, to *models.TeamTaskStatus, actor, detail *string,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO team_task_events (task_id, team_id, event_type, from_status, to_status, actor_agent_id, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		taskID, teamID, eventType, statusOrNil(from), statusOrNil(to), actor, detail, formatTime(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("insert team task event: %w", err)
	}
	return nil
}

func statusOrNil(s *models.TeamTaskStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// ListEvents returns a task's audit trail in insertion order.
func (r *TeamTaskRepository) ListEvents(ctx context.Context, taskID string) ([]*models.TeamTaskEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, team_id, event_type, from_status, to_status, actor_agent_id, detail, created_at
		FROM team_task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list team task events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*models.TeamTaskEvent
	for rows.Next() {
		var e models.TeamTaskEvent
		var fromStatus, toStatus, actorAgentID, detail sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TeamID, &e.EventType, &fromStatus, &toStatus, &actorAgentID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan team task event: %w", err)
		}
		if fromStatus.Valid {
			s := models.TeamTaskStatus(fromStatus.String)
			e.FromStatus = &s
		}
		if toStatus.Valid {
			s := models.TeamTaskStatus(toStatus.String)
			e.ToStatus = &s
		}
		e.ActorAgentID = scanNullableString(actorAgentID)
		e.Detail = scanNullableString(detail)
		var err error
		e.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
