package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// PoolRepository persists models.Pool rows and their membership lists.
type PoolRepository struct {
	db *sql.DB
}

func (r *PoolRepository) validate(p *models.Pool) error {
	if err := requireNonEmpty("name", p.Name); err != nil {
		return err
	}
	switch p.Mode {
	case "", models.PoolModeActive, models.PoolModeDraining, models.PoolModePaused:
	default:
		return NewValidationError("mode", fmt.Sprintf("unknown pool mode %q", p.Mode))
	}
	return nil
}

// Create inserts a new Pool, assigning an id if absent. If is_default is
// set, any other pool currently marked default is demoted in the same
// transaction (spec §4.3: at most one default pool).
func (r *PoolRepository) Create(ctx context.Context, p *models.Pool) error {
	if err := r.validate(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Mode == "" {
		p.Mode = models.PoolModeActive
	}
	now := nowUTC()
	p.CreatedAt, p.UpdatedAt = now, now

	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal pool metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create pool: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE pools SET is_default = 0 WHERE is_default = 1`); err != nil {
			return fmt.Errorf("demote existing default pool: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pools (id, name, is_default, mode, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, boolToInt(p.IsDefault), string(p.Mode), meta,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPoolAlreadyExists
		}
		return fmt.Errorf("create pool: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const poolColumns = `id, name, is_default, mode, metadata, created_at, updated_at`

func scanPool(row interface{ Scan(...any) error }) (*models.Pool, error) {
	var p models.Pool
	var isDefault int
	var mode, createdAt, updatedAt, metaRaw string

	if err := row.Scan(&p.ID, &p.Name, &isDefault, &mode, &metaRaw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.IsDefault = isDefault != 0
	p.Mode = models.PoolMode(mode)

	var err error
	p.Metadata, err = unmarshalMetadata(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	p.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	p.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// Get fetches a Pool by id.
func (r *PoolRepository) Get(ctx context.Context, id string) (*models.Pool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = ?`, id)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

// GetByName fetches a Pool by its unique name.
func (r *PoolRepository) GetByName(ctx context.Context, name string) (*models.Pool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE name = ?`, name)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool by name %s: %w", name, err)
	}
	return p, nil
}

// GetDefault fetches the pool currently marked is_default.
func (r *PoolRepository) GetDefault(ctx context.Context) (*models.Pool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE is_default = 1 LIMIT 1`)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default pool: %w", err)
	}
	return p, nil
}

// List returns every pool, ordered by name.
func (r *PoolRepository) List(ctx context.Context) ([]*models.Pool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []*models.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update writes back the whole row, including the is_default demotion
// invariant.
func (r *PoolRepository) Update(ctx context.Context, p *models.Pool) error {
	if err := r.validate(p); err != nil {
		return err
	}
	p.UpdatedAt = nowUTC()
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal pool metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update pool: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE pools SET is_default = 0 WHERE is_default = 1 AND id != ?`, p.ID); err != nil {
			return fmt.Errorf("demote existing default pool: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE pools SET name = ?, is_default = ?, mode = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, boolToInt(p.IsDefault), string(p.Mode), meta, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPoolAlreadyExists
		}
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}
	if n == 0 {
		return ErrPoolNotFound
	}
	return tx.Commit()
}

// Delete removes a Pool row and its membership rows.
func (r *PoolRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete pool: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_members WHERE pool_id = ?`, id); err != nil {
		return fmt.Errorf("delete pool members for %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pool %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete pool %s: %w", id, err)
	}
	if n == 0 {
		return ErrPoolNotFound
	}
	return tx.Commit()
}

// Members returns a pool's membership rows ordered by position.
func (r *PoolRepository) Members(ctx context.Context, poolID string) ([]models.PoolMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pool_id, profile_id, position FROM pool_members
		WHERE pool_id = ? ORDER BY position ASC`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list pool members for %s: %w", poolID, err)
	}
	defer rows.Close()

	var out []models.PoolMember
	for rows.Next() {
		var m models.PoolMember
		if err := rows.Scan(&m.PoolID, &m.ProfileID, &m.Position); err != nil {
			return nil, fmt.Errorf("scan pool member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember appends (or moves) a profile into a pool at the given position.
// Existing members at or after position are shifted back by one.
func (r *PoolRepository) AddMember(ctx context.Context, poolID, profileID string, position int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add pool member: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_members WHERE pool_id = ? AND profile_id = ?`, poolID, profileID); err != nil {
		return fmt.Errorf("remove existing membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pool_members SET position = position + 1
		WHERE pool_id = ? AND position >= ?`, poolID, position); err != nil {
		return fmt.Errorf("shift pool members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pool_members (pool_id, profile_id, position) VALUES (?,?,?)`,
		poolID, profileID, position); err != nil {
		return fmt.Errorf("insert pool member: %w", err)
	}
	return tx.Commit()
}

// RemoveMember deletes a membership row and closes the resulting gap so
// positions stay contiguous from zero.
func (r *PoolRepository) RemoveMember(ctx context.Context, poolID, profileID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove pool member: %w", err)
	}
	defer tx.Rollback()

	var pos int
	err = tx.QueryRowContext(ctx, `
		SELECT position FROM pool_members WHERE pool_id = ? AND profile_id = ?`, poolID, profileID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find pool member position: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_members WHERE pool_id = ? AND profile_id = ?`, poolID, profileID); err != nil {
		return fmt.Errorf("delete pool member: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pool_members SET position = position - 1
		WHERE pool_id = ? AND position > ?`, poolID, pos); err != nil {
		return fmt.Errorf("close pool member gap: %w", err)
	}
	return tx.Commit()
}

// AdvanceCursor persists a new round-robin last_index into Pool.Metadata
// (spec §4.3 step 4). pkg/selector does not call it: it sets the cursor
// through its Backend's UpdatePool.
func (r *PoolRepository) AdvanceCursor(ctx context.Context, poolID string, idx int) error {
	p, err := r.Get(ctx, poolID)
	if err != nil {
		return err
	}
	p.SetLastIndex(idx)
	return r.Update(ctx, p)
}
