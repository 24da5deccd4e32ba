package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// LoopKVRepository persists per-loop key/value memory entries.
type LoopKVRepository struct {
	db *sql.DB
}

// Set upserts a (loop_id, key) entry.
func (r *LoopKVRepository) Set(ctx context.Context, loopID, key, value string) error {
	if err := requireNonEmpty("key", key); err != nil {
		return err
	}
	now := nowUTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE loop_kv SET value = ?, updated_at = ? WHERE loop_id = ? AND key = ?`,
		value, formatTime(now), loopID, key,
	)
	if err != nil {
		return fmt.Errorf("update loop kv %s/%s: %w", loopID, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update loop kv %s/%s: %w", loopID, key, err)
	}
	if n > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO loop_kv (loop_id, key, value, created_at, updated_at) VALUES (?,?,?,?,?)`,
		loopID, key, value, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert loop kv %s/%s: %w", loopID, key, err)
	}
	return nil
}

// Get fetches one loop_kv entry.
func (r *LoopKVRepository) Get(ctx context.Context, loopID, key string) (*models.LoopKV, error) {
	var kv models.LoopKV
	var createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT loop_id, key, value, created_at, updated_at
		FROM loop_kv WHERE loop_id = ? AND key = ?`, loopID, key,
	).Scan(&kv.LoopID, &kv.Key, &kv.Value, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKVNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loop kv %s/%s: %w", loopID, key, err)
	}
	kv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	kv.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &kv, nil
}

// List returns every kv entry for a loop.
func (r *LoopKVRepository) List(ctx context.Context, loopID string) ([]*models.LoopKV, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT loop_id, key, value, created_at, updated_at
		FROM loop_kv WHERE loop_id = ? ORDER BY key ASC`, loopID)
	if err != nil {
		return nil, fmt.Errorf("list loop kv for %s: %w", loopID, err)
	}
	defer rows.Close()

	var out []*models.LoopKV
	for rows.Next() {
		var kv models.LoopKV
		var createdAt, updatedAt string
		if err := rows.Scan(&kv.LoopID, &kv.Key, &kv.Value, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan loop kv: %w", err)
		}
		kv.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		kv.UpdatedAt, err = parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, &kv)
	}
	return out, rows.Err()
}

// Delete removes one kv entry.
func (r *LoopKVRepository) Delete(ctx context.Context, loopID, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM loop_kv WHERE loop_id = ? AND key = ?`, loopID, key)
	if err != nil {
		return fmt.Errorf("delete loop kv %s/%s: %w", loopID, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete loop kv %s/%s: %w", loopID, key, err)
	}
	if n == 0 {
		return ErrKVNotFound
	}
	return nil
}
