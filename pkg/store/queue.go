package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgehq/forge/pkg/models"
)

// LoopQueueRepository persists models.LoopQueueItem rows.
//
// Enqueue appends after the highest pending position; ClearPending
// renumbers the remaining items 1..N and Move renumbers the pending items
// 1..N, each under a single transaction. Consume, Cancel and PopFront do not
// renumber, so pending positions can have gaps until the next ClearPending
// or Move.
type LoopQueueRepository struct {
	db *sql.DB
}

const queueColumns = `id, loop_id, type, payload, status, position, created_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*models.LoopQueueItem, error) {
	var it models.LoopQueueItem
	var status, createdAt string

	if err := row.Scan(&it.ID, &it.LoopID, &it.Type, &it.Payload, &status, &it.Position, &createdAt); err != nil {
		return nil, err
	}
	it.Status = models.LoopQueueItemStatus(status)

	var err error
	it.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &it, nil
}

// Enqueue appends items for loopID with strictly increasing positions,
// continuing after the current highest pending position, all within one
// transaction.
func (r *LoopQueueRepository) Enqueue(ctx context.Context, loopID string, items []*models.LoopQueueItem) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if err := requireNonEmpty("type", it.Type); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(position) FROM loop_queue_items WHERE loop_id = ? AND status = 'pending'`,
		loopID).Scan(&maxPos); err != nil {
		return fmt.Errorf("read max pending position: %w", err)
	}
	next := 1
	if maxPos.Valid {
		next = int(maxPos.Int64) + 1
	}

	now := nowUTC()
	for _, it := range items {
		if it.ID == "" {
			it.ID = newID()
		}
		it.LoopID = loopID
		if it.Status == "" {
			it.Status = models.QueueItemPending
		}
		it.Position = next
		it.CreatedAt = now
		next++

		_, err := tx.ExecContext(ctx, `
			INSERT INTO loop_queue_items (id, loop_id, type, payload, status, position, created_at)
			VALUES (?,?,?,?,?,?,?)`,
			it.ID, it.LoopID, it.Type, it.Payload, string(it.Status), it.Position, formatTime(it.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
	}
	return tx.Commit()
}

// ClearPending removes every pending item for loopID and renumbers the
// remaining (consumed/cancelled) items to a contiguous 1..N sequence, per
// spec §3 Invariant 3 and §9 Open Question (a): items already claimed by a
// concurrent runner are untouched by definition, since only pending rows
// are deleted.
func (r *LoopQueueRepository) ClearPending(ctx context.Context, loopID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear_pending: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM loop_queue_items WHERE loop_id = ? AND status = 'pending'`, loopID); err != nil {
		return fmt.Errorf("delete pending queue items: %w", err)
	}
	if err := renumber(ctx, tx, loopID); err != nil {
		return err
	}
	return tx.Commit()
}

// renumber re-assigns positions 1..N over the remaining rows for loopID,
// oldest first, preserving relative order.
func renumber(ctx context.Context, tx *sql.Tx, loopID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM loop_queue_items WHERE loop_id = ? ORDER BY position ASC`, loopID)
	if err != nil {
		return fmt.Errorf("read queue items for renumber: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan queue item id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE loop_queue_items SET position = ? WHERE id = ?`, i+1, id); err != nil {
			return fmt.Errorf("renumber queue item %s: %w", id, err)
		}
	}
	return nil
}

// Move repositions a pending item to the front or back of the pending
// subsequence (spec §4.1: "move(item, front|back) reorders within pending
// items only; non-pending items keep relative order but move to the tail").
// Pending items are renumbered 1..N; every non-pending item is assigned the
// tied tail position N+1, mirroring
// original_source/rust/crates/forge-cli/src/queue.rs's
// InMemoryQueueBackend::move_item, which relies on a stable sort over that
// tied position to preserve non-pending items' relative order.
func (r *LoopQueueRepository) Move(ctx context.Context, itemID string, toFront bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer tx.Rollback()

	var loopID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT loop_id, status FROM loop_queue_items WHERE id = ?`, itemID).Scan(&loopID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrQueueItemNotFound
	}
	if err != nil {
		return fmt.Errorf("find queue item %s: %w", itemID, err)
	}
	if status != string(models.QueueItemPending) {
		return NewValidationError("status", "move only applies to pending items")
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM loop_queue_items WHERE loop_id = ? AND status = 'pending' ORDER BY position ASC`, loopID)
	if err != nil {
		return fmt.Errorf("read pending queue items: %w", err)
	}
	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending queue item id: %w", err)
		}
		pending = append(pending, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	reordered := make([]string, 0, len(pending))
	if toFront {
		reordered = append(reordered, itemID)
		for _, id := range pending {
			if id != itemID {
				reordered = append(reordered, id)
			}
		}
	} else {
		for _, id := range pending {
			if id != itemID {
				reordered = append(reordered, id)
			}
		}
		reordered = append(reordered, itemID)
	}

	for i, id := range reordered {
		if _, err := tx.ExecContext(ctx, `
			UPDATE loop_queue_items SET position = ? WHERE id = ?`, i+1, id); err != nil {
			return fmt.Errorf("reorder queue item %s: %w", id, err)
		}
	}

	tailPos := len(reordered) + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE loop_queue_items SET position = ? WHERE loop_id = ? AND status != 'pending'`,
		tailPos, loopID); err != nil {
		return fmt.Errorf("move non-pending queue items to tail: %w", err)
	}

	return tx.Commit()
}

// Consume marks a pending item consumed, used by the Runner after acting
// on it.
func (r *LoopQueueRepository) Consume(ctx context.Context, itemID string) error {
	return r.setStatus(ctx, itemID, models.QueueItemConsumed)
}

// Cancel marks a pending item cancelled.
func (r *LoopQueueRepository) Cancel(ctx context.Context, itemID string) error {
	return r.setStatus(ctx, itemID, models.QueueItemCancelled)
}

func (r *LoopQueueRepository) setStatus(ctx context.Context, itemID string, status models.LoopQueueItemStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE loop_queue_items SET status = ? WHERE id = ?`, string(status), itemID)
	if err != nil {
		return fmt.Errorf("set queue item %s status: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set queue item %s status: %w", itemID, err)
	}
	if n == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

// Pending returns the pending items for a loop, ordered by position.
func (r *LoopQueueRepository) Pending(ctx context.Context, loopID string) ([]*models.LoopQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM loop_queue_items
		WHERE loop_id = ? AND status = 'pending' ORDER BY position ASC`, loopID)
	if err != nil {
		return nil, fmt.Errorf("list pending queue items for %s: %w", loopID, err)
	}
	defer rows.Close()

	var out []*models.LoopQueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// PopFront consumes and returns the earliest pending item, if any, as one
// atomic operation (spec §4.4: Runner drains the queue once per iteration).
func (r *LoopQueueRepository) PopFront(ctx context.Context, loopID string) (*models.LoopQueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop_front: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM loop_queue_items
		WHERE loop_id = ? AND status = 'pending' ORDER BY position ASC LIMIT 1`, loopID)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop_front queue item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE loop_queue_items SET status = 'consumed' WHERE id = ?`, it.ID); err != nil {
		return nil, fmt.Errorf("consume queue item %s: %w", it.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop_front: %w", err)
	}
	it.Status = models.QueueItemConsumed
	return it, nil
}
