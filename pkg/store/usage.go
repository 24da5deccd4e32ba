package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgehq/forge/pkg/models"
)

// UsageRepository persists provider usage accounting, grounded on
// original_source's forge-db usage_repository.rs.
type UsageRepository struct {
	db *sql.DB
}

var ErrUsageRecordNotFound = errors.New("usage record not found")

// Create inserts a usage record, defaulting total_tokens and request_count
// when unset.
func (r *UsageRepository) Create(ctx context.Context, rec *models.UsageRecord) error {
	if err := requireNonEmpty("account_id", rec.AccountID); err != nil {
		return err
	}
	if err := requireNonEmpty("provider", rec.Provider); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = nowUTC()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	}
	if rec.RequestCount == 0 {
		rec.RequestCount = 1
	}

	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal usage metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, account_id, agent_id, session_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_cents,
			request_count, recorded_at, metadata
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.AccountID, nullableString(rec.AgentID), nullableString(rec.SessionID),
		rec.Provider, nullableString(rec.Model), rec.InputTokens, rec.OutputTokens,
		rec.TotalTokens, rec.CostCents, rec.RequestCount, formatTime(rec.RecordedAt), meta,
	)
	if err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}
	return nil
}

const usageColumns = `id, account_id, agent_id, session_id, provider, model,
	input_tokens, output_tokens, total_tokens, cost_cents,
	request_count, recorded_at, metadata`

func scanUsageRecord(row interface{ Scan(...any) error }) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	var agentID, sessionID, model sql.NullString
	var recordedAt, metaRaw string

	if err := row.Scan(
		&rec.ID, &rec.AccountID, &agentID, &sessionID, &rec.Provider, &model,
		&rec.InputTokens, &rec.OutputTokens, &rec.TotalTokens, &rec.CostCents,
		&rec.RequestCount, &recordedAt, &metaRaw,
	); err != nil {
		return nil, err
	}

	rec.AgentID = scanNullableString(agentID)
	rec.SessionID = scanNullableString(sessionID)
	rec.Model = scanNullableString(model)

	var err error
	rec.RecordedAt, err = parseTime(recordedAt)
	if err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	rec.Metadata, err = unmarshalMetadata(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &rec, nil
}

// Get fetches one usage record by id.
func (r *UsageRepository) Get(ctx context.Context, id string) (*models.UsageRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM usage_records WHERE id = ?`, id)
	rec, err := scanUsageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage record %s: %w", id, err)
	}
	return rec, nil
}

// Query lists usage records matching a filter, most recent first.
func (r *UsageRepository) Query(ctx context.Context, filter models.UsageFilter) ([]*models.UsageRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE 1=1`
	var args []any
	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	query, args = appendTimeFilters(query, args, filter.Since, filter.Until)
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		rec, err := scanUsageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one usage record.
func (r *UsageRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM usage_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete usage record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete usage record %s: %w", id, err)
	}
	if n == 0 {
		return ErrUsageRecordNotFound
	}
	return nil
}

func appendTimeFilters(query string, args []any, since, until *time.Time) (string, []any) {
	if since != nil {
		query += ` AND recorded_at >= ?`
		args = append(args, formatTime(*since))
	}
	if until != nil {
		query += ` AND recorded_at < ?`
		args = append(args, formatTime(*until))
	}
	return query, args
}

func (r *UsageRepository) summarize(ctx context.Context, where string, args []any) (models.UsageSummary, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_cents), 0),
			COALESCE(SUM(request_count), 0),
			COUNT(*)
		FROM usage_records WHERE ` + where

	var sum models.UsageSummary
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&sum.Input, &sum.Output, &sum.Total, &sum.CostCents, &sum.Requests, &sum.RecordCount,
	)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return sum, nil
}

// SummarizeByAccount aggregates usage for one account over an optional window.
func (r *UsageRepository) SummarizeByAccount(ctx context.Context, accountID string, since, until *time.Time) (models.UsageSummary, error) {
	where := `account_id = ?`
	args := []any{accountID}
	var q string
	q, args = appendTimeFilters(where, args, since, until)
	return r.summarize(ctx, q, args)
}

// SummarizeByProvider aggregates usage for one provider over an optional window.
func (r *UsageRepository) SummarizeByProvider(ctx context.Context, provider string, since, until *time.Time) (models.UsageSummary, error) {
	where := `provider = ?`
	args := []any{provider}
	var q string
	q, args = appendTimeFilters(where, args, since, until)
	return r.summarize(ctx, q, args)
}

// SummarizeAll aggregates usage across every account/provider.
func (r *UsageRepository) SummarizeAll(ctx context.Context, since, until *time.Time) (models.UsageSummary, error) {
	where := `1=1`
	var args []any
	var q string
	q, args = appendTimeFilters(where, args, since, until)
	return r.summarize(ctx, q, args)
}

// GetDailyUsage aggregates by date(recorded_at) and provider for one
// account within [since, until), most recent day first.
func (r *UsageRepository) GetDailyUsage(ctx context.Context, accountID string, since, until time.Time, limit int) ([]models.DailyUsage, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			date(recorded_at) as day,
			provider,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_cents), 0),
			COALESCE(SUM(request_count), 0)
		FROM usage_records
		WHERE account_id = ? AND recorded_at >= ? AND recorded_at < ?
		GROUP BY date(recorded_at), provider
		ORDER BY day DESC
		LIMIT ?`,
		accountID, formatTime(since), formatTime(until), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get daily usage for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []models.DailyUsage
	for rows.Next() {
		var d models.DailyUsage
		d.AccountID = accountID
		if err := rows.Scan(&d.Date, &d.Provider, &d.Input, &d.Output, &d.Total, &d.CostCents, &d.Requests); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDailyCache recomputes a single (account, date, provider) cache row.
// There is no automatic invalidation; callers recompute on demand.
func (r *UsageRepository) UpdateDailyCache(ctx context.Context, accountID, date, provider string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_usage_cache (
			account_id, date, provider,
			input_tokens, output_tokens, total_tokens,
			cost_cents, request_count, record_count, updated_at
		)
		SELECT
			account_id,
			date(recorded_at),
			provider,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_cents), 0),
			COALESCE(SUM(request_count), 0),
			COUNT(*),
			?
		FROM usage_records
		WHERE account_id = ? AND date(recorded_at) = ? AND provider = ?
		GROUP BY account_id, date(recorded_at), provider
		ON CONFLICT(account_id, date, provider) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			cost_cents = excluded.cost_cents,
			request_count = excluded.request_count,
			record_count = excluded.record_count,
			updated_at = excluded.updated_at`,
		formatTime(nowUTC()), accountID, date, provider,
	)
	if err != nil {
		return fmt.Errorf("update daily cache %s/%s/%s: %w", accountID, date, provider, err)
	}
	return nil
}
