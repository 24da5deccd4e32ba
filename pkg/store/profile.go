package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgehq/forge/pkg/models"
)

// ProfileRepository persists models.Profile rows.
type ProfileRepository struct {
	db *sql.DB
}

func (r *ProfileRepository) validate(p *models.Profile) error {
	if err := requireNonEmpty("name", p.Name); err != nil {
		return err
	}
	if err := requireNonEmpty("command_template", p.CommandTemplate); err != nil {
		return err
	}
	if !p.PromptMode.Valid() {
		return NewValidationError("prompt_mode", fmt.Sprintf("unknown prompt mode %q", p.PromptMode))
	}
	if err := requireNonNegative("max_concurrency", p.MaxConcurrency); err != nil {
		return err
	}
	return nil
}

func encodeStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func encodeStringMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStringMap(s string) (map[string]string, error) {
	if s == "" {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Create inserts a new Profile, assigning an id if absent.
func (r *ProfileRepository) Create(ctx context.Context, p *models.Profile) error {
	if err := r.validate(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = newID()
	}
	now := nowUTC()
	p.CreatedAt, p.UpdatedAt = now, now

	extraArgs, err := encodeStrings(p.ExtraArgs)
	if err != nil {
		return fmt.Errorf("marshal extra_args: %w", err)
	}
	env, err := encodeStringMap(p.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO profiles (
			id, name, harness, command_template, prompt_mode, max_concurrency,
			cooldown_until, auth_token, model, extra_args, environment,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, string(p.Harness), p.CommandTemplate, string(p.PromptMode), p.MaxConcurrency,
		nullableTime(p.CooldownUntil), p.AuthToken, p.Model, extraArgs, env,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProfileAlreadyExists
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

const profileColumns = `id, name, harness, command_template, prompt_mode, max_concurrency,
	cooldown_until, auth_token, model, extra_args, environment, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*models.Profile, error) {
	var p models.Profile
	var harness, promptMode, createdAt, updatedAt string
	var cooldownUntil sql.NullString
	var extraArgs, environment string

	if err := row.Scan(
		&p.ID, &p.Name, &harness, &p.CommandTemplate, &promptMode, &p.MaxConcurrency,
		&cooldownUntil, &p.AuthToken, &p.Model, &extraArgs, &environment,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	p.Harness = models.HarnessKind(harness)
	p.PromptMode = models.PromptMode(promptMode)

	var err error
	p.CooldownUntil, err = scanNullableTime(cooldownUntil)
	if err != nil {
		return nil, fmt.Errorf("parse cooldown_until: %w", err)
	}
	p.ExtraArgs, err = decodeStrings(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse extra_args: %w", err)
	}
	p.Environment, err = decodeStringMap(environment)
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
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

// Get fetches a Profile by id.
func (r *ProfileRepository) Get(ctx context.Context, id string) (*models.Profile, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

// GetByName fetches a Profile by its unique name.
func (r *ProfileRepository) GetByName(ctx context.Context, name string) (*models.Profile, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by name %s: %w", name, err)
	}
	return p, nil
}

// List returns every profile, ordered by name.
func (r *ProfileRepository) List(ctx context.Context) ([]*models.Profile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByIDs fetches profiles for a pool's membership list, preserving no
// particular order (callers reorder by PoolMember.Position).
func (r *ProfileRepository) ListByIDs(ctx context.Context, ids []string) ([]*models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles by ids: %w", err)
	}
	defer rows.Close()

	var out []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update writes back the whole row.
func (r *ProfileRepository) Update(ctx context.Context, p *models.Profile) error {
	if err := r.validate(p); err != nil {
		return err
	}
	p.UpdatedAt = nowUTC()

	extraArgs, err := encodeStrings(p.ExtraArgs)
	if err != nil {
		return fmt.Errorf("marshal extra_args: %w", err)
	}
	env, err := encodeStringMap(p.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET
			name = ?, harness = ?, command_template = ?, prompt_mode = ?, max_concurrency = ?,
			cooldown_until = ?, auth_token = ?, model = ?, extra_args = ?, environment = ?,
			updated_at = ?
		WHERE id = ?`,
		p.Name, string(p.Harness), p.CommandTemplate, string(p.PromptMode), p.MaxConcurrency,
		nullableTime(p.CooldownUntil), p.AuthToken, p.Model, extraArgs, env,
		formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProfileAlreadyExists
		}
		return fmt.Errorf("update profile %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile %s: %w", p.ID, err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SetCooldown atomically bumps cooldown_until (spec §4.3 cooldown check).
// No other package calls it; pkg/selector only reads cooldown_until.
func (r *ProfileRepository) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET cooldown_until = ?, updated_at = ? WHERE id = ?`,
		nullableTime(until), formatTime(nowUTC()), id,
	)
	if err != nil {
		return fmt.Errorf("set cooldown for profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set cooldown for profile %s: %w", id, err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// Delete removes a Profile row.
func (r *ProfileRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}
