package postgres

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/courtsync/internal/model"
)

// RunLogRepo implements RunLogRepository using PostgreSQL.
type RunLogRepo struct{ db *DB }

// NewRunLogRepo constructs a run log repository.
func NewRunLogRepo(db *DB) *RunLogRepo { return &RunLogRepo{db: db} }

// Insert appends a run log row.
func (r *RunLogRepo) Insert(ctx context.Context, l model.RunLog) error {
	details, err := json.Marshal(l.Details)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO sync_run_logs (action, trigger, status, cases_synced, duration_ms, details, error)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`
	_, err = r.db.Pool.Exec(ctx, q, l.Action, l.Trigger, l.Status, l.CasesSynced, l.Duration.Milliseconds(), details, l.Error)
	return err
}

// SettingsRepo implements SettingsRepository over the single-row sync_settings table.
type SettingsRepo struct{ db *DB }

// NewSettingsRepo constructs a settings repository.
func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Get decodes stored settings over the defaults and validates the result.
func (r *SettingsRepo) Get(ctx context.Context) (model.Settings, error) {
	s := model.DefaultSettings()
	const q = `SELECT value FROM sync_settings WHERE id=1`
	var raw []byte
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, nil
		}
		return model.Settings{}, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return model.Settings{}, err
	}
	return s, nil
}
