package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
)

// CaseRepo implements CaseRepository using PostgreSQL.
type CaseRepo struct{ db *DB }

// NewCaseRepo constructs a case repository.
func NewCaseRepo(db *DB) *CaseRepo { return &CaseRepo{db: db} }

const caseColumns = `
c.id, c.tenant_id, c.owner_user_id, COALESCE(c.case_number, ''), c.court_name, c.party_name, c.status,
c.case_result, c.case_result_date, c.sync_enabled, c.next_progress_sync_at, c.sync_cooldown_until,
EXISTS (SELECT 1 FROM case_tokens t WHERE t.case_id = c.id AND NOT t.stale)`

func scanCase(row pgx.Row) (model.Case, error) {
	var (
		c             model.Case
		tenant, owner uuid.NullUUID
	)
	err := row.Scan(&c.ID, &tenant, &owner, &c.CaseNumber, &c.CourtName, &c.PartyName, &c.Status,
		&c.CaseResult, &c.CaseResultDate, &c.SyncEnabled, &c.NextProgressSyncAt, &c.SyncCooldownUntil, &c.Linked)
	if err != nil {
		return model.Case{}, err
	}
	c.TenantID = uuidPtr(tenant)
	c.OwnerUserID = uuidPtr(owner)
	return c, nil
}

// SelectDueCases returns due, numbered, sync-enabled cases outside their cooldown window
// that pass the active-case rule. The block list only applies when the allow list is empty.
func (r *CaseRepo) SelectDueCases(ctx context.Context, f model.CaseFilter, limit int) ([]model.Case, error) {
	const q = `SELECT` + caseColumns + `
FROM cases c
WHERE c.sync_enabled
  AND COALESCE(c.case_number, '') <> ''
  AND (c.next_progress_sync_at IS NULL OR c.next_progress_sync_at <= $1)
  AND (c.sync_cooldown_until IS NULL OR c.sync_cooldown_until <= $1)
  AND (cardinality($3::text[]) = 0 OR c.status = ANY($3::text[]))
  AND (cardinality($3::text[]) > 0 OR NOT (c.status = ANY($4::text[])))
  AND (NOT $5::boolean OR (COALESCE(c.case_result, '') = '' AND c.case_result_date IS NULL))
  AND (NOT $6::boolean OR EXISTS (SELECT 1 FROM case_tokens t WHERE t.case_id = c.id AND NOT t.stale))
ORDER BY c.next_progress_sync_at ASC NULLS FIRST, c.id
LIMIT $2`
	rule := f.Rule
	rows, err := r.db.Pool.Query(ctx, q, f.DueBefore, limit,
		nonNil(rule.StatusAllowList), nonNil(rule.StatusBlockList), rule.ExcludeFinalResult, rule.RequireLinked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateNextSyncAt is a compare-and-set on next_progress_sync_at.
func (r *CaseRepo) UpdateNextSyncAt(ctx context.Context, caseID uuid.UUID, prev *time.Time, next time.Time) (bool, error) {
	const q = `
UPDATE cases SET next_progress_sync_at=$3
WHERE id=$1 AND next_progress_sync_at IS NOT DISTINCT FROM $2`
	tag, err := r.db.Pool.Exec(ctx, q, caseID, prev, next)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordProgressResult stores the progress payload, reports whether its hash
// changed and records the updates found against the previous payload.
func (r *CaseRepo) RecordProgressResult(ctx context.Context, caseID uuid.UUID, res model.ProgressResult) (ch model.ProgressChange, err error) {
	payload, err := json.Marshal(res.Entries)
	if err != nil {
		return ch, err
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ch, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT progress, progress_hash FROM cases WHERE id=$1 FOR UPDATE`
	const upd = `UPDATE cases SET progress=$2, progress_hash=$3, last_progress_sync_at=$4 WHERE id=$1`
	const ins = `
INSERT INTO case_progress_updates (case_id, update_type, importance, summary, entry, previous_result, detected_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`

	var (
		prevRaw  []byte
		prevHash *string
	)
	if err = tx.QueryRow(ctx, sel, caseID).Scan(&prevRaw, &prevHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errs.ErrNotFound
		}
		return ch, err
	}
	if _, err = tx.Exec(ctx, upd, caseID, payload, res.Hash, res.FetchedAt); err != nil {
		return ch, err
	}

	ch.Changed = prevHash == nil || *prevHash != res.Hash
	// The first stored payload is the baseline and yields no updates.
	if !ch.Changed || len(prevRaw) == 0 || string(prevRaw) == "null" {
		return ch, nil
	}
	var prev []model.ProgressEntry
	if err = json.Unmarshal(prevRaw, &prev); err != nil {
		return ch, fmt.Errorf("decode stored progress: %w", err)
	}
	ch.Updates = model.DiffProgress(prev, res.Entries)
	for _, u := range ch.Updates {
		entry, mErr := json.Marshal(u.Entry)
		if mErr != nil {
			return ch, mErr
		}
		if _, err = tx.Exec(ctx, ins, caseID, string(u.Type), u.Importance, u.Summary, entry, u.PreviousResult, res.FetchedAt); err != nil {
			return ch, err
		}
	}
	return ch, nil
}

// Get loads a single case by ID.
func (r *CaseRepo) Get(ctx context.Context, caseID uuid.UUID) (*model.Case, error) {
	const q = `SELECT` + caseColumns + `
FROM cases c WHERE c.id=$1`
	c, err := scanCase(r.db.Pool.QueryRow(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// SetCooldown sets sync_cooldown_until.
func (r *CaseRepo) SetCooldown(ctx context.Context, caseID uuid.UUID, until time.Time) error {
	const q = `UPDATE cases SET sync_cooldown_until=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, caseID, until)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// nonNil keeps empty lists from being sent as SQL NULL, which cardinality() would not count as empty.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
