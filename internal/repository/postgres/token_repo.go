package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/courtsync/internal/crypto"
	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL. Token values are sealed at rest.
type TokenRepo struct {
	db     *DB
	sealer crypto.Sealer
}

// NewTokenRepo constructs a token repository.
func NewTokenRepo(db *DB, sealer crypto.Sealer) *TokenRepo {
	return &TokenRepo{db: db, sealer: sealer}
}

const tokenColumns = `case_id, identity_id, value_enc, acquired_at, validated_at, stale`

func (r *TokenRepo) scan(row pgx.Row) (model.CaseToken, error) {
	var (
		t   model.CaseToken
		enc []byte
	)
	if err := row.Scan(&t.CaseID, &t.IdentityID, &enc, &t.AcquiredAt, &t.ValidatedAt, &t.Stale); err != nil {
		return model.CaseToken{}, err
	}
	plain, err := r.sealer.Open(enc, t.CaseID.Bytes())
	if err != nil {
		return model.CaseToken{}, err
	}
	t.Value = string(plain)
	return t, nil
}

// Get selects the token of a case.
func (r *TokenRepo) Get(ctx context.Context, caseID uuid.UUID) (*model.CaseToken, error) {
	const q = `SELECT ` + tokenColumns + ` FROM case_tokens WHERE case_id=$1`
	t, err := r.scan(r.db.Pool.QueryRow(ctx, q, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Put replaces the token of a case and archives the previous binding.
func (r *TokenRepo) Put(ctx context.Context, t *model.CaseToken) (err error) {
	sealed, err := r.sealer.Seal([]byte(t.Value), t.CaseID.Bytes())
	if err != nil {
		return err
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
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

	const sel = `SELECT identity_id, acquired_at, stale FROM case_tokens WHERE case_id=$1 FOR UPDATE`
	const hist = `
INSERT INTO case_token_history (case_id, identity_id, acquired_at, was_stale, reason)
VALUES ($1, $2, $3, $4, 'replaced')`
	const ups = `
INSERT INTO case_tokens (case_id, identity_id, value_enc, acquired_at, validated_at, stale, updated_at)
VALUES ($1, $2, $3, $4, $5, false, now())
ON CONFLICT (case_id) DO UPDATE SET
  identity_id=EXCLUDED.identity_id,
  value_enc=EXCLUDED.value_enc,
  acquired_at=EXCLUDED.acquired_at,
  validated_at=EXCLUDED.validated_at,
  stale=false,
  updated_at=now()`

	var (
		prevIdentity uuid.UUID
		prevAcquired time.Time
		prevStale    bool
	)
	scanErr := tx.QueryRow(ctx, sel, t.CaseID).Scan(&prevIdentity, &prevAcquired, &prevStale)
	switch {
	case scanErr == nil:
		if _, err = tx.Exec(ctx, hist, t.CaseID, prevIdentity, prevAcquired, prevStale); err != nil {
			return err
		}
	case errors.Is(scanErr, pgx.ErrNoRows):
	default:
		return scanErr
	}

	_, err = tx.Exec(ctx, ups, t.CaseID, t.IdentityID, sealed, t.AcquiredAt, t.ValidatedAt)
	return err
}

// MarkValidated sets validated_at after a successful query.
func (r *TokenRepo) MarkValidated(ctx context.Context, caseID uuid.UUID, at time.Time) error {
	const q = `UPDATE case_tokens SET validated_at=$2, updated_at=now() WHERE case_id=$1 AND NOT stale`
	_, err := r.db.Pool.Exec(ctx, q, caseID, at)
	return err
}

// Invalidate marks the token stale and records the reason in history.
func (r *TokenRepo) Invalidate(ctx context.Context, caseID uuid.UUID, reason string) error {
	const q = `
WITH inv AS (
  UPDATE case_tokens SET stale=true, updated_at=now()
  WHERE case_id=$1
  RETURNING case_id, identity_id, acquired_at
)
INSERT INTO case_token_history (case_id, identity_id, acquired_at, was_stale, reason)
SELECT case_id, identity_id, acquired_at, true, $2 FROM inv`
	tag, err := r.db.Pool.Exec(ctx, q, caseID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListByIdentity selects all tokens bound to an identity, stale ones included.
func (r *TokenRepo) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]model.CaseToken, error) {
	const q = `SELECT ` + tokenColumns + ` FROM case_tokens WHERE identity_id=$1 ORDER BY case_id`
	rows, err := r.db.Pool.Query(ctx, q, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CaseToken
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
