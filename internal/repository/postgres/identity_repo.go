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

// IdentityRepo implements IdentityRepository using PostgreSQL. Cookies are sealed at rest.
type IdentityRepo struct {
	db     *DB
	sealer crypto.Sealer
}

// NewIdentityRepo constructs an identity repository.
func NewIdentityRepo(db *DB, sealer crypto.Sealer) *IdentityRepo {
	return &IdentityRepo{db: db, sealer: sealer}
}

const identityColumns = `id, owner_user_id, cookie_enc, issued_at, expires_at, status`

func (r *IdentityRepo) scan(row pgx.Row) (model.BrowserIdentity, error) {
	var (
		b      model.BrowserIdentity
		owner  uuid.NullUUID
		cookie []byte
		status string
	)
	if err := row.Scan(&b.ID, &owner, &cookie, &b.IssuedAt, &b.ExpiresAt, &status); err != nil {
		return model.BrowserIdentity{}, err
	}
	plain, err := r.sealer.Open(cookie, b.ID.Bytes())
	if err != nil {
		return model.BrowserIdentity{}, err
	}
	b.Cookie = string(plain)
	b.OwnerUserID = uuidPtr(owner)
	b.Status = model.IdentityStatus(status)
	return b, nil
}

// Create inserts a new identity row.
func (r *IdentityRepo) Create(ctx context.Context, b *model.BrowserIdentity) error {
	sealed, err := r.sealer.Seal([]byte(b.Cookie), b.ID.Bytes())
	if err != nil {
		return err
	}
	const q = `
INSERT INTO browser_identities (id, owner_user_id, cookie_enc, issued_at, expires_at, status)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.db.Pool.Exec(ctx, q, b.ID, b.OwnerUserID, sealed, b.IssuedAt, b.ExpiresAt, string(b.Status))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects an identity by ID.
func (r *IdentityRepo) Get(ctx context.Context, id uuid.UUID) (*model.BrowserIdentity, error) {
	const q = `SELECT ` + identityColumns + ` FROM browser_identities WHERE id=$1`
	b, err := r.scan(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Active selects the active identity of an owner scope.
func (r *IdentityRepo) Active(ctx context.Context, owner *uuid.UUID) (*model.BrowserIdentity, error) {
	const q = `SELECT ` + identityColumns + `
FROM browser_identities
WHERE status='active' AND owner_user_id IS NOT DISTINCT FROM $1`
	b, err := r.scan(r.db.Pool.QueryRow(ctx, q, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// SelectExpiring lists identities with the given statuses expiring at or before the cutoff.
func (r *IdentityRepo) SelectExpiring(
	ctx context.Context, before time.Time, statuses []model.IdentityStatus,
) ([]model.BrowserIdentity, error) {
	st := make([]string, len(statuses))
	for i, s := range statuses {
		st[i] = string(s)
	}
	const q = `SELECT ` + identityColumns + `
FROM browser_identities
WHERE status = ANY($2) AND expires_at <= $1
ORDER BY expires_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, before, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BrowserIdentity
	for rows.Next() {
		b, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetStatus updates the identity status.
func (r *IdentityRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.IdentityStatus) error {
	const q = `UPDATE browser_identities SET status=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, string(status))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ExpireOverdue marks identities past expiry as expired.
func (r *IdentityRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE browser_identities SET status='expired', updated_at=now()
WHERE status IN ('active', 'expiring') AND expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
