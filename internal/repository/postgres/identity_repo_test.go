package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/courtsync/internal/crypto"
	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
)

var identityCols = []string{"id", "owner_user_id", "cookie_enc", "issued_at", "expires_at", "status"}

func testSealer(t *testing.T) crypto.Sealer {
	t.Helper()
	s, err := crypto.NewXChaCha([]byte("test-master"), "test")
	require.NoError(t, err)
	return s
}

func TestIdentityRepo_Create_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db, testSealer(t))

	b := &model.BrowserIdentity{
		ID:        uuid.Must(uuid.NewV4()),
		Cookie:    "WMONID-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().AddDate(1, 0, 0),
		Status:    model.IdentityActive,
	}
	mock.ExpectExec(`INSERT INTO browser_identities`).
		WithArgs(b.ID, b.OwnerUserID, pgxmock.AnyArg(), b.IssuedAt, b.ExpiresAt, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO browser_identities`).
		WithArgs(b.ID, b.OwnerUserID, pgxmock.AnyArg(), b.IssuedAt, b.ExpiresAt, "active").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	require.NoError(t, r.Create(context.Background(), b))
	err := r.Create(context.Background(), b)
	require.True(t, errors.Is(err, errs.ErrAlreadyExists))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_Active_OpensCookie(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	sealer := testSealer(t)
	r := NewIdentityRepo(db, sealer)

	id := uuid.Must(uuid.NewV4())
	owner := uuid.Must(uuid.NewV4())
	sealed, err := sealer.Seal([]byte("WMONID-xyz"), id.Bytes())
	require.NoError(t, err)
	issued := time.Now().Add(-time.Hour)
	exp := issued.AddDate(1, 0, 0)

	mock.ExpectQuery(`WHERE status='active' AND owner_user_id IS NOT DISTINCT FROM \$1`).
		WithArgs(&owner).
		WillReturnRows(pgxmock.NewRows(identityCols).AddRow(id, owner, sealed, issued, exp, "active"))
	mock.ExpectQuery(`WHERE status='active' AND owner_user_id IS NOT DISTINCT FROM \$1`).
		WithArgs((*uuid.UUID)(nil)).
		WillReturnError(pgx.ErrNoRows)

	got, err := r.Active(context.Background(), &owner)
	require.NoError(t, err)
	require.Equal(t, "WMONID-xyz", got.Cookie)
	require.Equal(t, owner, *got.OwnerUserID)
	require.Equal(t, model.IdentityActive, got.Status)

	_, err = r.Active(context.Background(), nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_SelectExpiring(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db, crypto.Plain{})

	before := time.Now().Add(45 * 24 * time.Hour)
	id := uuid.Must(uuid.NewV4())
	cookie, _ := crypto.Plain{}.Seal([]byte("c"), nil)

	mock.ExpectQuery(`WHERE status = ANY\(\$2\) AND expires_at <= \$1`).
		WithArgs(before, []string{"active", "expiring"}).
		WillReturnRows(pgxmock.NewRows(identityCols).AddRow(id, nil, cookie, time.Now(), before, "expiring"))

	got, err := r.SelectExpiring(context.Background(), before, []model.IdentityStatus{model.IdentityActive, model.IdentityExpiring})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Nil(t, got[0].OwnerUserID)
	require.Equal(t, model.IdentityExpiring, got[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_SetStatusAndExpireOverdue(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db, crypto.Plain{})
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectExec(`UPDATE browser_identities SET status=\$2`).
		WithArgs(id, "migrating").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`WHERE status IN \('active', 'expiring'\) AND expires_at < \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.ErrorIs(t, r.SetStatus(context.Background(), id, model.IdentityMigrating), errs.ErrNotFound)
	n, err := r.ExpireOverdue(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
