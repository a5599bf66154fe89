package service

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTokenManager(t *testing.T, ids *fakeIdentities, toks *fakeTokens, p *fakePortal) *TokenManager {
	t.Helper()
	tm := NewTokenManager(ids, toks, p.connect, zaptest.NewLogger(t))
	tm.now = fixedNow
	return tm
}

func TestTokenManager_QueryAcquiresIdentityAndRegisters(t *testing.T) {
	t.Parallel()
	ids, toks, p := newFakeIdentities(), newFakeTokens(), newFakePortal()
	p.entries = []model.ProgressEntry{{Date: "2024.05.02", Event: "소장접수"}}
	tm := newTokenManager(t, ids, toks, p)
	c := dueCase("26718")

	got, err := tm.Query(context.Background(), c, model.CaseDescriptor{Serial: "26718"})
	require.NoError(t, err)
	require.Equal(t, p.entries, got)
	require.Equal(t, 1, p.acquired)
	require.Equal(t, 1, p.registered)

	active, err := ids.Active(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "WMONID1", active.Cookie)

	tok := toks.token(c.ID)
	require.Equal(t, active.ID, tok.IdentityID)
	require.Equal(t, testNow, tok.AcquiredAt)
	require.Equal(t, testNow, toks.validated[c.ID])

	// Second query reuses identity and token.
	_, err = tm.Query(context.Background(), c, model.CaseDescriptor{Serial: "26718"})
	require.NoError(t, err)
	require.Equal(t, 1, p.acquired)
	require.Equal(t, 1, p.registered)
}

func TestTokenManager_TokenFromRotatedIdentityIsReRegistered(t *testing.T) {
	t.Parallel()
	current := activeIdentity(nil)
	c := dueCase("1")
	old := model.CaseToken{CaseID: c.ID, IdentityID: newID(), Value: "enc-old"}
	ids, toks, p := newFakeIdentities(current), newFakeTokens(old), newFakePortal()
	tm := newTokenManager(t, ids, toks, p)

	_, err := tm.Query(context.Background(), c, model.CaseDescriptor{Serial: "1"})
	require.NoError(t, err)
	require.Equal(t, 1, p.registered)
	require.Equal(t, 1, p.queried, "stale binding must not reach the portal")
	require.Equal(t, current.ID, toks.token(c.ID).IdentityID)
}

func TestTokenManager_RejectedTokenReRegistersOnce(t *testing.T) {
	t.Parallel()
	current := activeIdentity(nil)
	c := dueCase("1")
	ids := newFakeIdentities(current)
	toks := newFakeTokens(model.CaseToken{CaseID: c.ID, IdentityID: current.ID, Value: "enc-1"})
	p := newFakePortal()
	p.queryErrs = []error{errs.ErrTokenInvalid}
	tm := newTokenManager(t, ids, toks, p)

	_, err := tm.Query(context.Background(), c, model.CaseDescriptor{Serial: "1"})
	require.NoError(t, err)
	require.Equal(t, 1, p.registered)
	require.Equal(t, 2, p.queried)
	require.Equal(t, []string{"rejected"}, toks.invalidations)
	require.False(t, toks.token(c.ID).Stale)
}

func TestTokenManager_SecondRejectionIsReturned(t *testing.T) {
	t.Parallel()
	current := activeIdentity(nil)
	c := dueCase("1")
	ids := newFakeIdentities(current)
	toks := newFakeTokens(model.CaseToken{CaseID: c.ID, IdentityID: current.ID, Value: "enc-1"})
	p := newFakePortal()
	p.queryErrs = []error{errs.ErrTokenInvalid, errs.ErrTokenInvalid}
	tm := newTokenManager(t, ids, toks, p)

	_, err := tm.Query(context.Background(), c, model.CaseDescriptor{Serial: "1"})
	require.ErrorIs(t, err, errs.ErrTokenInvalid)
	require.Equal(t, 1, p.registered)
	require.Len(t, toks.invalidations, 2)
	require.True(t, toks.token(c.ID).Stale)
	require.Empty(t, toks.validated)
}

func TestTokenManager_SecondInvalidateFailureIsLogged(t *testing.T) {
	t.Parallel()
	current := activeIdentity(nil)
	c := dueCase("1")
	ids := newFakeIdentities(current)
	toks := newFakeTokens(model.CaseToken{CaseID: c.ID, IdentityID: current.ID, Value: "enc-1"})
	toks.invalidErrs = []error{nil, errors.New("conn closed")}
	p := newFakePortal()
	p.queryErrs = []error{errs.ErrTokenInvalid, errs.ErrTokenInvalid}
	tm := newTokenManager(t, ids, toks, p)
	core, logs := observer.New(zapcore.WarnLevel)
	tm.log = zap.New(core)

	_, err := tm.Query(context.Background(), c, model.CaseDescriptor{Serial: "1"})
	require.ErrorIs(t, err, errs.ErrTokenInvalid)
	require.Equal(t, []string{"rejected"}, toks.invalidations)

	warned := logs.FilterMessage("invalidate re-registered token failed").All()
	require.Len(t, warned, 1)
	require.Equal(t, c.ID.String(), warned[0].ContextMap()["case_id"])
}

func TestTokenManager_ExpiredActiveIdentityIsReplaced(t *testing.T) {
	t.Parallel()
	expired := activeIdentity(nil)
	expired.ExpiresAt = testNow.Add(-1)
	ids, toks, p := newFakeIdentities(expired), newFakeTokens(), newFakePortal()
	tm := newTokenManager(t, ids, toks, p)

	client, err := tm.Client(context.Background(), nil)
	require.NoError(t, err)
	require.NotEqual(t, expired.ID, client.Session().IdentityID())
	require.Equal(t, model.IdentityExpired, ids.status(expired.ID))
	require.Equal(t, 1, p.acquired)
}

func TestTokenManager_ClientReusesSessionPerIdentity(t *testing.T) {
	t.Parallel()
	owner := newID()
	ids, toks, p := newFakeIdentities(activeIdentity(&owner)), newFakeTokens(), newFakePortal()
	tm := newTokenManager(t, ids, toks, p)

	a, err := tm.Client(context.Background(), &owner)
	require.NoError(t, err)
	b, err := tm.Client(context.Background(), &owner)
	require.NoError(t, err)
	require.Same(t, a.Session(), b.Session())
	require.Zero(t, p.acquired)

	shared, err := tm.Client(context.Background(), nil)
	require.NoError(t, err)
	require.NotEqual(t, a.Session().IdentityID(), shared.Session().IdentityID())
	require.Equal(t, 1, p.acquired)
}

func TestTokenManager_AcquireErrors(t *testing.T) {
	t.Parallel()
	ids, toks, p := newFakeIdentities(), newFakeTokens(), newFakePortal()
	p.acquireErr = errs.ErrPortal
	tm := newTokenManager(t, ids, toks, p)

	_, err := tm.Client(context.Background(), nil)
	require.ErrorIs(t, err, errs.ErrPortal)

	p.acquireErr = nil
	ids.createErr = errors.New("insert failed")
	_, err = tm.Client(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "store identity")
}

func TestTokenManager_RegisterFailurePropagates(t *testing.T) {
	t.Parallel()
	ids, toks, p := newFakeIdentities(activeIdentity(nil)), newFakeTokens(), newFakePortal()
	p.registerErr["9"] = errs.ErrNoResults
	tm := newTokenManager(t, ids, toks, p)

	_, err := tm.Query(context.Background(), dueCase("9"), model.CaseDescriptor{Serial: "9"})
	require.ErrorIs(t, err, errs.ErrNoResults)
	require.Zero(t, toks.puts)
	require.Zero(t, p.queried)
}
