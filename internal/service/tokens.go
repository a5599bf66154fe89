package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
	"github.com/and161185/courtsync/internal/portal"
	"github.com/and161185/courtsync/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// PortalClient is the subset of the portal client used by the services.
type PortalClient interface {
	AcquireIdentity(ctx context.Context) (portal.Identity, error)
	Register(ctx context.Context, d model.CaseDescriptor) (string, error)
	QueryCase(ctx context.Context, d model.CaseDescriptor, tok model.CaseToken) ([]model.ProgressEntry, error)
	Session() *portal.SessionContext
}

// Connector builds a portal client over a session.
type Connector func(sess *portal.SessionContext) PortalClient

// TokenManager keeps a usable case token for every case it is asked about.
type TokenManager struct {
	identities repository.IdentityRepository
	tokens     repository.TokenRepository
	connect    Connector
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*portal.SessionContext // by identity ID, keeps JSESSIONID between jobs
}

// NewTokenManager constructs a token manager.
func NewTokenManager(identities repository.IdentityRepository, tokens repository.TokenRepository, connect Connector, log *zap.Logger) *TokenManager {
	return &TokenManager{
		identities: identities,
		tokens:     tokens,
		connect:    connect,
		log:        log,
		now:        time.Now,
		sessions:   map[uuid.UUID]*portal.SessionContext{},
	}
}

// Client returns a portal client on the active identity of the owner scope,
// acquiring a new identity when none is active or the active one has expired.
func (m *TokenManager) Client(ctx context.Context, owner *uuid.UUID) (PortalClient, error) {
	id, err := m.identities.Active(ctx, owner)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		id = nil
	case err != nil:
		return nil, fmt.Errorf("load active identity: %w", err)
	}

	if id != nil && id.Expired(m.now()) {
		m.log.Info("active identity expired, re-acquiring", zap.String("identity_id", id.ID.String()))
		if err := m.identities.SetStatus(ctx, id.ID, model.IdentityExpired); err != nil {
			return nil, fmt.Errorf("expire identity: %w", err)
		}
		m.forget(id.ID)
		id = nil
	}
	if id == nil {
		if id, err = m.acquire(ctx, owner); err != nil {
			return nil, err
		}
	}
	return m.connect(m.session(id)), nil
}

// acquire obtains a new identity from the portal and stores it as active.
// Losing the insert race to another worker yields that worker's identity.
func (m *TokenManager) acquire(ctx context.Context, owner *uuid.UUID) (*model.BrowserIdentity, error) {
	c := m.connect(portal.NewSessionContext(nil))
	got, err := c.AcquireIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire identity: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	bi := &model.BrowserIdentity{
		ID:          id,
		Cookie:      got.Cookie,
		OwnerUserID: owner,
		IssuedAt:    got.IssuedAt,
		ExpiresAt:   got.ExpiresAt,
		Status:      model.IdentityActive,
	}
	if err := m.identities.Create(ctx, bi); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return m.identities.Active(ctx, owner)
		}
		return nil, fmt.Errorf("store identity: %w", err)
	}
	c.Session().Bind(id)
	m.mu.Lock()
	m.sessions[id] = c.Session()
	m.mu.Unlock()
	m.log.Info("identity acquired", zap.String("identity_id", id.String()), zap.Time("expires_at", bi.ExpiresAt))
	return bi, nil
}

func (m *TokenManager) session(id *model.BrowserIdentity) *portal.SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id.ID]; ok {
		return s
	}
	s := portal.NewSessionContext(id)
	m.sessions[id.ID] = s
	return s
}

func (m *TokenManager) forget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Resolve returns the stored token when it is bound to the client's identity,
// otherwise registers the case and stores the new token.
func (m *TokenManager) Resolve(ctx context.Context, c PortalClient, caseID uuid.UUID, d model.CaseDescriptor) (model.CaseToken, error) {
	tok, err := m.tokens.Get(ctx, caseID)
	switch {
	case err == nil && tok.Usable(c.Session().IdentityID()):
		return *tok, nil
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		return model.CaseToken{}, fmt.Errorf("load token: %w", err)
	}
	return m.Register(ctx, c, caseID, d)
}

// Register solves a CAPTCHA for the case and stores the token under the client's identity.
func (m *TokenManager) Register(ctx context.Context, c PortalClient, caseID uuid.UUID, d model.CaseDescriptor) (model.CaseToken, error) {
	value, err := c.Register(ctx, d)
	if err != nil {
		return model.CaseToken{}, err
	}
	tok := model.CaseToken{
		CaseID:     caseID,
		IdentityID: c.Session().IdentityID(),
		Value:      value,
		AcquiredAt: m.now(),
	}
	if err := m.tokens.Put(ctx, &tok); err != nil {
		return model.CaseToken{}, fmt.Errorf("store token: %w", err)
	}
	m.log.Info("case registered", zap.String("case_id", caseID.String()), zap.String("identity_id", tok.IdentityID.String()))
	return tok, nil
}

// Query fetches case progress. A rejected token is invalidated and the case is
// registered again once; a second rejection is returned to the caller.
func (m *TokenManager) Query(ctx context.Context, c model.Case, d model.CaseDescriptor) ([]model.ProgressEntry, error) {
	client, err := m.Client(ctx, c.OwnerUserID)
	if err != nil {
		return nil, err
	}
	tok, err := m.Resolve(ctx, client, c.ID, d)
	if err != nil {
		return nil, err
	}

	entries, err := client.QueryCase(ctx, d, tok)
	if errors.Is(err, errs.ErrTokenInvalid) {
		m.log.Info("case token rejected, re-registering", zap.String("case_id", c.ID.String()), zap.Error(err))
		if ierr := m.tokens.Invalidate(ctx, c.ID, "rejected"); ierr != nil && !errors.Is(ierr, errs.ErrNotFound) {
			return nil, fmt.Errorf("invalidate token: %w", ierr)
		}
		if tok, err = m.Register(ctx, client, c.ID, d); err != nil {
			return nil, err
		}
		entries, err = client.QueryCase(ctx, d, tok)
		if errors.Is(err, errs.ErrTokenInvalid) {
			if ierr := m.tokens.Invalidate(ctx, c.ID, "rejected after re-registration"); ierr != nil {
				m.log.Warn("invalidate re-registered token failed", zap.String("case_id", c.ID.String()), zap.Error(ierr))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if err := m.tokens.MarkValidated(ctx, c.ID, m.now()); err != nil {
		m.log.Warn("mark token validated failed", zap.String("case_id", c.ID.String()), zap.Error(err))
	}
	return entries, nil
}
