package portal

import (
	"strings"
	"sync"
	"time"

	"github.com/and161185/courtsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// SessionContext is the mutable per-identity state shared by the calls of one client:
// the WMONID cookie with its expiry and the short-lived JSESSIONID.
type SessionContext struct {
	mu         sync.Mutex
	identityID uuid.UUID
	cookie     string
	issuedAt   time.Time
	expiresAt  time.Time
	jsessionID string
	sessionAt  time.Time
}

// NewSessionContext starts a session for a stored identity; nil starts without one.
func NewSessionContext(id *model.BrowserIdentity) *SessionContext {
	s := &SessionContext{}
	if id != nil {
		s.identityID = id.ID
		s.cookie = id.Cookie
		s.issuedAt = id.IssuedAt
		s.expiresAt = id.ExpiresAt
	}
	return s
}

// Bind records the storage ID of the identity held by the session.
func (s *SessionContext) Bind(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityID = id
}

// IdentityID returns the bound identity, uuid.Nil when unbound.
func (s *SessionContext) IdentityID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityID
}

// Identity returns the held cookie and its validity.
func (s *SessionContext) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Identity{Cookie: s.cookie, IssuedAt: s.issuedAt, ExpiresAt: s.expiresAt}
}

func (s *SessionContext) hasIdentity(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie != "" && s.expiresAt.After(now)
}

func (s *SessionContext) setIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityID = uuid.Nil
	s.cookie = id.Cookie
	s.issuedAt = id.IssuedAt
	s.expiresAt = id.ExpiresAt
}

func (s *SessionContext) setSession(jsessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jsessionID = jsessionID
	s.sessionAt = at
}

func (s *SessionContext) dropSession() { s.setSession("", time.Time{}) }

func (s *SessionContext) sessionFresh(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jsessionID != "" && now.Sub(s.sessionAt) < ttl
}

func (s *SessionContext) cookieHeaderIdentityOnly() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cookieIdentity + "=" + s.cookie
}

func (s *SessionContext) cookieHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, 2)
	if s.cookie != "" {
		parts = append(parts, cookieIdentity+"="+s.cookie)
	}
	if s.jsessionID != "" {
		parts = append(parts, cookieSession+"="+s.jsessionID)
	}
	return strings.Join(parts, "; ")
}
