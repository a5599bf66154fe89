package repository

import (
	"context"
	"time"

	"github.com/and161185/courtsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// TokenRepository is the per-case token store. It holds no business logic.
type TokenRepository interface {
	// Get returns the current token of a case, stale or not.
	Get(ctx context.Context, caseID uuid.UUID) (*model.CaseToken, error)
	// Put replaces the case token, keeping the previous one in history.
	Put(ctx context.Context, t *model.CaseToken) error
	// MarkValidated records a successful use of the token.
	MarkValidated(ctx context.Context, caseID uuid.UUID, at time.Time) error
	// Invalidate marks the case token stale without deleting it.
	Invalidate(ctx context.Context, caseID uuid.UUID, reason string) error
	// ListByIdentity returns the cases bound to an identity.
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]model.CaseToken, error)
}
