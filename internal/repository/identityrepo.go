package repository

import (
	"context"
	"time"

	"github.com/and161185/courtsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// IdentityRepository stores browser identities.
type IdentityRepository interface {
	// Create inserts an identity; a second active identity in the same scope yields errs.ErrAlreadyExists.
	Create(ctx context.Context, id *model.BrowserIdentity) error
	// Get loads an identity by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.BrowserIdentity, error)
	// Active returns the active identity of the owner scope (nil owner = shared).
	Active(ctx context.Context, owner *uuid.UUID) (*model.BrowserIdentity, error)
	// SelectExpiring lists identities in the given statuses expiring at or before the cutoff.
	SelectExpiring(ctx context.Context, before time.Time, statuses []model.IdentityStatus) ([]model.BrowserIdentity, error)
	// SetStatus changes the lifecycle status.
	SetStatus(ctx context.Context, id uuid.UUID, status model.IdentityStatus) error
	// ExpireOverdue marks active and expiring identities past expiry as expired.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}
