// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/courtsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// CaseRepository exposes the sync fields of the external case database.
type CaseRepository interface {
	// SelectDueCases returns sync-enabled numbered cases due at f.DueBefore and not cooling down.
	SelectDueCases(ctx context.Context, f model.CaseFilter, limit int) ([]model.Case, error)
	// UpdateNextSyncAt moves the due time if it still equals prev; false means another writer won.
	UpdateNextSyncAt(ctx context.Context, caseID uuid.UUID, prev *time.Time, next time.Time) (bool, error)
	// RecordProgressResult stores fetched progress and reports what changed since the previous fetch.
	RecordProgressResult(ctx context.Context, caseID uuid.UUID, res model.ProgressResult) (model.ProgressChange, error)
	// Get loads a single case.
	Get(ctx context.Context, caseID uuid.UUID) (*model.Case, error)
	// SetCooldown suspends syncing of a case until the given time.
	SetCooldown(ctx context.Context, caseID uuid.UUID, until time.Time) error
}
