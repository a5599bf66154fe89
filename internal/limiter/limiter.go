// Package limiter tracks consecutive sync failures per case and places cases into cooldown.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls sync attempts per case and temporary cooldowns.
type Limiter interface {
	// Allow reports whether the case may be synced now and the remaining cooldown.
	Allow(ctx context.Context, caseID uuid.UUID) (bool, time.Duration, error)
	// Success resets the failure counter after a successful sync.
	Success(ctx context.Context, caseID uuid.UUID) error
	// Failure records a failed sync; may place a cooldown.
	Failure(ctx context.Context, caseID uuid.UUID) (bool, time.Duration, error)
}
