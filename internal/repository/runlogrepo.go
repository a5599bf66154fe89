package repository

import (
	"context"

	"github.com/and161185/courtsync/internal/model"
)

// RunLogRepository appends audit rows.
type RunLogRepository interface {
	// Insert writes one run log row.
	Insert(ctx context.Context, l model.RunLog) error
}

// SettingsRepository reads runtime sync settings.
type SettingsRepository interface {
	// Get returns stored settings merged over defaults.
	Get(ctx context.Context) (model.Settings, error)
}
