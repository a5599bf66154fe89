package repository

import (
	"context"
	"time"

	"github.com/and161185/courtsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// JobQueue is the deduplicated, priority-ordered sync job store.
type JobQueue interface {
	// Enqueue inserts the job unless its dedup key exists; inserted reports a new row.
	Enqueue(ctx context.Context, job *model.SyncJob) (inserted bool, err error)
	// DequeueBatch atomically claims up to limit due jobs for workerID for the lease duration.
	DequeueBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.SyncJob, error)
	// Finish moves a claimed job to a terminal status.
	Finish(ctx context.Context, id uuid.UUID, workerID string, status model.JobStatus, lastErr string) error
	// Requeue releases a claimed job to run again at the given time.
	Requeue(ctx context.Context, id uuid.UUID, workerID string, at time.Time, lastErr string) error
	// ExpireStale expires queued jobs scheduled longer ago than olderThan.
	ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error)
}
