package postgres

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
)

// DefaultMaxAttempts applies to jobs enqueued without an explicit limit.
const DefaultMaxAttempts = 5

// JobRepo implements JobQueue using PostgreSQL.
type JobRepo struct{ db *DB }

// NewJobRepo constructs a job queue repository.
func NewJobRepo(db *DB) *JobRepo { return &JobRepo{db: db} }

// Enqueue inserts the job; a dedup key collision is a no-op reported as inserted=false.
func (r *JobRepo) Enqueue(ctx context.Context, job *model.SyncJob) (bool, error) {
	if job.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return false, err
		}
		job.ID = id
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	payload, err := model.EncodePayload(job.Payload)
	if err != nil {
		return false, err
	}

	const q = `
INSERT INTO sync_jobs (id, kind, case_id, tenant_id, priority, scheduled_at, payload, dedup_key, status, max_attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9)
ON CONFLICT (dedup_key) DO NOTHING
RETURNING id`
	var id uuid.UUID
	err = r.db.Pool.QueryRow(ctx, q,
		job.ID, string(job.Kind), job.CaseID, job.TenantID, job.Priority, job.ScheduledAt,
		payload, job.DedupKey, job.MaxAttempts,
	).Scan(&id)
	switch {
	case err == nil:
		job.Status = model.JobQueued
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// DequeueBatch claims due jobs with FOR UPDATE SKIP LOCKED; jobs whose lease ran out are claimable again.
func (r *JobRepo) DequeueBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.SyncJob, error) {
	const q = `
WITH picked AS (
  SELECT id FROM sync_jobs
  WHERE scheduled_at <= now()
    AND (status = 'queued' OR (status = 'running' AND locked_until < now() AND attempts < max_attempts))
  ORDER BY priority ASC, scheduled_at ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
UPDATE sync_jobs j
SET status='running', locked_by=$1, locked_until=now() + $3::interval, attempts=j.attempts + 1, updated_at=now()
FROM picked
WHERE j.id = picked.id
RETURNING j.id, j.kind, j.case_id, j.tenant_id, j.priority, j.scheduled_at, j.payload, j.dedup_key, j.attempts, j.max_attempts`
	rows, err := r.db.Pool.Query(ctx, q, workerID, limit, lease)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []model.SyncJob
		bad []badJob
	)
	for rows.Next() {
		var (
			j              model.SyncJob
			kind           string
			caseID, tenant uuid.NullUUID
			payload        []byte
		)
		if err := rows.Scan(&j.ID, &kind, &caseID, &tenant, &j.Priority, &j.ScheduledAt, &payload,
			&j.DedupKey, &j.Attempts, &j.MaxAttempts); err != nil {
			return nil, err
		}
		j.Kind = model.JobKind(kind)
		j.CaseID = uuidPtr(caseID)
		j.TenantID = uuidPtr(tenant)
		j.Status = model.JobRunning
		p, err := model.DecodePayload(j.Kind, payload)
		if err != nil {
			bad = append(bad, badJob{id: j.ID, err: err})
			continue
		}
		j.Payload = p
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// Undecodable payloads can never run; fail them instead of letting the lease expire forever.
	for _, b := range bad {
		if err := r.Finish(ctx, b.id, workerID, model.JobFailed, b.err.Error()); err != nil {
			return nil, err
		}
	}

	slices.SortFunc(out, func(a, b model.SyncJob) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out, nil
}

type badJob struct {
	id  uuid.UUID
	err error
}

// Finish moves a job claimed by workerID to a terminal status.
func (r *JobRepo) Finish(ctx context.Context, id uuid.UUID, workerID string, status model.JobStatus, lastErr string) error {
	if !status.Terminal() {
		return errors.New("finish: status is not terminal")
	}
	const q = `
UPDATE sync_jobs
SET status=$3, last_error=NULLIF($4, ''), locked_by=NULL, locked_until=NULL, finished_at=now(), updated_at=now()
WHERE id=$1 AND locked_by=$2 AND status='running'`
	tag, err := r.db.Pool.Exec(ctx, q, id, workerID, string(status), lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrLeaseLost
	}
	return nil
}

// Requeue returns a job claimed by workerID to the queue.
func (r *JobRepo) Requeue(ctx context.Context, id uuid.UUID, workerID string, at time.Time, lastErr string) error {
	const q = `
UPDATE sync_jobs
SET status='queued', scheduled_at=$3, last_error=NULLIF($4, ''), locked_by=NULL, locked_until=NULL, updated_at=now()
WHERE id=$1 AND locked_by=$2 AND status='running'`
	tag, err := r.db.Pool.Exec(ctx, q, id, workerID, at, lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrLeaseLost
	}
	return nil
}

// ExpireStale expires queued jobs older than olderThan and fails abandoned jobs out of attempts.
func (r *JobRepo) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const expire = `
UPDATE sync_jobs SET status='expired', finished_at=now(), updated_at=now()
WHERE status='queued' AND scheduled_at < now() - $1::interval`
	const abandon = `
UPDATE sync_jobs
SET status='failed', last_error='lease expired after final attempt', locked_by=NULL, locked_until=NULL,
    finished_at=now(), updated_at=now()
WHERE status='running' AND locked_until < now() AND attempts >= max_attempts`
	t1, err := r.db.Pool.Exec(ctx, expire, olderThan)
	if err != nil {
		return 0, err
	}
	t2, err := r.db.Pool.Exec(ctx, abandon)
	if err != nil {
		return 0, err
	}
	return t1.RowsAffected() + t2.RowsAffected(), nil
}
