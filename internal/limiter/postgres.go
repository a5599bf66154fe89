package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the limiter uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps per-case failure counters in case_sync_failures.
// Failures older than window restart the count; maxFails failures in a row block the case for blockFor.
type PG struct {
	db       Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails < 1 {
		maxFails = 1
	}
	return &PG{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether the case may be synced and, if not, how long it stays blocked.
func (l *PG) Allow(ctx context.Context, caseID uuid.UUID) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM case_sync_failures WHERE case_id=$1`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, caseID).Scan(&blockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("limiter allow: %w", err)
	}
	if wait := blockedUntil.Sub(l.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success clears the counter and any block.
func (l *PG) Success(ctx context.Context, caseID uuid.UUID) error {
	const q = `DELETE FROM case_sync_failures WHERE case_id=$1`
	if _, err := l.db.Exec(ctx, q, caseID); err != nil {
		return fmt.Errorf("limiter success: %w", err)
	}
	return nil
}

// Failure counts a failed sync. When the count reaches maxFails the case is blocked
// for blockFor and the counter restarts.
func (l *PG) Failure(ctx context.Context, caseID uuid.UUID) (bool, time.Duration, error) {
	now := l.now()
	const q = `
WITH prev AS (
  SELECT fail_count, updated_at, blocked_until FROM case_sync_failures WHERE case_id=$1
), next AS (
  SELECT CASE
           WHEN p.updated_at IS NULL OR $2::timestamptz - p.updated_at > $5::interval THEN 1
           ELSE p.fail_count + 1
         END AS n,
         COALESCE(p.blocked_until, 'epoch'::timestamptz) AS blocked_until
  FROM (SELECT 1) one LEFT JOIN prev p ON true
)
INSERT INTO case_sync_failures (case_id, fail_count, blocked_until, updated_at)
SELECT $1,
       CASE WHEN n >= $3 THEN 0 ELSE n END,
       CASE WHEN n >= $3 THEN $2::timestamptz + $4::interval ELSE blocked_until END,
       $2
FROM next
ON CONFLICT (case_id) DO UPDATE
SET fail_count = EXCLUDED.fail_count,
    blocked_until = EXCLUDED.blocked_until,
    updated_at = EXCLUDED.updated_at
RETURNING blocked_until`
	var blockedUntil time.Time
	if err := l.db.QueryRow(ctx, q, caseID, now, l.maxFails, l.blockFor, l.window).Scan(&blockedUntil); err != nil {
		return false, 0, fmt.Errorf("limiter failure: %w", err)
	}
	if blockedUntil.After(now) {
		return true, blockedUntil.Sub(now), nil
	}
	return false, 0, nil
}
