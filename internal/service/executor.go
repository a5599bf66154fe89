package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/and161185/courtsync/internal/casenum"
	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/limiter"
	"github.com/and161185/courtsync/internal/metrics"
	"github.com/and161185/courtsync/internal/model"
	"github.com/and161185/courtsync/internal/repository"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Renewer renews browser identities.
type Renewer interface {
	Renew(ctx context.Context, p model.RenewalPayload) (RenewalResult, error)
}

// ExecutorConfig tunes job claiming.
type ExecutorConfig struct {
	WorkerID      string
	Concurrency   int
	BatchSize     int
	Lease         time.Duration
	RequestJitter time.Duration
}

// ExecutorServiceImpl claims queued jobs and runs them on a bounded worker pool.
type ExecutorServiceImpl struct {
	jobs     repository.JobQueue
	cases    repository.CaseRepository
	runlogs  repository.RunLogRepository
	tm       *TokenManager
	renewals Renewer
	codes    Describer
	lim      limiter.Limiter
	cfg      ExecutorConfig
	log      *zap.Logger
	now      func() time.Time
	rand     func() float64
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutorService constructs the executor.
func NewExecutorService(
	jobs repository.JobQueue,
	cases repository.CaseRepository,
	runlogs repository.RunLogRepository,
	tm *TokenManager,
	renewals Renewer,
	codes Describer,
	lim limiter.Limiter,
	cfg ExecutorConfig,
	log *zap.Logger,
) *ExecutorServiceImpl {
	cfg.Concurrency = max(cfg.Concurrency, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	return &ExecutorServiceImpl{
		jobs:     jobs,
		cases:    cases,
		runlogs:  runlogs,
		tm:       tm,
		renewals: renewals,
		codes:    codes,
		lim:      lim,
		cfg:      cfg,
		log:      log.With(zap.String("worker", cfg.WorkerID)),
		now:      time.Now,
		rand:     rand.Float64,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// outcome is the result of running one job.
type outcome struct {
	status  model.JobStatus
	retry   bool
	err     error
	synced  int
	details map[string]any
}

func finished(status model.JobStatus) outcome { return outcome{status: status} }

func failed(err error) outcome {
	return outcome{status: model.JobFailed, retry: !permanent(err), err: err}
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, errs.ErrNoResults) ||
		errors.Is(err, errs.ErrTokenInvalid) ||
		errors.Is(err, casenum.ErrInvalidNumber) ||
		errors.Is(err, casenum.ErrUnknownCode) ||
		errors.Is(err, model.ErrPayloadKind)
}

// RunOnce claims one batch and runs it to completion. It returns the number of claimed jobs.
func (e *ExecutorServiceImpl) RunOnce(ctx context.Context) (int, error) {
	batch, err := e.jobs.DequeueBatch(ctx, e.cfg.WorkerID, e.cfg.BatchSize, e.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, job := range batch {
		g.Go(func() error {
			e.Execute(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// Execute runs a claimed job and records its transition.
func (e *ExecutorServiceImpl) Execute(ctx context.Context, job model.SyncJob) {
	log := e.log.With(zap.String("job_id", job.ID.String()), zap.String("kind", string(job.Kind)), zap.Int("attempt", job.Attempts))
	start := e.now()

	if err := e.sleep(ctx, time.Duration(e.rand()*float64(e.cfg.RequestJitter))); err != nil {
		return
	}

	var o outcome
	switch job.Kind {
	case model.JobProgress:
		o = e.runProgress(ctx, job)
	case model.JobIdentityRenewal:
		o = e.runRenewal(ctx, job)
	default:
		o = failed(fmt.Errorf("%w: unknown kind %q", model.ErrPayloadKind, job.Kind))
	}
	if ctx.Err() != nil {
		// Shutdown: the lease expires and another worker reclaims the job.
		log.Info("job interrupted", zap.Error(ctx.Err()))
		return
	}

	status := e.settle(ctx, log, job, o)
	metrics.JobsFinished.WithLabelValues(string(job.Kind), status).Inc()

	action := ActionProgress
	if job.Kind == model.JobIdentityRenewal {
		action = ActionRenewal
	}
	details := map[string]any{"jobId": job.ID.String(), "attempt": job.Attempts}
	for k, v := range o.details {
		details[k] = v
	}
	if job.CaseID != nil {
		details["caseId"] = job.CaseID.String()
	}
	entry := model.RunLog{
		Action:      action,
		Trigger:     "job",
		Status:      status,
		CasesSynced: o.synced,
		Duration:    e.now().Sub(start),
		Details:     details,
	}
	if o.err != nil {
		entry.Error = o.err.Error()
	}
	if err := e.runlogs.Insert(ctx, entry); err != nil {
		log.Warn("run log insert failed", zap.Error(err))
	}
}

// settle writes the job transition and returns the recorded status label.
func (e *ExecutorServiceImpl) settle(ctx context.Context, log *zap.Logger, job model.SyncJob, o outcome) string {
	var (
		err    error
		status string
	)
	lastErr := ""
	if o.err != nil {
		lastErr = o.err.Error()
	}

	switch {
	case o.err != nil && o.retry && job.Attempts < job.MaxAttempts:
		at := e.now().Add(Backoff(job.Attempts, e.rand()))
		status = "requeued"
		err = e.jobs.Requeue(ctx, job.ID, e.cfg.WorkerID, at, lastErr)
		log.Warn("job failed, requeued", zap.Time("retry_at", at), zap.Error(o.err))
	case o.err != nil:
		status = string(model.JobFailed)
		err = e.jobs.Finish(ctx, job.ID, e.cfg.WorkerID, model.JobFailed, lastErr)
		log.Error("job failed", zap.Bool("retryable", o.retry), zap.Error(o.err))
	default:
		status = string(o.status)
		err = e.jobs.Finish(ctx, job.ID, e.cfg.WorkerID, o.status, "")
		log.Info("job finished", zap.String("status", status))
	}
	if err != nil {
		if errors.Is(err, errs.ErrLeaseLost) {
			log.Warn("job lease lost before settle", zap.Error(err))
		} else {
			log.Error("job settle failed", zap.Error(err))
		}
	}
	return status
}

func (e *ExecutorServiceImpl) runProgress(ctx context.Context, job model.SyncJob) outcome {
	p := job.Payload.Progress
	if p == nil || job.CaseID == nil {
		return failed(fmt.Errorf("%w: progress job without case or payload", model.ErrPayloadKind))
	}
	caseID := *job.CaseID
	now := e.now()

	c, err := e.cases.Get(ctx, caseID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return outcome{status: model.JobSkipped, details: map[string]any{"reason": "case deleted"}}
	case err != nil:
		return failed(fmt.Errorf("load case: %w", err))
	}

	if !p.NextDueAt.IsZero() && c.NextProgressSyncAt != nil && c.NextProgressSyncAt.After(p.NextDueAt) {
		return outcome{status: model.JobExpired, details: map[string]any{"reason": "superseded"}}
	}
	if !c.SyncEnabled {
		return outcome{status: model.JobSkipped, details: map[string]any{"reason": "sync disabled"}}
	}
	if c.InCooldown(now) {
		return outcome{status: model.JobSkipped, details: map[string]any{"reason": "cooldown"}}
	}
	if ok, wait, err := e.lim.Allow(ctx, caseID); err != nil {
		e.log.Warn("limiter check failed", zap.String("case_id", caseID.String()), zap.Error(err))
	} else if !ok {
		return outcome{status: model.JobSkipped, details: map[string]any{"reason": "cooldown", "retryAfter": wait.String()}}
	}

	d, err := e.codes.Describe(*c)
	if err != nil {
		return failed(err)
	}

	entries, err := e.tm.Query(ctx, *c, d)
	if err != nil {
		if ctx.Err() == nil {
			e.recordFailure(ctx, caseID)
		}
		return failed(err)
	}

	res := model.ProgressResult{Entries: entries, FetchedAt: now, Hash: progressHash(entries)}
	ch, err := e.cases.RecordProgressResult(ctx, caseID, res)
	if err != nil {
		return failed(fmt.Errorf("record progress: %w", err))
	}
	if len(ch.Updates) > 0 {
		e.log.Info("case progress updated",
			zap.String("case_id", caseID.String()),
			zap.Int("updates", len(ch.Updates)),
			zap.String("first", ch.Updates[0].Summary))
	}
	if err := e.lim.Success(ctx, caseID); err != nil {
		e.log.Warn("limiter reset failed", zap.String("case_id", caseID.String()), zap.Error(err))
	}
	return outcome{
		status:  model.JobDone,
		synced:  1,
		details: progressDetails(len(entries), ch),
	}
}

func progressDetails(entries int, ch model.ProgressChange) map[string]any {
	d := map[string]any{"entries": entries, "changed": ch.Changed}
	if len(ch.Updates) == 0 {
		return d
	}
	var added, results []string
	for _, u := range ch.Updates {
		if u.Type == model.UpdateResultRecorded {
			results = append(results, u.Summary)
		} else {
			added = append(added, u.Summary)
		}
	}
	d["updates"] = len(ch.Updates)
	if len(added) > 0 {
		d["added"] = added
	}
	if len(results) > 0 {
		d["resultChanged"] = results
	}
	return d
}

// recordFailure counts a failed sync and puts the case into cooldown at the threshold.
func (e *ExecutorServiceImpl) recordFailure(ctx context.Context, caseID uuid.UUID) {
	blocked, d, err := e.lim.Failure(ctx, caseID)
	if err != nil {
		e.log.Warn("limiter failure record failed", zap.String("case_id", caseID.String()), zap.Error(err))
		return
	}
	if !blocked {
		return
	}
	until := e.now().Add(d)
	if err := e.cases.SetCooldown(ctx, caseID, until); err != nil {
		e.log.Warn("set cooldown failed", zap.String("case_id", caseID.String()), zap.Error(err))
		return
	}
	e.log.Warn("case put into cooldown after repeated failures", zap.String("case_id", caseID.String()), zap.Time("until", until))
}

func (e *ExecutorServiceImpl) runRenewal(ctx context.Context, job model.SyncJob) outcome {
	p := job.Payload.Renewal
	if p == nil {
		return failed(fmt.Errorf("%w: renewal job without payload", model.ErrPayloadKind))
	}
	res, err := e.renewals.Renew(ctx, *p)
	if err != nil {
		return failed(err)
	}
	if res.Skipped {
		return outcome{status: model.JobSkipped, details: map[string]any{"identityId": p.IdentityID.String()}}
	}
	return outcome{
		status: model.JobDone,
		synced: res.Migrated,
		details: map[string]any{
			"identityId":    p.IdentityID.String(),
			"newIdentityId": res.NewIdentityID.String(),
			"migrated":      res.Migrated,
			"failed":        res.Failed,
		},
	}
}

// progressHash is a stable digest of the entries for change detection.
func progressHash(entries []model.ProgressEntry) string {
	if entries == nil {
		entries = []model.ProgressEntry{}
	}
	b, _ := json.Marshal(entries)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
