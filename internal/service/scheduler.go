// Package service contains the sync engine: scheduler, job executor, token manager and identity renewal.
package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/metrics"
	"github.com/and161185/courtsync/internal/model"
	"github.com/and161185/courtsync/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run log actions and statuses.
const (
	ActionSchedule = "schedule"
	ActionProgress = "progress"
	ActionRenewal  = "identity_renewal"

	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

// renewalWindow scopes identity renewal dedup keys; one renewal per identity per day.
const renewalWindow = 24 * time.Hour

// SchedulerService turns case state into queued jobs.
type SchedulerService interface {
	// Run performs one scheduling pass; trigger names the caller for audit.
	Run(ctx context.Context, trigger string) (model.RunSummary, error)
}

type SchedulerServiceImpl struct {
	cases       repository.CaseRepository
	identities  repository.IdentityRepository
	jobs        repository.JobQueue
	runlogs     repository.RunLogRepository
	settings    repository.SettingsRepository
	window      time.Duration
	concurrency int
	log         *zap.Logger
	now         func() time.Time
	rand        func() float64
}

// NewSchedulerService constructs the scheduler. window is the dedup granularity.
func NewSchedulerService(
	cases repository.CaseRepository,
	identities repository.IdentityRepository,
	jobs repository.JobQueue,
	runlogs repository.RunLogRepository,
	settings repository.SettingsRepository,
	window time.Duration,
	concurrency int,
	log *zap.Logger,
) *SchedulerServiceImpl {
	if window <= 0 {
		window = time.Hour
	}
	return &SchedulerServiceImpl{
		cases:       cases,
		identities:  identities,
		jobs:        jobs,
		runlogs:     runlogs,
		settings:    settings,
		window:      window,
		concurrency: max(concurrency, 1),
		log:         log,
		now:         time.Now,
		rand:        rand.Float64,
	}
}

// dueUpdate is one planned due-time write; job is nil for first-time cases.
type dueUpdate struct {
	c    model.Case
	next time.Time
	job  *model.SyncJob
}

// Run reads settings, selects due cases, enqueues their jobs and then advances their due times.
// Only a failed settings read or candidate query fails the run; per-item errors are counted.
func (s *SchedulerServiceImpl) Run(ctx context.Context, trigger string) (model.RunSummary, error) {
	start := s.now()
	sum := model.RunSummary{}
	log := s.log.With(zap.String("trigger", trigger))

	finish := func(status string, details map[string]any, runErr error) (model.RunSummary, error) {
		elapsed := s.now().Sub(start)
		sum.DurationMs = elapsed.Milliseconds()
		sum.Success = runErr == nil
		entry := model.RunLog{
			Action:      ActionSchedule,
			Trigger:     trigger,
			Status:      status,
			CasesSynced: sum.ScheduledJobs,
			Duration:    elapsed,
			Details:     details,
		}
		if runErr != nil {
			entry.Error = runErr.Error()
		}
		if err := s.runlogs.Insert(ctx, entry); err != nil {
			log.Warn("run log insert failed", zap.Error(err))
		}
		metrics.RecordSchedulerRun(trigger, runErr == nil, elapsed)
		return sum, runErr
	}

	set, err := s.settings.Get(ctx)
	if err != nil {
		log.Error("settings read failed", zap.Error(err))
		return finish(StatusFailed, nil, fmt.Errorf("read settings: %w", err))
	}
	if !set.AutoSyncEnabled {
		log.Info("auto sync disabled, nothing scheduled")
		return finish(StatusDisabled, map[string]any{"autoSyncEnabled": false}, nil)
	}

	filter := model.CaseFilter{DueBefore: start, Rule: set.ActiveCaseRule}
	candidates, err := s.cases.SelectDueCases(ctx, filter, 2*set.SchedulerBatchSize)
	if err != nil {
		log.Error("candidate fetch failed", zap.Error(err))
		return finish(StatusFailed, nil, fmt.Errorf("%w: %v", errs.ErrCandidateFetch, err))
	}

	plan := s.plan(candidates, set, start)
	sum.Candidates = len(plan)

	var scheduled, updateFailures, enqueueFailures, lost atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range plan {
		u := plan[i]
		g.Go(func() error {
			caseLog := log.With(zap.String("case_id", u.c.ID.String()))
			// The due time only moves once the job is durably queued.
			if u.job != nil {
				inserted, err := s.jobs.Enqueue(gctx, u.job)
				if err != nil {
					enqueueFailures.Add(1)
					caseLog.Warn("enqueue failed, due time kept", zap.Error(err))
					return nil
				}
				s.countEnqueue(u.job.Kind, inserted)
				if inserted {
					scheduled.Add(1)
				}
			}
			ok, err := s.cases.UpdateNextSyncAt(gctx, u.c.ID, u.c.NextProgressSyncAt, u.next)
			switch {
			case err != nil:
				updateFailures.Add(1)
				caseLog.Warn("due update failed", zap.Error(fmt.Errorf("%w: %v", errs.ErrPerCaseUpdate, err)))
			case !ok:
				lost.Add(1)
				caseLog.Debug("due time changed concurrently")
			}
			return nil
		})
	}
	_ = g.Wait()
	sum.ScheduledJobs = int(scheduled.Load())
	sum.CaseUpdateFailures = int(updateFailures.Load())
	sum.EnqueueFailures = int(enqueueFailures.Load())

	initial := 0
	for _, u := range plan {
		if u.job == nil {
			initial++
		}
	}

	if set.WMONID.AutoRotateEnabled {
		sum.IdentityRenewalJobs, sum.RenewalFailures = s.scheduleRenewals(ctx, log, set, start)
	}

	log.Info("schedule run finished",
		zap.Int("candidates", sum.Candidates),
		zap.Int("initial_assigned", initial),
		zap.Int("scheduled_jobs", sum.ScheduledJobs),
		zap.Int("renewal_jobs", sum.IdentityRenewalJobs),
		zap.Int("case_update_failures", sum.CaseUpdateFailures),
		zap.Int("enqueue_failures", sum.EnqueueFailures),
		zap.Int64("lost_updates", lost.Load()),
	)
	return finish(StatusSuccess, map[string]any{
		"candidates":          sum.Candidates,
		"initialAssigned":     initial,
		"scheduledJobs":       sum.ScheduledJobs,
		"identityRenewalJobs": sum.IdentityRenewalJobs,
		"caseUpdateFailures":  sum.CaseUpdateFailures,
		"enqueueFailures":     sum.EnqueueFailures,
		"renewalFailures":     sum.RenewalFailures,
	}, nil)
}

// plan filters candidates by the eligibility rules and computes due times and jobs.
func (s *SchedulerServiceImpl) plan(candidates []model.Case, set model.Settings, now time.Time) []dueUpdate {
	interval := set.ProgressInterval()
	window := now.Truncate(s.window)

	out := make([]dueUpdate, 0, min(len(candidates), set.SchedulerBatchSize))
	for _, c := range candidates {
		if len(out) == set.SchedulerBatchSize {
			break
		}
		// re-check of what the candidate query already filters
		if !c.SyncEnabled || c.InCooldown(now) || !set.ActiveCaseRule.Eligible(c) {
			continue
		}
		if c.NextProgressSyncAt == nil {
			out = append(out, dueUpdate{c: c, next: InitialDueAt(c.ID, now, interval)})
			continue
		}
		next := NextDueAt(now, interval, set.ProgressJitter(), s.rand())
		caseID := c.ID
		out = append(out, dueUpdate{
			c:    c,
			next: next,
			job: &model.SyncJob{
				Kind:        model.JobProgress,
				CaseID:      &caseID,
				TenantID:    c.TenantID,
				Priority:    model.PriorityProgress,
				ScheduledAt: now,
				Payload: model.NewProgressPayload(model.ProgressPayload{
					TriggerSource: "scheduler",
					NextDueAt:     next,
				}),
				DedupKey: DedupKey(model.JobProgress, caseID.String(), window),
			},
		})
	}
	return out
}

func (s *SchedulerServiceImpl) scheduleRenewals(ctx context.Context, log *zap.Logger, set model.Settings, now time.Time) (queued, failed int) {
	expiring, err := s.identities.SelectExpiring(ctx, now.Add(set.RenewalLookahead()),
		[]model.IdentityStatus{model.IdentityActive, model.IdentityExpiring})
	if err != nil {
		log.Warn("expiring identity lookup failed", zap.Error(err))
		return 0, 1
	}
	window := now.Truncate(renewalWindow)
	for _, id := range expiring {
		job := &model.SyncJob{
			Kind:        model.JobIdentityRenewal,
			Priority:    model.PriorityIdentityRenewal,
			ScheduledAt: now,
			Payload: model.NewRenewalPayload(model.RenewalPayload{
				IdentityID:  id.ID,
				OwnerUserID: id.OwnerUserID,
			}),
			DedupKey: DedupKey(model.JobIdentityRenewal, id.ID.String(), window),
		}
		inserted, err := s.jobs.Enqueue(ctx, job)
		if err != nil {
			failed++
			log.Warn("renewal enqueue failed", zap.String("identity_id", id.ID.String()), zap.Error(err))
			continue
		}
		s.countEnqueue(job.Kind, inserted)
		if inserted {
			queued++
		}
	}
	return queued, failed
}

func (s *SchedulerServiceImpl) countEnqueue(kind model.JobKind, inserted bool) {
	if inserted {
		metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()
		return
	}
	metrics.JobsDeduplicated.WithLabelValues(string(kind)).Inc()
}
