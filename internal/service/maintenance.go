package service

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/courtsync/internal/repository"
	"go.uber.org/zap"
)

// MaintenanceServiceImpl expires abandoned jobs and overdue identities.
type MaintenanceServiceImpl struct {
	jobs       repository.JobQueue
	identities repository.IdentityRepository
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewMaintenanceService constructs the maintenance service.
func NewMaintenanceService(jobs repository.JobQueue, identities repository.IdentityRepository, staleAfter time.Duration, log *zap.Logger) *MaintenanceServiceImpl {
	return &MaintenanceServiceImpl{jobs: jobs, identities: identities, staleAfter: staleAfter, log: log, now: time.Now}
}

// Run performs one cleanup pass; both steps run even if the first fails.
func (m *MaintenanceServiceImpl) Run(ctx context.Context) error {
	jobs, jerr := m.jobs.ExpireStale(ctx, m.staleAfter)
	if jerr != nil {
		m.log.Warn("expire stale jobs failed", zap.Error(jerr))
	}
	ids, ierr := m.identities.ExpireOverdue(ctx, m.now())
	if ierr != nil {
		m.log.Warn("expire overdue identities failed", zap.Error(ierr))
	}
	if jobs > 0 || ids > 0 {
		m.log.Info("maintenance pass", zap.Int64("expired_jobs", jobs), zap.Int64("expired_identities", ids))
	}
	return errors.Join(jerr, ierr)
}
