package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/model"
	"github.com/and161185/courtsync/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Describer turns a case into portal registration fields.
type Describer interface {
	Describe(c model.Case) (model.CaseDescriptor, error)
}

// RenewalResult summarizes one identity renewal.
type RenewalResult struct {
	NewIdentityID uuid.UUID
	Migrated      int
	Failed        int
	Skipped       bool
}

// RenewalServiceImpl replaces a browser identity before it expires and moves
// every case token bound to it onto the replacement.
type RenewalServiceImpl struct {
	identities repository.IdentityRepository
	tokens     repository.TokenRepository
	cases      repository.CaseRepository
	tm         *TokenManager
	codes      Describer
	log        *zap.Logger
}

// NewRenewalService constructs the renewal service.
func NewRenewalService(
	identities repository.IdentityRepository,
	tokens repository.TokenRepository,
	cases repository.CaseRepository,
	tm *TokenManager,
	codes Describer,
	log *zap.Logger,
) *RenewalServiceImpl {
	return &RenewalServiceImpl{identities: identities, tokens: tokens, cases: cases, tm: tm, codes: codes, log: log}
}

// Renew migrates the identity named in p. The old identity is marked migrating
// while work is in progress, expired when every token moved, and expiring
// otherwise so a later run finishes the migration.
func (r *RenewalServiceImpl) Renew(ctx context.Context, p model.RenewalPayload) (RenewalResult, error) {
	log := r.log.With(zap.String("identity_id", p.IdentityID.String()))

	old, err := r.identities.Get(ctx, p.IdentityID)
	if err != nil {
		return RenewalResult{}, fmt.Errorf("load identity: %w", err)
	}
	if old.Status != model.IdentityActive && old.Status != model.IdentityExpiring {
		log.Info("identity no longer renewable", zap.String("status", string(old.Status)))
		return RenewalResult{Skipped: true}, nil
	}
	restore := old.Status
	if restore == model.IdentityActive {
		restore = model.IdentityExpiring
	}

	if err := r.identities.SetStatus(ctx, old.ID, model.IdentityMigrating); err != nil {
		return RenewalResult{}, fmt.Errorf("mark migrating: %w", err)
	}

	client, err := r.replacement(ctx, old)
	if err != nil {
		if serr := r.identities.SetStatus(ctx, old.ID, restore); serr != nil {
			log.Error("restore identity status failed", zap.Error(serr))
		}
		return RenewalResult{}, err
	}
	res := RenewalResult{NewIdentityID: client.Session().IdentityID()}

	bound, err := r.tokens.ListByIdentity(ctx, old.ID)
	if err != nil {
		if serr := r.identities.SetStatus(ctx, old.ID, model.IdentityExpiring); serr != nil {
			log.Error("restore identity status failed", zap.Error(serr))
		}
		return res, fmt.Errorf("list bound tokens: %w", err)
	}

	for _, tok := range bound {
		if tok.Stale {
			continue
		}
		if err := r.migrate(ctx, client, tok.CaseID); err != nil {
			res.Failed++
			log.Warn("token migration failed", zap.String("case_id", tok.CaseID.String()), zap.Error(err))
			continue
		}
		res.Migrated++
	}

	final := model.IdentityExpired
	if res.Failed > 0 {
		final = model.IdentityExpiring
	}
	if err := r.identities.SetStatus(ctx, old.ID, final); err != nil {
		return res, fmt.Errorf("finish identity %s: %w", final, err)
	}
	log.Info("identity renewed",
		zap.String("new_identity_id", res.NewIdentityID.String()),
		zap.Int("migrated", res.Migrated),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// replacement returns a client on the scope's active identity. With the old
// identity out of the active slot this is either one left by an earlier
// partial migration or a freshly acquired one.
func (r *RenewalServiceImpl) replacement(ctx context.Context, old *model.BrowserIdentity) (PortalClient, error) {
	client, err := r.tm.Client(ctx, old.OwnerUserID)
	if err != nil {
		return nil, err
	}
	if client.Session().IdentityID() == old.ID {
		return nil, errors.New("renewal resolved the identity being replaced")
	}
	return client, nil
}

func (r *RenewalServiceImpl) migrate(ctx context.Context, client PortalClient, caseID uuid.UUID) error {
	c, err := r.cases.Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	d, err := r.codes.Describe(*c)
	if err != nil {
		return err
	}
	_, err = r.tm.Register(ctx, client, caseID, d)
	return err
}
