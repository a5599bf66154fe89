package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/limiter"
	"github.com/and161185/courtsync/internal/model"
	"github.com/and161185/courtsync/internal/portal"
	"github.com/and161185/courtsync/internal/repository"
	"github.com/gofrs/uuid/v5"
)

var testNow = time.Date(2025, 3, 10, 9, 17, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func newID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

func ptr[T any](v T) *T { return &v }

type fakeCases struct {
	mu sync.Mutex

	byID        map[uuid.UUID]*model.Case
	due         []model.Case
	selectErr   error
	selectCalls int
	lastFilter  model.CaseFilter
	updateErr   map[uuid.UUID]error
	lose        map[uuid.UUID]bool
	updates     map[uuid.UUID]time.Time
	results     map[uuid.UUID]model.ProgressResult
	cooldowns   map[uuid.UUID]time.Time
	recordErr   error
}

var _ repository.CaseRepository = (*fakeCases)(nil)

func newFakeCases(cs ...model.Case) *fakeCases {
	f := &fakeCases{
		byID:      map[uuid.UUID]*model.Case{},
		updateErr: map[uuid.UUID]error{},
		lose:      map[uuid.UUID]bool{},
		updates:   map[uuid.UUID]time.Time{},
		results:   map[uuid.UUID]model.ProgressResult{},
		cooldowns: map[uuid.UUID]time.Time{},
	}
	for _, c := range cs {
		cp := c
		f.byID[c.ID] = &cp
		f.due = append(f.due, c)
	}
	return f
}

// SelectDueCases applies the active-case rule before the limit, as the SQL query does,
// and skips cases whose due time was already advanced.
func (f *fakeCases) SelectDueCases(_ context.Context, filter model.CaseFilter, limit int) ([]model.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls++
	f.lastFilter = filter
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var out []model.Case
	for _, c := range f.due {
		if len(out) == limit {
			break
		}
		if next, ok := f.updates[c.ID]; ok && next.After(filter.DueBefore) {
			continue
		}
		if !filter.Rule.Eligible(c) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeCases) UpdateNextSyncAt(_ context.Context, caseID uuid.UUID, _ *time.Time, next time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[caseID]; err != nil {
		return false, err
	}
	if f.lose[caseID] {
		return false, nil
	}
	f.updates[caseID] = next
	return true, nil
}

func (f *fakeCases) RecordProgressResult(_ context.Context, caseID uuid.UUID, res model.ProgressResult) (model.ProgressChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return model.ProgressChange{}, f.recordErr
	}
	prev, seen := f.results[caseID]
	f.results[caseID] = res
	ch := model.ProgressChange{Changed: !seen || prev.Hash != res.Hash}
	if seen && ch.Changed {
		ch.Updates = model.DiffProgress(prev.Entries, res.Entries)
	}
	return ch, nil
}

func (f *fakeCases) Get(_ context.Context, caseID uuid.UUID) (*model.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[caseID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCases) SetCooldown(_ context.Context, caseID uuid.UUID, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[caseID] = until
	return nil
}

type fakeIdentities struct {
	mu sync.Mutex

	byID      map[uuid.UUID]*model.BrowserIdentity
	history   map[uuid.UUID][]model.IdentityStatus
	createErr error
	activeErr error
	expiring  []model.BrowserIdentity
	expireErr error
}

var _ repository.IdentityRepository = (*fakeIdentities)(nil)

func newFakeIdentities(ids ...model.BrowserIdentity) *fakeIdentities {
	f := &fakeIdentities{byID: map[uuid.UUID]*model.BrowserIdentity{}, history: map[uuid.UUID][]model.IdentityStatus{}}
	for _, id := range ids {
		cp := id
		f.byID[id.ID] = &cp
	}
	return f
}

func sameOwner(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeIdentities) Create(_ context.Context, id *model.BrowserIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, other := range f.byID {
		if other.Status == model.IdentityActive && sameOwner(other.OwnerUserID, id.OwnerUserID) {
			return errs.ErrAlreadyExists
		}
	}
	cp := *id
	f.byID[id.ID] = &cp
	return nil
}

func (f *fakeIdentities) Get(_ context.Context, id uuid.UUID) (*model.BrowserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeIdentities) Active(_ context.Context, owner *uuid.UUID) (*model.BrowserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	for _, b := range f.byID {
		if b.Status == model.IdentityActive && sameOwner(b.OwnerUserID, owner) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeIdentities) SelectExpiring(_ context.Context, before time.Time, statuses []model.IdentityStatus) ([]model.BrowserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expireErr != nil {
		return nil, f.expireErr
	}
	var out []model.BrowserIdentity
	for _, b := range f.expiring {
		if b.ExpiresAt.After(before) {
			continue
		}
		for _, s := range statuses {
			if b.Status == s {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeIdentities) SetStatus(_ context.Context, id uuid.UUID, status model.IdentityStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	b.Status = status
	f.history[id] = append(f.history[id], status)
	return nil
}

func (f *fakeIdentities) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.byID {
		if (b.Status == model.IdentityActive || b.Status == model.IdentityExpiring) && !b.ExpiresAt.After(now) {
			b.Status = model.IdentityExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeIdentities) status(id uuid.UUID) model.IdentityStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Status
}

type fakeTokens struct {
	mu sync.Mutex

	byCase        map[uuid.UUID]model.CaseToken
	getErr        error
	putErr        error
	listErr       error
	puts          int
	invalidations []string
	invalidErrs   []error // consumed one per Invalidate call
	validated     map[uuid.UUID]time.Time
}

var _ repository.TokenRepository = (*fakeTokens)(nil)

func newFakeTokens(ts ...model.CaseToken) *fakeTokens {
	f := &fakeTokens{byCase: map[uuid.UUID]model.CaseToken{}, validated: map[uuid.UUID]time.Time{}}
	for _, t := range ts {
		f.byCase[t.CaseID] = t
	}
	return f
}

func (f *fakeTokens) Get(_ context.Context, caseID uuid.UUID) (*model.CaseToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.byCase[caseID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTokens) Put(_ context.Context, t *model.CaseToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	f.byCase[t.CaseID] = *t
	return nil
}

func (f *fakeTokens) MarkValidated(_ context.Context, caseID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated[caseID] = at
	return nil
}

func (f *fakeTokens) Invalidate(_ context.Context, caseID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.invalidErrs) > 0 {
		err := f.invalidErrs[0]
		f.invalidErrs = f.invalidErrs[1:]
		if err != nil {
			return err
		}
	}
	t, ok := f.byCase[caseID]
	if !ok {
		return errs.ErrNotFound
	}
	t.Stale = true
	f.byCase[caseID] = t
	f.invalidations = append(f.invalidations, reason)
	return nil
}

func (f *fakeTokens) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]model.CaseToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.CaseToken
	for _, t := range f.byCase {
		if t.IdentityID == identityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTokens) token(caseID uuid.UUID) model.CaseToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byCase[caseID]
}

type fakeJobs struct {
	mu sync.Mutex

	keys       map[string]bool
	enqueued   []model.SyncJob
	enqueueErr error
	batch      []model.SyncJob
	dequeueErr error
	finished   map[uuid.UUID]model.JobStatus
	lastErrs   map[uuid.UUID]string
	requeued   map[uuid.UUID]time.Time
	staleCalls int
}

var _ repository.JobQueue = (*fakeJobs)(nil)

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		keys:     map[string]bool{},
		finished: map[uuid.UUID]model.JobStatus{},
		lastErrs: map[uuid.UUID]string{},
		requeued: map[uuid.UUID]time.Time{},
	}
}

func (f *fakeJobs) Enqueue(_ context.Context, job *model.SyncJob) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return false, f.enqueueErr
	}
	if f.keys[job.DedupKey] {
		return false, nil
	}
	f.keys[job.DedupKey] = true
	f.enqueued = append(f.enqueued, *job)
	return true, nil
}

func (f *fakeJobs) DequeueBatch(_ context.Context, _ string, limit int, _ time.Duration) ([]model.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dequeueErr != nil {
		return nil, f.dequeueErr
	}
	n := min(limit, len(f.batch))
	out := f.batch[:n]
	f.batch = f.batch[n:]
	return out, nil
}

func (f *fakeJobs) Finish(_ context.Context, id uuid.UUID, _ string, status model.JobStatus, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = status
	f.lastErrs[id] = lastErr
	return nil
}

func (f *fakeJobs) Requeue(_ context.Context, id uuid.UUID, _ string, at time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued[id] = at
	f.lastErrs[id] = lastErr
	return nil
}

func (f *fakeJobs) ExpireStale(context.Context, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls++
	return 2, nil
}

type fakeRunLogs struct {
	mu   sync.Mutex
	rows []model.RunLog
}

var _ repository.RunLogRepository = (*fakeRunLogs)(nil)

func (f *fakeRunLogs) Insert(_ context.Context, l model.RunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, l)
	return nil
}

type fakeSettings struct {
	s   model.Settings
	err error
}

var _ repository.SettingsRepository = (*fakeSettings)(nil)

func (f *fakeSettings) Get(context.Context) (model.Settings, error) { return f.s, f.err }

type fakeLimiter struct {
	mu sync.Mutex

	deny        bool
	failBlocked bool
	blockFor    time.Duration

	failures  int
	successes int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, uuid.UUID) (bool, time.Duration, error) {
	if l.deny {
		return false, time.Hour, nil
	}
	return true, 0, nil
}

func (l *fakeLimiter) Success(context.Context, uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	return nil
}

func (l *fakeLimiter) Failure(context.Context, uuid.UUID) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	return l.failBlocked, l.blockFor, nil
}

// serialDescriber describes a case by its number alone.
type serialDescriber struct{ err error }

func (d serialDescriber) Describe(c model.Case) (model.CaseDescriptor, error) {
	if d.err != nil {
		return model.CaseDescriptor{}, d.err
	}
	return model.CaseDescriptor{CourtCode: "000302", Year: "2024", TypeCode: "150", Serial: c.CaseNumber, PartyName: c.PartyName}, nil
}

// fakePortal shares one state across every client the connector builds.
type fakePortal struct {
	mu sync.Mutex

	acquired   int
	registered int
	queried    int

	acquireErr  error
	registerErr map[string]error // by serial
	queryErrs   []error          // consumed in order
	entries     []model.ProgressEntry
}

func newFakePortal() *fakePortal {
	return &fakePortal{registerErr: map[string]error{}}
}

func (p *fakePortal) connect(sess *portal.SessionContext) PortalClient {
	return &fakeClient{p: p, sess: sess}
}

type fakeClient struct {
	p    *fakePortal
	sess *portal.SessionContext
}

var _ PortalClient = (*fakeClient)(nil)

func (c *fakeClient) Session() *portal.SessionContext { return c.sess }

func (c *fakeClient) AcquireIdentity(context.Context) (portal.Identity, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.acquireErr != nil {
		return portal.Identity{}, c.p.acquireErr
	}
	c.p.acquired++
	return portal.Identity{
		Cookie:    fmt.Sprintf("WMONID%d", c.p.acquired),
		IssuedAt:  testNow,
		ExpiresAt: testNow.AddDate(2, 0, 0),
	}, nil
}

func (c *fakeClient) Register(_ context.Context, d model.CaseDescriptor) (string, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if err := c.p.registerErr[d.Serial]; err != nil {
		return "", err
	}
	c.p.registered++
	return fmt.Sprintf("enc-%s-%d", d.Serial, c.p.registered), nil
}

func (c *fakeClient) QueryCase(_ context.Context, _ model.CaseDescriptor, tok model.CaseToken) ([]model.ProgressEntry, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.queried++
	if tok.IdentityID != c.sess.IdentityID() {
		return nil, errs.ErrTokenInvalid
	}
	if len(c.p.queryErrs) > 0 {
		err := c.p.queryErrs[0]
		c.p.queryErrs = c.p.queryErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.p.entries, nil
}

func activeIdentity(owner *uuid.UUID) model.BrowserIdentity {
	return model.BrowserIdentity{
		ID:          newID(),
		Cookie:      "WMONID-active",
		OwnerUserID: owner,
		IssuedAt:    testNow.AddDate(-1, 0, 0),
		ExpiresAt:   testNow.AddDate(1, 0, 0),
		Status:      model.IdentityActive,
	}
}
