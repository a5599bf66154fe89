// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Case is a court case owned by the case database. The sync engine only touches its sync fields.
type Case struct {
	ID                 uuid.UUID
	TenantID           *uuid.UUID
	OwnerUserID        *uuid.UUID // identity scope; nil uses the shared identity
	CaseNumber         string     // external number, e.g. 2024드단26718
	CourtName          string
	PartyName          string
	Status             string
	CaseResult         *string
	CaseResultDate     *time.Time
	SyncEnabled        bool
	Linked             bool // a non-stale portal token exists
	NextProgressSyncAt *time.Time
	SyncCooldownUntil  *time.Time
}

// HasFinalResult reports whether any terminal-result marker is set.
func (c Case) HasFinalResult() bool {
	return (c.CaseResult != nil && *c.CaseResult != "") || c.CaseResultDate != nil
}

// InCooldown reports whether the case is cooling down at t.
func (c Case) InCooldown(t time.Time) bool {
	return c.SyncCooldownUntil != nil && c.SyncCooldownUntil.After(t)
}

// CaseFilter narrows due-case selection. Rule is applied by the query so that
// ineligible cases never occupy the candidate limit.
type CaseFilter struct {
	DueBefore time.Time
	Rule      ActiveCaseRule
}

// ProgressEntry is one line of the portal's progress table.
type ProgressEntry struct {
	Date   string `json:"date"`
	Event  string `json:"event"`
	Result string `json:"result,omitempty"`
}

// ProgressResult is written back to the case after a successful query.
type ProgressResult struct {
	Entries   []ProgressEntry
	FetchedAt time.Time
	Hash      string // digest of Entries, used to detect changes
}

// IdentityStatus is the lifecycle state of a browser identity.
type IdentityStatus string

// Identity statuses.
const (
	IdentityActive    IdentityStatus = "active"
	IdentityExpiring  IdentityStatus = "expiring"
	IdentityMigrating IdentityStatus = "migrating"
	IdentityExpired   IdentityStatus = "expired"
	IdentityRevoked   IdentityStatus = "revoked"
)

// BrowserIdentity is the long-lived portal cookie (WMONID) that case tokens are bound to.
type BrowserIdentity struct {
	ID          uuid.UUID
	Cookie      string
	OwnerUserID *uuid.UUID // nil for the shared service identity
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Status      IdentityStatus
}

// Expired reports whether the identity cookie is past its expiry at t.
func (b BrowserIdentity) Expired(t time.Time) bool { return !b.ExpiresAt.After(t) }

// CaseToken is the portal's per-case access token and the identity it was issued under.
type CaseToken struct {
	CaseID      uuid.UUID
	IdentityID  uuid.UUID
	Value       string
	AcquiredAt  time.Time
	ValidatedAt *time.Time
	Stale       bool
}

// Usable reports whether the token may be presented under the given identity.
func (t CaseToken) Usable(identityID uuid.UUID) bool {
	return !t.Stale && t.Value != "" && t.IdentityID == identityID
}

// CaseDescriptor carries the fields the portal needs to register a case.
type CaseDescriptor struct {
	CourtCode string // 6-digit portal court code
	Year      string
	TypeCode  string // 3-digit portal case-type code
	Serial    string
	PartyName string
}

// RunLog is one audit row per scheduler or executor run.
type RunLog struct {
	Action      string
	Trigger     string
	Status      string
	CasesSynced int
	Duration    time.Duration
	Details     map[string]any
	Error       string
}

// RunSummary is returned to operators after a scheduler run.
type RunSummary struct {
	Success             bool
	ScheduledJobs       int
	IdentityRenewalJobs int
	Candidates          int
	CaseUpdateFailures  int
	EnqueueFailures     int
	RenewalFailures     int
	DurationMs          int64
}
