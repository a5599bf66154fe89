package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
)

// JobKind selects the executor branch and the payload variant.
type JobKind string

// Job kinds.
const (
	JobProgress        JobKind = "progress"
	JobIdentityRenewal JobKind = "identity_renewal"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

// Job statuses. Done, Failed, Expired and Skipped are terminal.
const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobExpired JobStatus = "expired"
	JobSkipped JobStatus = "skipped"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobExpired, JobSkipped:
		return true
	}
	return false
}

// Priorities used by the scheduler; lower runs first.
const (
	PriorityProgress        = 0
	PriorityIdentityRenewal = 5
)

// SyncJob is a deduplicated unit of work.
type SyncJob struct {
	ID          uuid.UUID
	Kind        JobKind
	CaseID      *uuid.UUID
	TenantID    *uuid.UUID
	Priority    int
	ScheduledAt time.Time
	Payload     JobPayload
	DedupKey    string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
}

// JobPayload is a sum type over job kinds: exactly one variant is set and matches Kind.
type JobPayload struct {
	Kind     JobKind
	Progress *ProgressPayload
	Renewal  *RenewalPayload
}

// ProgressPayload parameterizes a progress job.
type ProgressPayload struct {
	TriggerSource string    `json:"triggerSource"`
	NextDueAt     time.Time `json:"nextDueAt"` // due time written at admission; a later case value supersedes the job
}

// RenewalPayload parameterizes an identity renewal job.
type RenewalPayload struct {
	IdentityID  uuid.UUID  `json:"identityId"`
	OwnerUserID *uuid.UUID `json:"ownerUserId,omitempty"`
}

// NewProgressPayload wraps p as a progress payload.
func NewProgressPayload(p ProgressPayload) JobPayload {
	return JobPayload{Kind: JobProgress, Progress: &p}
}

// NewRenewalPayload wraps p as a renewal payload.
func NewRenewalPayload(p RenewalPayload) JobPayload {
	return JobPayload{Kind: JobIdentityRenewal, Renewal: &p}
}

// ErrPayloadKind is returned when a payload variant does not match its kind.
var ErrPayloadKind = errors.New("payload does not match job kind")

type payloadWire struct {
	Kind JobKind         `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes the payload as {"kind":..., "data":...}.
func EncodePayload(p JobPayload) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch p.Kind {
	case JobProgress:
		if p.Progress == nil {
			return nil, ErrPayloadKind
		}
		data, err = json.Marshal(p.Progress)
	case JobIdentityRenewal:
		if p.Renewal == nil {
			return nil, ErrPayloadKind
		}
		data, err = json.Marshal(p.Renewal)
	default:
		return nil, fmt.Errorf("unknown job kind %q", p.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadWire{Kind: p.Kind, Data: data})
}

// DecodePayload parses a stored payload and checks it against the job kind.
func DecodePayload(kind JobKind, raw []byte) (JobPayload, error) {
	var w payloadWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return JobPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if w.Kind != kind {
		return JobPayload{}, fmt.Errorf("%w: stored %q, job %q", ErrPayloadKind, w.Kind, kind)
	}
	switch kind {
	case JobProgress:
		var p ProgressPayload
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return JobPayload{}, fmt.Errorf("decode progress payload: %w", err)
		}
		return NewProgressPayload(p), nil
	case JobIdentityRenewal:
		var p RenewalPayload
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return JobPayload{}, fmt.Errorf("decode renewal payload: %w", err)
		}
		if p.IdentityID == uuid.Nil {
			return JobPayload{}, errors.New("renewal payload: empty identity id")
		}
		return NewRenewalPayload(p), nil
	}
	return JobPayload{}, fmt.Errorf("unknown job kind %q", kind)
}
