package model

import (
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings is the runtime sync configuration read from settings storage on every scheduler run.
type Settings struct {
	AutoSyncEnabled       bool           `json:"autoSyncEnabled"`
	ProgressIntervalHours float64        `json:"progressIntervalHours" validate:"gt=0,lte=720"`
	ProgressJitterMinutes int            `json:"progressJitterMinutes" validate:"gte=0,lte=1440"`
	SchedulerBatchSize    int            `json:"schedulerBatchSize" validate:"gt=0,lte=1000"`
	ActiveCaseRule        ActiveCaseRule `json:"activeCaseRule"`
	WMONID                IdentityRule   `json:"wmonid"`
}

// ActiveCaseRule decides which due cases are eligible for a progress check.
type ActiveCaseRule struct {
	StatusAllowList    []string `json:"statusAllowList"`
	StatusBlockList    []string `json:"statusBlockList"`
	ExcludeFinalResult bool     `json:"excludeFinalResult"`
	RequireLinked      bool     `json:"requireLinked"`
}

// IdentityRule controls automatic identity renewal.
type IdentityRule struct {
	AutoRotateEnabled bool `json:"autoRotateEnabled"`
	RenewalBeforeDays int  `json:"renewalBeforeDays" validate:"gte=0,lte=365"`
}

// DefaultSettings returns the values used for keys missing from storage.
func DefaultSettings() Settings {
	return Settings{
		AutoSyncEnabled:       true,
		ProgressIntervalHours: 24,
		ProgressJitterMinutes: 30,
		SchedulerBatchSize:    50,
		WMONID: IdentityRule{
			AutoRotateEnabled: true,
			RenewalBeforeDays: 45,
		},
	}
}

var validate = validator.New()

// Validate checks ranges of numeric options.
func (s Settings) Validate() error { return validate.Struct(s) }

// ProgressInterval returns the configured interval as a duration.
func (s Settings) ProgressInterval() time.Duration {
	return time.Duration(s.ProgressIntervalHours * float64(time.Hour))
}

// ProgressJitter returns the jitter bound as a duration.
func (s Settings) ProgressJitter() time.Duration {
	return time.Duration(s.ProgressJitterMinutes) * time.Minute
}

// RenewalLookahead returns how far ahead of expiry identities are renewed.
func (s Settings) RenewalLookahead() time.Duration {
	return time.Duration(s.WMONID.RenewalBeforeDays) * 24 * time.Hour
}

// Eligible applies the status, final-result and link rules to c.
// The block list only applies when the allow list is empty.
func (r ActiveCaseRule) Eligible(c Case) bool {
	if len(r.StatusAllowList) > 0 {
		if !slices.Contains(r.StatusAllowList, c.Status) {
			return false
		}
	} else if slices.Contains(r.StatusBlockList, c.Status) {
		return false
	}
	if r.ExcludeFinalResult && c.HasFinalResult() {
		return false
	}
	if r.RequireLinked && !c.Linked {
		return false
	}
	return true
}
