// Package convert maps domain values to and from their wire representations.
package convert

import (
	"errors"

	"github.com/and161185/courtsync/internal/model"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- RunSummary ---

// RunSummaryFields is the operator-facing shape of a scheduler run, shared by gRPC and HTTP.
func RunSummaryFields(s model.RunSummary) map[string]any {
	return map[string]any{
		"success":             s.Success,
		"scheduledJobs":       s.ScheduledJobs,
		"identityRenewalJobs": s.IdentityRenewalJobs,
		"durationMs":          s.DurationMs,
		"candidates":          s.Candidates,
		"caseUpdateFailures":  s.CaseUpdateFailures,
		"enqueueFailures":     s.EnqueueFailures,
		"renewalFailures":     s.RenewalFailures,
	}
}

// ToProtoRunSummary wraps a run summary into a protobuf Struct.
func ToProtoRunSummary(s model.RunSummary) (*structpb.Struct, error) {
	return structpb.NewStruct(RunSummaryFields(s))
}

// FromProtoRunSummary reads a run summary back; unknown fields are ignored.
func FromProtoRunSummary(st *structpb.Struct) (model.RunSummary, error) {
	if st == nil {
		return model.RunSummary{}, errors.New("nil summary")
	}
	f := st.GetFields()
	num := func(k string) int64 { return int64(f[k].GetNumberValue()) }
	return model.RunSummary{
		Success:             f["success"].GetBoolValue(),
		ScheduledJobs:       int(num("scheduledJobs")),
		IdentityRenewalJobs: int(num("identityRenewalJobs")),
		DurationMs:          num("durationMs"),
		Candidates:          int(num("candidates")),
		CaseUpdateFailures:  int(num("caseUpdateFailures")),
		EnqueueFailures:     int(num("enqueueFailures")),
		RenewalFailures:     int(num("renewalFailures")),
	}, nil
}
