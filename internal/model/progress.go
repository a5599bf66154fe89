package model

import (
	"strings"
	"unicode/utf8"
)

// UpdateType classifies a detected progress change.
type UpdateType string

// Update types.
const (
	UpdateServed          UpdateType = "served"
	UpdateDocumentServed  UpdateType = "document_served"
	UpdateDocumentFiled   UpdateType = "document_filed"
	UpdateResultAnnounced UpdateType = "result_announced"
	UpdateAppealFiled     UpdateType = "appeal_filed"
	UpdateHearingChanged  UpdateType = "hearing_changed"
	UpdateResultRecorded  UpdateType = "result_recorded"
	UpdateOther           UpdateType = "other"
)

// Importance levels of a progress update.
const (
	ImportanceHigh   = "high"
	ImportanceNormal = "normal"
	ImportanceLow    = "low"
)

// ProgressUpdate is one change between two progress snapshots of a case.
type ProgressUpdate struct {
	Type           UpdateType    `json:"type"`
	Importance     string        `json:"importance"`
	Summary        string        `json:"summary"`
	Entry          ProgressEntry `json:"entry"`
	PreviousResult string        `json:"previousResult,omitempty"`
}

// ProgressChange is what RecordProgressResult observed while storing a result.
type ProgressChange struct {
	Changed bool // stored hash differs from the previous one
	Updates []ProgressUpdate
}

const progressKeyRunes = 50

// progressKey identifies an entry by date and the head of its event text.
func progressKey(e ProgressEntry) string {
	ev := e.Event
	if utf8.RuneCountInString(ev) > progressKeyRunes {
		ev = string([]rune(ev)[:progressKeyRunes])
	}
	return e.Date + "_" + ev
}

// DiffProgress reports entries of next that are absent from prev and entries
// whose result was filled in or changed. Updates follow the order of next.
func DiffProgress(prev, next []ProgressEntry) []ProgressUpdate {
	old := make(map[string]ProgressEntry, len(prev))
	for _, e := range prev {
		old[progressKey(e)] = e
	}

	var out []ProgressUpdate
	for _, e := range next {
		p, ok := old[progressKey(e)]
		switch {
		case !ok:
			out = append(out, classifyEntry(e))
		case e.Result != "" && e.Result != p.Result:
			out = append(out, ProgressUpdate{
				Type:           UpdateResultRecorded,
				Importance:     ImportanceHigh,
				Summary:        e.Event + ": " + e.Result,
				Entry:          e,
				PreviousResult: p.Result,
			})
		}
	}
	return out
}

// classifyEntry types a newly added entry by keywords of the portal's event text.
func classifyEntry(e ProgressEntry) ProgressUpdate {
	u := ProgressUpdate{Entry: e, Summary: e.Event}
	switch c := e.Event; {
	case strings.Contains(e.Result, "도달"):
		u.Type, u.Importance = UpdateServed, ImportanceNormal
		u.Summary = c + " (" + e.Result + ")"
	case strings.Contains(c, "송달"):
		u.Type, u.Importance = UpdateDocumentServed, ImportanceNormal
	case strings.Contains(c, "제출"), strings.Contains(c, "접수"):
		u.Type, u.Importance = UpdateDocumentFiled, ImportanceNormal
	case strings.Contains(c, "판결"), strings.Contains(c, "결정"), strings.Contains(c, "선고"):
		u.Type, u.Importance = UpdateResultAnnounced, ImportanceHigh
	case strings.Contains(c, "항소"), strings.Contains(c, "상고"), strings.Contains(c, "항고"):
		u.Type, u.Importance = UpdateAppealFiled, ImportanceHigh
	case strings.Contains(c, "기일"):
		u.Type, u.Importance = UpdateHearingChanged, ImportanceHigh
	default:
		u.Type, u.Importance = UpdateOther, ImportanceLow
	}
	return u
}
