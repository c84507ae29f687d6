package domain

import (
	"strings"
	"time"
)

// ReadingStatus is the persisted status of a temperature log row.
// Range comparison only ever yields ok or critical.
type ReadingStatus string

const (
	ReadingOK       ReadingStatus = "ok"
	ReadingCritical ReadingStatus = "critical"
)

// ActionKind is the operator's response to an out-of-range reading.
type ActionKind string

const (
	ActionMonitor ActionKind = "monitor"
	ActionCallout ActionKind = "callout"
)

// RecheckDelays are the allowed monitor re-check delays in minutes.
var RecheckDelays = []int{30, 60, 120, 240}

// DefaultRecheckMinutes is used when no delay is chosen.
const DefaultRecheckMinutes = 60

// ValidRecheckDelay reports whether minutes is one of RecheckDelays.
func ValidRecheckDelay(minutes int) bool {
	for _, d := range RecheckDelays {
		if d == minutes {
			return true
		}
	}
	return false
}

// RemediationAction records how an out-of-range reading was handled.
// The asset fields are a snapshot taken at completion time.
type RemediationAction struct {
	ID             string     `json:"id,omitempty"`
	AssetID        string     `json:"asset_id"`
	Kind           ActionKind `json:"kind"`
	RecheckMinutes int        `json:"recheck_minutes,omitempty"`
	Notes          string     `json:"notes,omitempty"`

	AssetName      string    `json:"asset_name,omitempty"`
	Range          TempRange `json:"range"`
	Reading        *float64  `json:"reading,omitempty"`
	FollowUpTaskID string    `json:"follow_up_task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// TemperatureLog is one persisted reading.
type TemperatureLog struct {
	ID         string        `json:"id,omitempty"`
	AssetID    string        `json:"asset_id"`
	AssetName  string        `json:"asset_name"`
	Reading    float64       `json:"reading"`
	Range      TempRange     `json:"range"`
	Status     ReadingStatus `json:"status"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// AssetSnapshot freezes an asset's name and range at completion time so
// later edits to the asset do not rewrite history.
type AssetSnapshot struct {
	AssetID     string    `json:"asset_id"`
	Name        string    `json:"name"`
	Range       TempRange `json:"range"`
	Placeholder bool      `json:"placeholder,omitempty"`
}

// Answer is a tri-state yes/no answer.
type Answer string

const (
	AnswerUnset Answer = ""
	AnswerYes   Answer = "yes"
	AnswerNo    Answer = "no"
)

// ParseAnswer accepts yes/no in any case; anything else is unset.
func ParseAnswer(s string) (Answer, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true":
		return AnswerYes, true
	case "no", "n", "false":
		return AnswerNo, true
	case "", "null":
		return AnswerUnset, true
	default:
		return AnswerUnset, false
	}
}

// FormAnswers is the serialized form content of a completion.
type FormAnswers struct {
	Checklist []ChecklistAnswer   `json:"checklist,omitempty"`
	YesNo     []YesNoAnswer       `json:"yes_no,omitempty"`
	Readings  map[string]*float64 `json:"readings,omitempty"`
	Notes     string              `json:"notes,omitempty"`
}

// ChecklistAnswer is one checklist line and whether it was ticked.
type ChecklistAnswer struct {
	Item      string `json:"item"`
	Completed bool   `json:"completed"`
}

// YesNoAnswer is one yes/no line and its answer.
type YesNoAnswer struct {
	Item   string `json:"item"`
	Answer Answer `json:"answer"`
}

// CompletionRecord is the persisted outcome of a successful submission.
// It is never mutated after creation.
type CompletionRecord struct {
	ID                string              `json:"id"`
	TenantID          string              `json:"tenant_id"`
	SiteID            string              `json:"site_id"`
	TaskID            string              `json:"task_id"`
	CompletedBy       string              `json:"completed_by"`
	CompletedAt       time.Time           `json:"completed_at"`
	CompletedDaypart  Daypart             `json:"completed_daypart,omitempty"`
	Answers           FormAnswers         `json:"answers"`
	TemperatureLogs   []TemperatureLog    `json:"temperature_logs,omitempty"`
	Actions           []RemediationAction `json:"actions,omitempty"`
	PhotoURLs         []string            `json:"photo_urls,omitempty"`
	EquipmentSnapshot []AssetSnapshot     `json:"equipment_snapshot,omitempty"`
}

// CompletionMark is the slice of a completion the scheduling expander needs.
type CompletionMark struct {
	TaskID  string `json:"task_id"`
	Daypart string `json:"completed_daypart,omitempty"` // raw tag, "" = whole row
}
