// Package domain holds the task, template and completion types of the opsboard core.
// A Task is one schedulable unit of kitchen work:
// generate → expand into dayparts → open → record readings → submit.
package domain

import "time"

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
)

// ParseTaskStatus maps a stored status onto the known set.
// Unknown values are treated as pending so the task stays visible.
func ParseTaskStatus(s string) TaskStatus {
	switch TaskStatus(s) {
	case TaskInProgress, TaskCompleted, TaskSkipped:
		return TaskStatus(s)
	default:
		return TaskPending
	}
}

// FlagFollowUp marks monitor re-check tasks. They are listed separately
// from the main feed.
const FlagFollowUp = "follow_up"

// Task is one stored task row, decoded at the row-store boundary.
type Task struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	SiteID      string        `json:"site_id"`
	TemplateID  string        `json:"template_id,omitempty"`
	ChecklistID string        `json:"site_checklist_id,omitempty"`
	Name        string        `json:"name"`
	DueDate     string        `json:"due_date"`
	DueTime     string        `json:"due_time,omitempty"`
	Daypart     string        `json:"daypart,omitempty"` // raw stored value, may be legacy
	Status      TaskStatus    `json:"status"`
	FlagReason  string        `json:"flag_reason,omitempty"`
	FollowUpOf  string        `json:"follow_up_of,omitempty"`
	AssetID     string        `json:"asset_id,omitempty"`
	Features    *FeatureFlags `json:"features,omitempty"` // ad hoc tasks only
	Metadata    TaskMetadata  `json:"metadata"`
	CompletedBy string        `json:"completed_by,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsAdHoc returns true for tasks created without a template.
func (t *Task) IsAdHoc() bool {
	return t.TemplateID == ""
}

// IsFollowUp returns true for monitor re-check tasks.
func (t *Task) IsFollowUp() bool {
	return t.FlagReason == FlagFollowUp
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskSkipped
}

// IsMultiDaypart reports whether the row's own metadata expands it into
// several daypart instances.
func (t *Task) IsMultiDaypart() bool {
	return t.Metadata.Dayparts.FromArray && len(t.Metadata.Dayparts.Entries) >= 2
}

// TaskMetadata is the typed view of the task's JSON metadata column.
type TaskMetadata struct {
	Dayparts DaypartList `json:"dayparts,omitempty"`
	Notes    string      `json:"notes,omitempty"`
}
