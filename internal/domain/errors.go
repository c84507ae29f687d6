package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Scope errors
	ErrMissingTenant = errors.New("row-store call without tenant scope")

	// Row-store errors
	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownColumn = errors.New("unknown column")
	ErrStoreClosed   = errors.New("row-store is closed")

	// Lookup errors
	ErrTaskNotFound     = errors.New("task not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrAssetNotFound    = errors.New("asset not found")
	ErrSessionNotFound  = errors.New("completion session not found")

	// Validation errors (local, recoverable, never reach the row-store)
	ErrIncompleteReadings  = errors.New("temperature readings incomplete")
	ErrUnhandledOutOfRange = errors.New("out-of-range reading has no remediation action")

	// Session errors
	ErrSessionLocked       = errors.New("completion session is locked while submitting")
	ErrSessionClosed       = errors.New("completion session is closed")
	ErrTaskAlreadyComplete = errors.New("task instance already completed")
	ErrDaypartRequired     = errors.New("daypart must name one of the task's scheduled dayparts")
	ErrIndexOutOfRange     = errors.New("item index out of range")
	ErrUnknownAsset        = errors.New("asset is not configured on this task")
	ErrInvalidReading      = errors.New("temperature reading is not a number")
	ErrInvalidAnswer       = errors.New("answer must be yes, no or empty")

	// Escalation errors
	ErrNotOutOfRange       = errors.New("reading is not out of range")
	ErrInvalidRecheckDelay = errors.New("re-check delay must be 30, 60, 120 or 240 minutes")
	ErrInvalidActionKind   = errors.New("action kind must be monitor or callout")

	// Upload errors
	ErrPartialUpload = errors.New("one or more photos failed to upload")
)

// ValidationError reports a submission blocked by form state.
// It matches its Code with errors.Is.
type ValidationError struct {
	Code   error
	Assets []string
}

func (e *ValidationError) Error() string {
	if len(e.Assets) == 0 {
		return e.Code.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Assets, ", "))
}

func (e *ValidationError) Unwrap() error { return e.Code }

// PersistenceError wraps a row-store failure during submission.
// The draft is preserved; the caller decides whether to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable is always true; persistence failures are transient from the
// operator's point of view.
func (e *PersistenceError) Retryable() bool { return true }

// PartialUploadError lists photos that failed to upload. Photos that
// succeeded keep their URLs, so a retry uploads only the failures.
type PartialUploadError struct {
	Failed   []string
	Uploaded int
	Err      error
}

func (e *PartialUploadError) Error() string {
	return fmt.Sprintf("%d photo(s) failed to upload (%s); %d uploaded: %v",
		len(e.Failed), strings.Join(e.Failed, ", "), e.Uploaded, e.Err)
}

func (e *PartialUploadError) Is(target error) bool { return target == ErrPartialUpload }

func (e *PartialUploadError) Unwrap() error { return e.Err }

// ─── Warnings ───────────────────────────────────────────────────────────────

// WarningKind classifies a non-blocking resolution problem.
type WarningKind string

const (
	WarnOrphanedTemplate WarningKind = "orphaned_template"
	WarnMissingAsset     WarningKind = "missing_asset"
	WarnUnknownEquipment WarningKind = "unknown_equipment"
	WarnLegacyMetadata   WarningKind = "legacy_metadata"
)

// Warning is surfaced next to the affected item instead of hiding it.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	TaskID  string      `json:"task_id,omitempty"`
	Ref     string      `json:"ref,omitempty"`
	Message string      `json:"message"`
}
