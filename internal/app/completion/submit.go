package completion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/app/schedule"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/metrics"
	"github.com/opsboard/opsboard/internal/infra/records"
)

// DefaultBucket holds photo evidence when no bucket is configured.
const DefaultBucket = "task-photos"

// Result describes a saved completion.
type Result struct {
	Record              domain.CompletionRecord `json:"record"`
	CompletedTaskID     string                  `json:"completed_task_id"`
	TaskStatus          domain.TaskStatus       `json:"task_status"`
	FollowUpTaskCreated bool                    `json:"follow_up_task_created"`
	FollowUpTaskIDs     []string                `json:"follow_up_task_ids,omitempty"`
}

// Pipeline validates a session and writes its completion.
type Pipeline struct {
	repo    *records.Repository
	objects domain.ObjectStore
	bucket  string
	hub     *refresh.Hub
	now     func() time.Time
}

// NewPipeline creates a submission pipeline. objects may be nil when photo
// evidence is not used; hub may be nil.
func NewPipeline(repo *records.Repository, objects domain.ObjectStore, bucket string, hub *refresh.Hub) *Pipeline {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Pipeline{repo: repo, objects: objects, bucket: bucket, hub: hub, now: time.Now}
}

// Submit validates and persists the session's draft. Validation failures
// and upload failures write nothing. Row writes run in one transaction
// when the store supports it; a store failure is returned as a
// PersistenceError and the draft is kept for a retry.
func (p *Pipeline) Submit(ctx context.Context, s *Session, completedBy string) (*Result, error) {
	start := time.Now()
	draft, err := s.beginSubmit()
	if err != nil {
		return nil, err
	}

	photos := draft.Photos
	res, err := p.submit(ctx, s, draft, completedBy, &photos)
	s.endSubmit(photos, err == nil)
	metrics.SubmitLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.Submissions.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.Submissions.WithLabelValues("ok").Inc()

	p.hub.Publish(refresh.Signal{
		Reason:   refresh.ReasonTaskCompleted,
		Scope:    s.Scope(),
		TaskID:   res.CompletedTaskID,
		FollowUp: res.FollowUpTaskCreated,
	})
	if s.OnSubmitSuccess != nil {
		s.OnSubmitSuccess(SubmitSuccess{
			CompletedTaskID:     res.CompletedTaskID,
			FollowUpTaskCreated: res.FollowUpTaskCreated,
		})
	}
	return res, nil
}

func (p *Pipeline) submit(ctx context.Context, s *Session, d Draft, completedBy string, photos *[]Photo) (*Result, error) {
	if err := validate(s.res, d); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			metrics.ValidationFailures.WithLabelValues(ruleName(ve.Code)).Inc()
		}
		return nil, err
	}

	now := p.now()
	if err := p.uploadPhotos(ctx, s, *photos); err != nil {
		return nil, err
	}

	rec := p.buildRecord(s, d, *photos, completedBy, now)
	result := &Result{CompletedTaskID: s.task.ID}
	err := p.repo.InTx(ctx, func(tx *records.Repository) error {
		return p.persist(ctx, tx, s, &rec, result, now)
	})
	if err != nil {
		var pe *domain.PersistenceError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &domain.PersistenceError{Op: "submit completion", Err: err}
	}

	for _, l := range rec.TemperatureLogs {
		metrics.Readings.WithLabelValues(string(l.Status)).Inc()
	}
	for _, a := range rec.Actions {
		metrics.RemediationActions.WithLabelValues(string(a.Kind)).Inc()
	}
	metrics.FollowUpsCreated.Add(float64(len(result.FollowUpTaskIDs)))

	result.Record = rec
	log.Printf("[completion] task %s completed by %s (daypart=%s, readings=%d, actions=%d, follow-ups=%d)",
		s.task.ID, completedBy, rec.CompletedDaypart, len(rec.TemperatureLogs), len(rec.Actions), len(result.FollowUpTaskIDs))
	return result, nil
}

// ─── Photos ─────────────────────────────────────────────────────────────────

// uploadPhotos uploads every photo without a URL, recording URLs in place.
// All uploads are attempted; failures are reported together.
func (p *Pipeline) uploadPhotos(ctx context.Context, s *Session, photos []Photo) error {
	var (
		failed   []string
		firstErr error
		uploaded int
	)
	for i := range photos {
		if photos[i].Uploaded() {
			uploaded++
			continue
		}
		if p.objects == nil {
			failed = append(failed, photos[i].Name)
			if firstErr == nil {
				firstErr = errors.New("no object store configured")
			}
			continue
		}
		url, err := p.objects.Upload(ctx, p.bucket, p.objectPath(s, photos[i]), bytes.NewReader(photos[i].Data))
		if err != nil {
			log.Printf("[completion] upload %s for task %s failed: %v", photos[i].Name, s.task.ID, err)
			failed = append(failed, photos[i].Name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		photos[i].URL = url
		uploaded++
	}
	if len(failed) > 0 {
		metrics.PhotoUploadFailures.Add(float64(len(failed)))
		return &domain.PartialUploadError{Failed: failed, Uploaded: uploaded, Err: firstErr}
	}
	return nil
}

// objectPath places photos under tenant/site/task/session.
func (p *Pipeline) objectPath(s *Session, ph Photo) string {
	name := path.Base(strings.ReplaceAll(ph.Name, "\\", "/"))
	name = strings.ReplaceAll(name, " ", "_")
	site := s.scope.SiteID
	if site == "" {
		site = "_"
	}
	return path.Join(s.scope.TenantID, site, s.task.ID, s.id, name)
}

// ─── Record ─────────────────────────────────────────────────────────────────

// buildRecord converts a validated draft into the completion record.
// Asset names and ranges are copied so later asset edits don't rewrite it.
func (p *Pipeline) buildRecord(s *Session, d Draft, photos []Photo, completedBy string, now time.Time) domain.CompletionRecord {
	res := s.res
	rec := domain.CompletionRecord{
		ID:               uuid.Must(uuid.NewV7()).String(),
		TenantID:         s.scope.TenantID,
		SiteID:           s.scope.SiteID,
		TaskID:           s.task.ID,
		CompletedBy:      completedBy,
		CompletedAt:      now,
		CompletedDaypart: s.daypart,
		Answers: domain.FormAnswers{
			Readings: make(map[string]*float64),
			Notes:    d.Notes,
		},
	}
	for i, item := range res.ChecklistItems {
		rec.Answers.Checklist = append(rec.Answers.Checklist, domain.ChecklistAnswer{Item: item, Completed: d.Checklist[i]})
	}
	for i, item := range res.YesNoItems {
		rec.Answers.YesNo = append(rec.Answers.YesNo, domain.YesNoAnswer{Item: item, Answer: d.YesNo[i]})
	}

	for _, id := range res.AssetIDs {
		a := res.Assets[id]
		rng := res.Range(id)
		rec.EquipmentSnapshot = append(rec.EquipmentSnapshot, domain.AssetSnapshot{
			AssetID:     id,
			Name:        a.DisplayName(),
			Range:       rng,
			Placeholder: a.Placeholder,
		})

		reading := d.Readings[id]
		rec.Answers.Readings[id] = reading
		if reading == nil {
			continue
		}
		status := domain.ReadingOK
		if rng.OutOfRange(*reading) {
			status = domain.ReadingCritical
		}
		rec.TemperatureLogs = append(rec.TemperatureLogs, domain.TemperatureLog{
			AssetID:    id,
			AssetName:  a.DisplayName(),
			Reading:    *reading,
			Range:      rng,
			Status:     status,
			RecordedAt: now,
		})

		action, ok := d.Actions[id]
		if !ok || status != domain.ReadingCritical {
			continue
		}
		action.AssetName = a.DisplayName()
		action.Range = rng
		action.Reading = domain.Float(*reading)
		action.CreatedAt = now
		rec.Actions = append(rec.Actions, action)
	}

	for _, ph := range photos {
		rec.PhotoURLs = append(rec.PhotoURLs, ph.URL)
	}
	return rec
}

// ─── Persistence ────────────────────────────────────────────────────────────

// persist writes the record in dependency order: completion, readings,
// follow-up tasks, actions referencing them, then the task status.
func (p *Pipeline) persist(ctx context.Context, tx *records.Repository, s *Session, rec *domain.CompletionRecord, result *Result, now time.Time) error {
	scope := s.scope
	if scope.SiteID == "" {
		scope = scope.WithSite(s.task.SiteID)
	}

	if _, err := tx.InsertCompletion(ctx, scope, *rec); err != nil {
		return &domain.PersistenceError{Op: "insert completion", Err: err}
	}
	if err := tx.InsertTemperatureLogs(ctx, scope, rec.ID, rec.TaskID, rec.TemperatureLogs); err != nil {
		return &domain.PersistenceError{Op: "insert temperature logs", Err: err}
	}

	for i := range rec.Actions {
		a := &rec.Actions[i]
		if a.Kind != domain.ActionMonitor {
			continue
		}
		follow, err := tx.InsertTask(ctx, scope, followUpTask(s.task, *a, now))
		if err != nil {
			return &domain.PersistenceError{Op: "insert follow-up task", Err: err}
		}
		a.FollowUpTaskID = follow.ID
		result.FollowUpTaskIDs = append(result.FollowUpTaskIDs, follow.ID)
	}
	result.FollowUpTaskCreated = len(result.FollowUpTaskIDs) > 0

	if err := tx.InsertRemediationActions(ctx, scope, rec.ID, rec.TaskID, rec.Actions); err != nil {
		return &domain.PersistenceError{Op: "insert remediation actions", Err: err}
	}

	status, err := p.statusAfter(ctx, tx, scope, s)
	if err != nil {
		return &domain.PersistenceError{Op: "load completions", Err: err}
	}
	if err := tx.MarkTask(ctx, scope, s.task.ID, status, rec.CompletedBy, now); err != nil {
		return &domain.PersistenceError{Op: "update task", Err: err}
	}
	result.TaskStatus = status
	return nil
}

// statusAfter decides the row status once this completion is stored: a
// multi-daypart row stays in progress until every daypart has a completion.
func (p *Pipeline) statusAfter(ctx context.Context, tx *records.Repository, scope domain.Scope, s *Session) (domain.TaskStatus, error) {
	dayparts := schedule.InstanceDayparts(s.task, s.res.Template)
	if len(dayparts) < 2 {
		return domain.TaskCompleted, nil
	}
	marks, err := tx.CompletionMarks(ctx, scope, []string{s.task.ID})
	if err != nil {
		return "", err
	}
	done := make(map[domain.Daypart]bool, len(marks))
	for _, m := range marks {
		if m.Daypart != "" {
			done[domain.NormalizeDaypart(m.Daypart)] = true
		}
	}
	for _, d := range dayparts {
		if !done[d] {
			return domain.TaskInProgress, nil
		}
	}
	return domain.TaskCompleted, nil
}

// followUpTask builds the ad hoc re-check task for a monitor action.
func followUpTask(parent domain.Task, a domain.RemediationAction, now time.Time) domain.Task {
	due := now.Add(time.Duration(a.RecheckMinutes) * time.Minute)
	reading := ""
	if a.Reading != nil {
		reading = fmt.Sprintf("%g°", *a.Reading)
	}
	return domain.Task{
		SiteID:     parent.SiteID,
		Name:       fmt.Sprintf("Re-check %s", a.AssetName),
		DueDate:    due.Format(schedule.DateLayout),
		DueTime:    due.Format("15:04"),
		Status:     domain.TaskPending,
		FlagReason: domain.FlagFollowUp,
		FollowUpOf: parent.ID,
		AssetID:    a.AssetID,
		Features:   &domain.FeatureFlags{Temperature: true},
		Metadata: domain.TaskMetadata{
			Notes: fmt.Sprintf("%s read %s (range %s) during %q; re-check after %d minutes.",
				a.AssetName, reading, a.Range, parent.Name, a.RecheckMinutes),
		},
	}
}

func outcome(err error) string {
	var (
		ve *domain.ValidationError
		pe *domain.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, domain.ErrPartialUpload):
		return "partial_upload"
	case errors.As(err, &pe):
		return "persistence"
	default:
		return "rejected"
	}
}

func ruleName(code error) string {
	switch code {
	case domain.ErrIncompleteReadings:
		return "incomplete_readings"
	case domain.ErrUnhandledOutOfRange:
		return "unhandled_out_of_range"
	default:
		return "other"
	}
}
