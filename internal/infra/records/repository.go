package records

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opsboard/opsboard/internal/domain"
)

// Repository is the typed view of a row-store used by the core services.
// Bind it to a transaction's RowStore to run writes atomically.
type Repository struct {
	store domain.RowStore
}

// New wraps store.
func New(store domain.RowStore) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying row-store.
func (r *Repository) Store() domain.RowStore {
	return r.store
}

// InTx runs fn with a repository bound to a transaction when the store
// supports one, and directly on the store otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Repository) error) error {
	if t, ok := r.store.(domain.Transactor); ok {
		return t.InTx(ctx, func(tx domain.RowStore) error {
			return fn(New(tx))
		})
	}
	return fn(r)
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Task loads one task by ID.
func (r *Repository) Task(ctx context.Context, scope domain.Scope, id string) (*domain.Task, error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableTasks,
		Where: []domain.Cond{domain.Eq("id", id)},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	t := TaskFromRow(rows[0])
	return &t, nil
}

// TasksDue returns tasks with due_date in [from, to], ordered by due date
// and time.
func (r *Repository) TasksDue(ctx context.Context, scope domain.Scope, from, to string) ([]domain.Task, error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableTasks,
		Where: []domain.Cond{domain.Gte("due_date", from), domain.Lte("due_date", to)},
		Order: []domain.Order{{Column: "due_date"}, {Column: "due_time"}, {Column: "id"}},
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, len(rows))
	for i, row := range rows {
		tasks[i] = TaskFromRow(row)
	}
	return tasks, nil
}

// FollowUpsOf returns the follow-up tasks spawned by taskID.
func (r *Repository) FollowUpsOf(ctx context.Context, scope domain.Scope, taskID string) ([]domain.Task, error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableTasks,
		Where: []domain.Cond{domain.Eq("follow_up_of", taskID)},
		Order: []domain.Order{{Column: "due_date"}, {Column: "due_time"}},
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, len(rows))
	for i, row := range rows {
		tasks[i] = TaskFromRow(row)
	}
	return tasks, nil
}

// Template loads one template. A missing template returns (nil, nil).
func (r *Repository) Template(ctx context.Context, scope domain.Scope, id string) (*domain.Template, error) {
	m, err := r.TemplatesByID(ctx, scope, []string{id})
	if err != nil {
		return nil, err
	}
	return m[id], nil
}

// TemplatesByID loads templates keyed by ID. Missing IDs are absent.
func (r *Repository) TemplatesByID(ctx context.Context, scope domain.Scope, ids []string) (map[string]*domain.Template, error) {
	out := make(map[string]*domain.Template)
	ids = uniq(ids)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableTemplates,
		Where: []domain.Cond{domain.In("id", ids)},
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		t := TemplateFromRow(row)
		out[t.ID] = t
	}
	return out, nil
}

// VisibilitySpan returns the widest visibility window of any live template
// in scope: days shown before the due date, and days shown after it
// including grace.
func (r *Repository) VisibilitySpan(ctx context.Context, scope domain.Scope) (before, after int, err error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{Table: domain.TableTemplates})
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		if row.Bool("archived") {
			continue
		}
		before = max(before, row.Int("visible_days_before"))
		after = max(after, row.Int("visible_days_after")+max(row.Int("grace_period_days"), 0))
	}
	return before, after, nil
}

// AssetsByID loads assets keyed by ID. Missing IDs are absent.
func (r *Repository) AssetsByID(ctx context.Context, scope domain.Scope, ids []string) (map[string]domain.Asset, error) {
	out := make(map[string]domain.Asset)
	ids = uniq(ids)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableAssets,
		Where: []domain.Cond{domain.In("id", ids)},
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		a := AssetFromRow(row)
		out[a.ID] = a
	}
	return out, nil
}

// ArchivedAssetIDs returns the set of archived assets visible to scope.
func (r *Repository) ArchivedAssetIDs(ctx context.Context, scope domain.Scope) (map[string]bool, error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableAssets,
		Where: []domain.Cond{domain.Eq("archived", true)},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.String("id")] = true
	}
	return out, nil
}

// CompletionMarks returns the task/daypart pairs completed for taskIDs.
func (r *Repository) CompletionMarks(ctx context.Context, scope domain.Scope, taskIDs []string) ([]domain.CompletionMark, error) {
	taskIDs = uniq(taskIDs)
	if len(taskIDs) == 0 {
		return nil, nil
	}
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableCompletions,
		Where: []domain.Cond{domain.In("task_id", taskIDs)},
		Order: []domain.Order{{Column: "completed_at"}},
	})
	if err != nil {
		return nil, err
	}
	marks := make([]domain.CompletionMark, len(rows))
	for i, row := range rows {
		marks[i] = domain.CompletionMark{
			TaskID:  row.String("task_id"),
			Daypart: row.String("completed_daypart"),
		}
	}
	return marks, nil
}

// Completions returns the stored completion records of a task, oldest
// first, without their log and action rows.
func (r *Repository) Completions(ctx context.Context, scope domain.Scope, taskID string) ([]domain.CompletionRecord, error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableCompletions,
		Where: []domain.Cond{domain.Eq("task_id", taskID)},
		Order: []domain.Order{{Column: "completed_at"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CompletionRecord, len(rows))
	for i, row := range rows {
		rec := domain.CompletionRecord{
			ID:               row.String("id"),
			TenantID:         row.String("tenant_id"),
			SiteID:           row.String("site_id"),
			TaskID:           row.String("task_id"),
			CompletedBy:      row.String("completed_by"),
			CompletedAt:      row.Time("completed_at"),
			CompletedDaypart: domain.Daypart(row.String("completed_daypart")),
		}
		decodeOrWarn(row, "completion", rec.ID, "form_data", &rec.Answers)
		decodeOrWarn(row, "completion", rec.ID, "equipment_snapshot", &rec.EquipmentSnapshot)
		decodeOrWarn(row, "completion", rec.ID, "photo_urls", &rec.PhotoURLs)
		out[i] = rec
	}
	return out, nil
}

// TemperatureLogs returns recent readings for an asset, newest first.
func (r *Repository) TemperatureLogs(ctx context.Context, scope domain.Scope, assetID string, limit int) ([]domain.TemperatureLog, error) {
	rows, err := r.store.Select(ctx, scope, domain.Query{
		Table: domain.TableTemperatureLogs,
		Where: []domain.Cond{domain.Eq("asset_id", assetID)},
		Order: []domain.Order{{Column: "recorded_at", Desc: true}},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.TemperatureLog, len(rows))
	for i, row := range rows {
		reading := row.Float("reading")
		l := domain.TemperatureLog{
			ID:        row.String("id"),
			AssetID:   row.String("asset_id"),
			AssetName: row.String("asset_name"),
			Range: domain.TempRange{
				Min:      row.Float("temp_min"),
				Max:      row.Float("temp_max"),
				Inverted: row.Bool("temp_inverted"),
			},
			Status:     domain.ReadingStatus(row.String("status")),
			RecordedAt: row.Time("recorded_at"),
		}
		if reading != nil {
			l.Reading = *reading
		}
		out[i] = l
	}
	return out, nil
}

// ─── Writes ─────────────────────────────────────────────────────────────────

// InsertTask writes a task and returns it with its generated ID.
func (r *Repository) InsertTask(ctx context.Context, scope domain.Scope, t domain.Task) (domain.Task, error) {
	rows, err := r.store.Insert(ctx, scope, domain.TableTasks, TaskRow(t))
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = rows[0].String("id")
	t.TenantID = scope.TenantID
	if t.SiteID == "" {
		t.SiteID = rows[0].String("site_id")
	}
	return t, nil
}

// InsertTemplate writes a template.
func (r *Repository) InsertTemplate(ctx context.Context, scope domain.Scope, t domain.Template) (string, error) {
	rows, err := r.store.Insert(ctx, scope, domain.TableTemplates, TemplateRow(t))
	if err != nil {
		return "", err
	}
	return rows[0].String("id"), nil
}

// InsertAsset writes an asset.
func (r *Repository) InsertAsset(ctx context.Context, scope domain.Scope, a domain.Asset) (string, error) {
	rows, err := r.store.Insert(ctx, scope, domain.TableAssets, AssetRow(a))
	if err != nil {
		return "", err
	}
	return rows[0].String("id"), nil
}

// InsertSite writes a site.
func (r *Repository) InsertSite(ctx context.Context, scope domain.Scope, id, name, timezone string) error {
	_, err := r.store.Insert(ctx, scope, domain.TableSites, domain.Row{
		"id":       id,
		"site_id":  id,
		"name":     name,
		"timezone": nullable(timezone),
	})
	return err
}

// InsertCompletion writes the completion row and returns its ID.
func (r *Repository) InsertCompletion(ctx context.Context, scope domain.Scope, rec domain.CompletionRecord) (string, error) {
	row := domain.Row{
		"task_id":            rec.TaskID,
		"completed_by":       rec.CompletedBy,
		"completed_at":       formatTime(rec.CompletedAt),
		"completed_daypart":  nullable(string(rec.CompletedDaypart)),
		"form_data":          mustJSON(rec.Answers),
		"equipment_snapshot": mustJSON(rec.EquipmentSnapshot),
		"photo_urls":         mustJSON(rec.PhotoURLs),
	}
	if rec.ID != "" {
		row["id"] = rec.ID
	}
	rows, err := r.store.Insert(ctx, scope, domain.TableCompletions, row)
	if err != nil {
		return "", err
	}
	return rows[0].String("id"), nil
}

// InsertTemperatureLogs writes one row per reading.
func (r *Repository) InsertTemperatureLogs(ctx context.Context, scope domain.Scope, completionID, taskID string, logs []domain.TemperatureLog) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([]domain.Row, len(logs))
	for i, l := range logs {
		rows[i] = domain.Row{
			"completion_id": completionID,
			"task_id":       taskID,
			"asset_id":      l.AssetID,
			"asset_name":    l.AssetName,
			"reading":       l.Reading,
			"temp_min":      floatOrNil(l.Range.Min),
			"temp_max":      floatOrNil(l.Range.Max),
			"temp_inverted": l.Range.Inverted,
			"status":        string(l.Status),
			"recorded_at":   formatTime(l.RecordedAt),
		}
	}
	_, err := r.store.Insert(ctx, scope, domain.TableTemperatureLogs, rows...)
	return err
}

// InsertRemediationActions writes one row per handled out-of-range asset.
func (r *Repository) InsertRemediationActions(ctx context.Context, scope domain.Scope, completionID, taskID string, actions []domain.RemediationAction) error {
	if len(actions) == 0 {
		return nil
	}
	rows := make([]domain.Row, len(actions))
	for i, a := range actions {
		rows[i] = domain.Row{
			"completion_id":     completionID,
			"task_id":           taskID,
			"asset_id":          a.AssetID,
			"asset_name":        a.AssetName,
			"kind":              string(a.Kind),
			"recheck_minutes":   a.RecheckMinutes,
			"notes":             nullable(a.Notes),
			"reading":           floatOrNil(a.Reading),
			"temp_min":          floatOrNil(a.Range.Min),
			"temp_max":          floatOrNil(a.Range.Max),
			"temp_inverted":     a.Range.Inverted,
			"follow_up_task_id": nullable(a.FollowUpTaskID),
		}
	}
	_, err := r.store.Insert(ctx, scope, domain.TableRemediationActions, rows...)
	return err
}

// MarkTask sets a task's status and completion fields.
func (r *Repository) MarkTask(ctx context.Context, scope domain.Scope, id string, status domain.TaskStatus, by string, at time.Time) error {
	patch := domain.Row{"status": string(status)}
	if status == domain.TaskCompleted {
		patch["completed_by"] = by
		patch["completed_at"] = formatTime(at)
	}
	n, err := r.store.Update(ctx, scope, domain.TableTasks, []domain.Cond{domain.Eq("id", id)}, patch)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return nil
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
