// Package records maps row-store rows to domain types and back. Loosely
// typed JSON columns are decoded here, so nothing above this package sees
// an untyped blob.
package records

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/opsboard/opsboard/internal/domain"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TaskFromRow decodes a tasks row. Malformed JSON columns degrade to their
// zero values.
func TaskFromRow(r domain.Row) domain.Task {
	t := domain.Task{
		ID:          r.String("id"),
		TenantID:    r.String("tenant_id"),
		SiteID:      r.String("site_id"),
		TemplateID:  r.String("template_id"),
		ChecklistID: r.String("site_checklist_id"),
		Name:        r.String("name"),
		DueDate:     r.String("due_date"),
		DueTime:     domain.NormalizeClock(r.String("due_time")),
		Daypart:     r.String("daypart"),
		Status:      domain.ParseTaskStatus(r.String("status")),
		FlagReason:  r.String("flag_reason"),
		FollowUpOf:  r.String("follow_up_of"),
		AssetID:     r.String("asset_id"),
		CompletedBy: r.String("completed_by"),
		CompletedAt: r.Time("completed_at"),
		CreatedAt:   r.Time("created_at"),
	}
	if raw := r.String("features"); raw != "" && raw != "null" {
		var f domain.FeatureFlags
		if err := json.Unmarshal([]byte(raw), &f); err == nil {
			t.Features = &f
		}
	}
	if err := r.JSON("metadata", &t.Metadata); err != nil {
		log.Printf("[records] task %s: malformed metadata ignored: %v", t.ID, err)
		t.Metadata = domain.TaskMetadata{}
	}
	return t
}

// TaskRow encodes a task for insert.
func TaskRow(t domain.Task) domain.Row {
	row := domain.Row{
		"site_id":           nullable(t.SiteID),
		"template_id":       nullable(t.TemplateID),
		"site_checklist_id": nullable(t.ChecklistID),
		"name":              t.Name,
		"due_date":          t.DueDate,
		"due_time":          nullable(t.DueTime),
		"daypart":           nullable(t.Daypart),
		"status":            string(t.Status),
		"flag_reason":       nullable(t.FlagReason),
		"follow_up_of":      nullable(t.FollowUpOf),
		"asset_id":          nullable(t.AssetID),
		"metadata":          mustJSON(t.Metadata),
	}
	if t.ID != "" {
		row["id"] = t.ID
	}
	if t.Features != nil {
		row["features"] = mustJSON(t.Features)
	}
	if t.Status == "" {
		row["status"] = string(domain.TaskPending)
	}
	if !t.CompletedAt.IsZero() {
		row["completed_at"] = formatTime(t.CompletedAt)
		row["completed_by"] = nullable(t.CompletedBy)
	}
	return row
}

// ─── Templates ──────────────────────────────────────────────────────────────

// TemplateFromRow decodes a templates row.
func TemplateFromRow(r domain.Row) *domain.Template {
	t := &domain.Template{
		ID:                r.String("id"),
		TenantID:          r.String("tenant_id"),
		SiteID:            r.String("site_id"),
		Name:              r.String("name"),
		Instructions:      r.String("instructions"),
		Frequency:         r.String("frequency"),
		VisibleDaysBefore: r.Int("visible_days_before"),
		VisibleDaysAfter:  r.Int("visible_days_after"),
		GracePeriodDays:   r.Int("grace_period_days"),
		DefaultTime:       domain.NormalizeClock(r.String("default_time")),
		AssetID:           r.String("asset_id"),
		Archived:          r.Bool("archived"),
	}
	decodeOrWarn(r, "template", t.ID, "features", &t.Features)
	decodeOrWarn(r, "template", t.ID, "equipment_config", &t.Equipment)
	decodeOrWarn(r, "template", t.ID, "dayparts", &t.Dayparts)
	t.ChecklistItems = decodeItems(r.String("checklist_items"))
	t.YesNoItems = decodeItems(r.String("yes_no_items"))
	return t
}

// TemplateRow encodes a template for insert.
func TemplateRow(t domain.Template) domain.Row {
	row := domain.Row{
		"site_id":             nullable(t.SiteID),
		"name":                t.Name,
		"instructions":        nullable(t.Instructions),
		"features":            mustJSON(t.Features),
		"equipment_config":    mustJSON(t.Equipment),
		"checklist_items":     mustJSON(t.ChecklistItems),
		"yes_no_items":        mustJSON(t.YesNoItems),
		"frequency":           nullable(t.Frequency),
		"visible_days_before": t.VisibleDaysBefore,
		"visible_days_after":  t.VisibleDaysAfter,
		"grace_period_days":   t.GracePeriodDays,
		"default_time":        nullable(t.DefaultTime),
		"dayparts":            mustJSON(t.Dayparts),
		"asset_id":            nullable(t.AssetID),
		"archived":            t.Archived,
	}
	if t.ID != "" {
		row["id"] = t.ID
	}
	return row
}

// ─── Assets ─────────────────────────────────────────────────────────────────

// AssetFromRow decodes an assets row.
func AssetFromRow(r domain.Row) domain.Asset {
	return domain.Asset{
		ID:       r.String("id"),
		TenantID: r.String("tenant_id"),
		SiteID:   r.String("site_id"),
		Name:     r.String("name"),
		Nickname: r.String("nickname"),
		Range: domain.TempRange{
			Min:      r.Float("temp_min"),
			Max:      r.Float("temp_max"),
			Inverted: r.Bool("temp_inverted"),
		},
		Archived: r.Bool("archived"),
	}
}

// AssetRow encodes an asset for insert.
func AssetRow(a domain.Asset) domain.Row {
	row := domain.Row{
		"site_id":       nullable(a.SiteID),
		"name":          a.Name,
		"nickname":      nullable(a.Nickname),
		"temp_min":      floatOrNil(a.Range.Min),
		"temp_max":      floatOrNil(a.Range.Max),
		"temp_inverted": a.Range.Inverted,
		"archived":      a.Archived,
	}
	if a.ID != "" {
		row["id"] = a.ID
	}
	return row
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decodeOrWarn decodes a JSON column, logging and skipping it when the
// stored value is malformed.
func decodeOrWarn(r domain.Row, kind, id, col string, dst any) {
	if err := r.JSON(col, dst); err != nil {
		log.Printf("[records] %s %s: malformed %s ignored: %v", kind, id, col, err)
	}
}

// decodeItems reads a checklist column stored as an array of strings or
// of {text|label|name} objects, or as a newline-separated string.
func decodeItems(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil
		}
		var out []string
		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			Text  string `json:"text"`
			Label string `json:"label"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(it, &obj); err == nil {
			for _, v := range []string{obj.Text, obj.Label, obj.Name} {
				if v = strings.TrimSpace(v); v != "" {
					out = append(out, v)
					break
				}
			}
		}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
