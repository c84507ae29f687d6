// Package schedule turns stored task rows into the display instances of a
// site's task list: one instance per scheduled daypart, deduplicated,
// filtered, and sorted chronologically.
//
// Expand is pure. The same Input always yields the same Result.
package schedule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opsboard/opsboard/internal/domain"
)

// noTime sorts instances without a due time after every timed instance.
const noTime = "23:59:59"

// Input is the raw material for one expansion pass.
type Input struct {
	Tasks          []domain.Task
	Templates      map[string]*domain.Template
	ArchivedAssets map[string]bool
	Completions    []domain.CompletionMark
	Today          string // "2006-01-02"; empty disables the visibility window
}

// Instance is one display row of the task list.
type Instance struct {
	Key          string           `json:"expanded_key"`
	Task         domain.Task      `json:"task"`
	Daypart      domain.Daypart   `json:"daypart"`
	DueDate      string           `json:"due_date"`
	DueTime      string           `json:"due_time,omitempty"`
	Index        int              `json:"index"` // position within a multi-entry row, -1 otherwise
	Multi        bool             `json:"multi"`
	TemplateName string           `json:"template_name,omitempty"`
	Completed    bool             `json:"completed"`
	Warnings     []domain.Warning `json:"warnings,omitempty"`
}

// SortTime is the time used for ordering.
func (in Instance) SortTime() string {
	if in.DueTime == "" {
		return noTime
	}
	return in.DueTime
}

// Result partitions the expanded instances.
type Result struct {
	Active    []Instance       `json:"active"`
	Completed []Instance       `json:"completed"`
	FollowUps []Instance       `json:"follow_ups"`
	Warnings  []domain.Warning `json:"warnings,omitempty"`
}

// Slot is one scheduled occurrence of a row before filtering.
type Slot struct {
	Key     string
	Daypart domain.Daypart
	DueTime string
	Index   int
}

// Expand runs the full pipeline over in.
func Expand(in Input) Result {
	marks := indexMarks(in.Completions)
	var (
		res       Result
		instances []Instance
		followUps []Instance
	)

	for _, t := range in.Tasks {
		if t.Status == domain.TaskSkipped {
			continue
		}
		tmpl := lookupTemplate(in.Templates, t.TemplateID)

		var rowWarnings []domain.Warning
		if t.TemplateID != "" && tmpl == nil {
			rowWarnings = append(rowWarnings, domain.Warning{
				Kind:    domain.WarnOrphanedTemplate,
				TaskID:  t.ID,
				Ref:     t.TemplateID,
				Message: fmt.Sprintf("template %s not found", t.TemplateID),
			})
		}
		if t.Daypart != "" {
			if _, ok := domain.ParseDaypart(t.Daypart); !ok {
				rowWarnings = append(rowWarnings, domain.Warning{
					Kind:    domain.WarnLegacyMetadata,
					TaskID:  t.ID,
					Ref:     t.Daypart,
					Message: fmt.Sprintf("unrecognised daypart %q treated as anytime", t.Daypart),
				})
			}
		}
		res.Warnings = append(res.Warnings, rowWarnings...)

		slots := Slots(t, tmpl)
		multi := len(slots) > 1
		for _, s := range slots {
			inst := Instance{
				Key:       s.Key,
				Task:      t,
				Daypart:   s.Daypart,
				DueDate:   t.DueDate,
				DueTime:   s.DueTime,
				Index:     s.Index,
				Multi:     multi,
				Completed: marks.completes(t, s.Daypart, multi),
				Warnings:  rowWarnings,
			}
			if tmpl != nil {
				inst.TemplateName = tmpl.Name
			}

			if t.IsFollowUp() {
				if inst.Completed {
					instances = append(instances, inst)
				} else {
					followUps = append(followUps, inst)
				}
				continue
			}
			if excluded(inst, tmpl, in) {
				continue
			}
			instances = append(instances, inst)
		}
	}

	for _, inst := range dedupe(instances) {
		if inst.Completed {
			res.Completed = append(res.Completed, inst)
		} else {
			res.Active = append(res.Active, inst)
		}
	}
	res.FollowUps = dedupe(followUps)
	Sort(res.Active)
	Sort(res.Completed)
	Sort(res.FollowUps)
	return res
}

// ─── Expansion ──────────────────────────────────────────────────────────────

// Slots returns the occurrences a row expands into, in priority order:
// a metadata array of two or more entries, then the row's own daypart,
// then dayparts derived from task or template metadata.
func Slots(t domain.Task, tmpl *domain.Template) []Slot {
	baseTime := t.DueTime
	if tmpl != nil && tmpl.DefaultTime != "" {
		baseTime = tmpl.DefaultTime
	}

	if t.IsMultiDaypart() {
		entries := t.Metadata.Dayparts.Entries
		slots := make([]Slot, len(entries))
		for i, e := range entries {
			d := domain.NormalizeDaypart(e.Daypart)
			due := domain.NormalizeClock(e.Time)
			if due == "" {
				due = domain.DaypartTime(d, baseTime)
			}
			slots[i] = Slot{Key: fmt.Sprintf("%s_%s_%d", t.ID, d, i), Daypart: d, DueTime: due, Index: i}
		}
		return slots
	}

	if t.Daypart != "" {
		d := domain.NormalizeDaypart(t.Daypart)
		due := t.DueTime
		if due == "" {
			due = domain.DaypartTime(d, baseTime)
		}
		return []Slot{{Key: fmt.Sprintf("%s_%s", t.ID, d), Daypart: d, DueTime: due, Index: -1}}
	}

	entries := derivedEntries(t, tmpl)
	if len(entries) == 1 {
		d := domain.NormalizeDaypart(entries[0].Daypart)
		due := domain.NormalizeClock(entries[0].Time)
		if due == "" {
			due = t.DueTime
		}
		if due == "" {
			due = domain.DaypartTime(d, baseTime)
		}
		return []Slot{{Key: fmt.Sprintf("%s_%s", t.ID, d), Daypart: d, DueTime: due, Index: -1}}
	}
	slots := make([]Slot, 0, len(entries))
	seen := make(map[domain.Daypart]bool, len(entries))
	for _, e := range entries {
		d := domain.NormalizeDaypart(e.Daypart)
		if seen[d] {
			continue
		}
		seen[d] = true
		due := domain.NormalizeClock(e.Time)
		if due == "" {
			due = domain.DaypartTime(d, baseTime)
		}
		i := len(slots)
		slots = append(slots, Slot{Key: fmt.Sprintf("%s_%s_%d", t.ID, d, i), Daypart: d, DueTime: due, Index: i})
	}
	return slots
}

// InstanceDayparts lists the dayparts a row is shown under.
func InstanceDayparts(t domain.Task, tmpl *domain.Template) []domain.Daypart {
	slots := Slots(t, tmpl)
	out := make([]domain.Daypart, len(slots))
	for i, s := range slots {
		out[i] = s.Daypart
	}
	return out
}

func derivedEntries(t domain.Task, tmpl *domain.Template) []domain.DaypartEntry {
	if len(t.Metadata.Dayparts.Entries) > 0 {
		return t.Metadata.Dayparts.Entries
	}
	if tmpl != nil && len(tmpl.Dayparts.Entries) > 0 {
		return tmpl.Dayparts.Entries
	}
	return []domain.DaypartEntry{{Daypart: string(domain.DaypartAnytime)}}
}

func lookupTemplate(m map[string]*domain.Template, id string) *domain.Template {
	if id == "" || m == nil {
		return nil
	}
	return m[id]
}

// ─── Completion marks ───────────────────────────────────────────────────────

type markSet struct {
	whole    bool
	dayparts map[domain.Daypart]bool
}

type markIndex map[string]*markSet

func indexMarks(marks []domain.CompletionMark) markIndex {
	idx := make(markIndex, len(marks))
	for _, m := range marks {
		s := idx[m.TaskID]
		if s == nil {
			s = &markSet{dayparts: make(map[domain.Daypart]bool)}
			idx[m.TaskID] = s
		}
		if m.Daypart == "" {
			s.whole = true
			continue
		}
		s.dayparts[domain.NormalizeDaypart(m.Daypart)] = true
	}
	return idx
}

// completes decides whether the instance of t in daypart d is done.
// A completed row status completes every instance. A single-instance row
// is done by any completion; each instance of a multi-instance row needs
// a completion tagged with its daypart.
func (idx markIndex) completes(t domain.Task, d domain.Daypart, multi bool) bool {
	if t.Status == domain.TaskCompleted {
		return true
	}
	s := idx[t.ID]
	if s == nil {
		return false
	}
	if !multi {
		return s.whole || len(s.dayparts) > 0
	}
	return s.dayparts[d]
}

// ─── Filtering ──────────────────────────────────────────────────────────────

// excluded applies the list rules: templated rows need a checklist link,
// archived assets hide their tasks, and rows outside the visibility window
// are not shown.
func excluded(inst Instance, tmpl *domain.Template, in Input) bool {
	t := inst.Task
	if t.TemplateID != "" && t.ChecklistID == "" {
		return true
	}
	if in.ArchivedAssets[t.AssetID] {
		return true
	}
	if tmpl != nil && in.ArchivedAssets[tmpl.AssetID] {
		return true
	}
	return !Visible(t, tmpl, in.Today)
}

// dedupe keeps the first instance of each logical task. When a later copy
// is completed the kept one is marked completed too.
func dedupe(instances []Instance) []Instance {
	pos := make(map[string]int, len(instances))
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		key := DedupeKey(inst)
		if i, ok := pos[key]; ok {
			if inst.Completed {
				out[i].Completed = true
			}
			continue
		}
		pos[key] = len(out)
		out = append(out, inst)
	}
	return out
}

// DedupeKey identifies the logical task behind an instance. Single-entry
// instances share a key across rows with the same template, site, daypart,
// time and date. Ad hoc rows have no template, so their name stands in for
// it: two copies of the same ad hoc task collapse, different ones sharing a
// slot do not. Multi-entry instances are keyed by their expanded key.
func DedupeKey(inst Instance) string {
	if inst.Multi {
		return inst.Key
	}
	ref := inst.Task.TemplateID
	if ref == "" {
		ref = "adhoc:" + strings.ToLower(strings.TrimSpace(inst.Task.Name))
	}
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		ref, inst.Task.SiteID, inst.Daypart, inst.DueTime, inst.DueDate)
}

// ─── Ordering ───────────────────────────────────────────────────────────────

// Sort orders instances by due time (missing last), then daypart, then
// due date, then key.
func Sort(instances []Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		if at, bt := a.SortTime(), b.SortTime(); at != bt {
			return at < bt
		}
		if ar, br := a.Daypart.Rank(), b.Daypart.Rank(); ar != br {
			return ar < br
		}
		if a.DueDate != b.DueDate {
			return a.DueDate < b.DueDate
		}
		return a.Key < b.Key
	})
}
