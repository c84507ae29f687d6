package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Feature names the completion features a task can enable.
type Feature string

const (
	FeatureChecklist   Feature = "checklist"
	FeatureYesNo       Feature = "yes_no"
	FeatureTemperature Feature = "temperature"
	FeaturePhoto       Feature = "photo"
)

// FeatureFlags records which completion features are active.
// Unknown flags in stored data are ignored, so they read as disabled.
type FeatureFlags struct {
	Checklist   bool `json:"checklist"`
	YesNo       bool `json:"yes_no"`
	Temperature bool `json:"temperature"`
	Photo       bool `json:"photo"`
}

// Enabled returns the active features in a stable order.
func (f FeatureFlags) Enabled() []Feature {
	var out []Feature
	if f.Checklist {
		out = append(out, FeatureChecklist)
	}
	if f.YesNo {
		out = append(out, FeatureYesNo)
	}
	if f.Temperature {
		out = append(out, FeatureTemperature)
	}
	if f.Photo {
		out = append(out, FeaturePhoto)
	}
	return out
}

// UnmarshalJSON accepts either an object of booleans or an array of
// feature names. Anything else leaves every feature disabled.
func (f *FeatureFlags) UnmarshalJSON(data []byte) error {
	*f = FeatureFlags{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] == 'n' {
		return nil
	}
	if data[0] == '[' {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return nil
		}
		for _, n := range names {
			f.set(n)
		}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	for k, v := range m {
		if b, ok := v.(bool); ok && b {
			f.set(k)
		}
	}
	return nil
}

func (f *FeatureFlags) set(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "checklist":
		f.Checklist = true
	case "yes_no", "yesno", "yes_no_checklist":
		f.YesNo = true
	case "temperature", "temperatures", "temp":
		f.Temperature = true
	case "photo", "photos", "photo_evidence":
		f.Photo = true
	}
}

// ─── Equipment configuration ────────────────────────────────────────────────

// EquipmentEntry is one asset reference in a template's equipment config.
// Stored either as a bare asset ID or as an object; unrecognised shapes
// decode with Unknown set and are skipped by the resolver.
type EquipmentEntry struct {
	AssetID string   `json:"asset_id"`
	Label   string   `json:"label,omitempty"`
	TempMin *float64 `json:"temp_min,omitempty"`
	TempMax *float64 `json:"temp_max,omitempty"`

	Unknown json.RawMessage `json:"-"`
}

// HasRange reports whether the entry overrides the asset's stored range.
func (e EquipmentEntry) HasRange() bool {
	return e.TempMin != nil || e.TempMax != nil
}

// UnmarshalJSON decodes the known shapes of an equipment entry.
func (e *EquipmentEntry) UnmarshalJSON(data []byte) error {
	*e = EquipmentEntry{}
	data = bytes.TrimSpace(data)
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		e.AssetID = strings.TrimSpace(id)
		if e.AssetID == "" {
			e.Unknown = append(json.RawMessage(nil), data...)
		}
		return nil
	}
	var obj struct {
		AssetID     string   `json:"asset_id"`
		ID          string   `json:"id"`
		EquipmentID string   `json:"equipment_id"`
		Label       string   `json:"label"`
		Name        string   `json:"name"`
		TempMin     *float64 `json:"temp_min"`
		TempMax     *float64 `json:"temp_max"`
		Min         *float64 `json:"min"`
		Max         *float64 `json:"max"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		e.Unknown = append(json.RawMessage(nil), data...)
		return nil
	}
	e.AssetID = firstNonEmpty(obj.AssetID, obj.ID, obj.EquipmentID)
	e.Label = firstNonEmpty(obj.Label, obj.Name)
	e.TempMin = firstFloat(obj.TempMin, obj.Min)
	e.TempMax = firstFloat(obj.TempMax, obj.Max)
	if e.AssetID == "" {
		e.Unknown = append(json.RawMessage(nil), data...)
	}
	return nil
}

// ─── Daypart lists ──────────────────────────────────────────────────────────

// DaypartEntry is one scheduled occurrence carried in task or template
// metadata. Time may be empty.
type DaypartEntry struct {
	Daypart string `json:"daypart"`
	Time    string `json:"time,omitempty"`
}

// DaypartList is the decoded form of a "dayparts" metadata value.
// FromArray is true when the stored value was a JSON array; a delimited
// string sets it false. Legacy holds any other stored shape verbatim.
type DaypartList struct {
	Entries   []DaypartEntry
	FromArray bool
	Legacy    json.RawMessage
}

// UnmarshalJSON accepts ["a","b"], [{"daypart":"a","time":"08:00"}] or "a,b;c".
func (l *DaypartList) UnmarshalJSON(data []byte) error {
	*l = DaypartList{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			l.Legacy = append(json.RawMessage(nil), data...)
			return nil
		}
		for _, part := range SplitDayparts(s) {
			l.Entries = append(l.Entries, DaypartEntry{Daypart: part})
		}
		return nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			l.Legacy = append(json.RawMessage(nil), data...)
			return nil
		}
		l.FromArray = true
		for _, item := range items {
			if entry, ok := decodeDaypartEntry(item); ok {
				l.Entries = append(l.Entries, entry)
			}
		}
		return nil
	default:
		l.Legacy = append(json.RawMessage(nil), data...)
		return nil
	}
}

// MarshalJSON writes the list back in the shape it was read from.
func (l DaypartList) MarshalJSON() ([]byte, error) {
	if len(l.Legacy) > 0 {
		return l.Legacy, nil
	}
	if len(l.Entries) == 0 {
		return []byte("null"), nil
	}
	if !l.FromArray {
		parts := make([]string, len(l.Entries))
		for i, e := range l.Entries {
			parts[i] = e.Daypart
		}
		return json.Marshal(strings.Join(parts, ","))
	}
	return json.Marshal(l.Entries)
}

func decodeDaypartEntry(raw json.RawMessage) (DaypartEntry, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return DaypartEntry{Daypart: s}, s != ""
	}
	var obj struct {
		Daypart string `json:"daypart"`
		Name    string `json:"name"`
		Time    string `json:"time"`
		DueTime string `json:"due_time"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return DaypartEntry{}, false
	}
	d := firstNonEmpty(obj.Daypart, obj.Name)
	if d == "" {
		return DaypartEntry{}, false
	}
	return DaypartEntry{Daypart: d, Time: firstNonEmpty(obj.Time, obj.DueTime)}, true
}

// SplitDayparts splits a comma or semicolon separated daypart string.
func SplitDayparts(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ─── Template ───────────────────────────────────────────────────────────────

// Template is a reusable task definition. Read-only to the core.
type Template struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	SiteID            string           `json:"site_id,omitempty"`
	Name              string           `json:"name"`
	Instructions      string           `json:"instructions,omitempty"`
	Features          FeatureFlags     `json:"features"`
	Equipment         []EquipmentEntry `json:"equipment,omitempty"`
	ChecklistItems    []string         `json:"checklist_items,omitempty"`
	YesNoItems        []string         `json:"yes_no_items,omitempty"`
	Frequency         string           `json:"frequency,omitempty"`
	VisibleDaysBefore int              `json:"visible_days_before"`
	VisibleDaysAfter  int              `json:"visible_days_after"`
	GracePeriodDays   int              `json:"grace_period_days"`
	DefaultTime       string           `json:"default_time,omitempty"`
	Dayparts          DaypartList      `json:"dayparts"`
	AssetID           string           `json:"asset_id,omitempty"`
	Archived          bool             `json:"archived"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
