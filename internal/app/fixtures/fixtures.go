// Package fixtures loads sites, assets, templates and tasks from a YAML
// document into a row-store. It backs the "opsboard seed" command.
package fixtures

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsboard/opsboard/internal/app/schedule"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/records"
)

//go:embed demo.yaml
var demoYAML []byte

// Demo returns the bundled demo kitchen.
func Demo() (*Document, error) {
	return Parse(demoYAML)
}

// Document is the top-level fixture file.
type Document struct {
	Tenant string `yaml:"tenant"`
	Sites  []Site `yaml:"sites"`
}

// Site groups the rows belonging to one site.
type Site struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Timezone  string     `yaml:"timezone"`
	Assets    []Asset    `yaml:"assets"`
	Templates []Template `yaml:"templates"`
	Tasks     []Task     `yaml:"tasks"`
}

// Asset is a temperature-monitored piece of equipment.
type Asset struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Nickname string   `yaml:"nickname"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
	Inverted bool     `yaml:"inverted"`
	Archived bool     `yaml:"archived"`
}

// Template is a reusable task definition.
type Template struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Instructions string   `yaml:"instructions"`
	Features     []string `yaml:"features"`
	Equipment    []string `yaml:"equipment"`
	Checklist    []string `yaml:"checklist"`
	YesNo        []string `yaml:"yes_no"`
	DefaultTime  string   `yaml:"default_time"`
	Dayparts     []string `yaml:"dayparts"`
	Archived     bool     `yaml:"archived"`
}

// Task is one scheduled row. DueDate accepts "today", "today+N" and
// "today-N" as well as YYYY-MM-DD.
type Task struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Template string   `yaml:"template"`
	DueDate  string   `yaml:"due_date"`
	DueTime  string   `yaml:"due_time"`
	Daypart  string   `yaml:"daypart"`
	Dayparts []string `yaml:"dayparts"`
	Features []string `yaml:"features"`
	Asset    string   `yaml:"asset"`
	Notes    string   `yaml:"notes"`
}

// Counts reports how many rows Apply wrote.
type Counts struct {
	Sites     int
	Assets    int
	Templates int
	Tasks     int
}

func (c Counts) String() string {
	return fmt.Sprintf("%d sites, %d assets, %d templates, %d tasks", c.Sites, c.Assets, c.Templates, c.Tasks)
}

// ─── Loading ────────────────────────────────────────────────────────────────

// Parse decodes and checks a fixture document.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("fixtures: document is empty")
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("fixtures: decode: %w", err)
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads a fixture document from r.
func Load(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fixtures: read: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a fixture document from path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixtures: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func (d *Document) check() error {
	if strings.TrimSpace(d.Tenant) == "" {
		return fmt.Errorf("fixtures: tenant is required")
	}
	for _, s := range d.Sites {
		if s.ID == "" {
			return fmt.Errorf("fixtures: site without id")
		}
		assets := make(map[string]bool, len(s.Assets))
		for _, a := range s.Assets {
			if a.ID == "" || a.Name == "" {
				return fmt.Errorf("fixtures: site %s: asset needs id and name", s.ID)
			}
			assets[a.ID] = true
		}
		templates := make(map[string]bool, len(s.Templates))
		for _, t := range s.Templates {
			if t.ID == "" || t.Name == "" {
				return fmt.Errorf("fixtures: site %s: template needs id and name", s.ID)
			}
			for _, id := range t.Equipment {
				if !assets[id] {
					return fmt.Errorf("fixtures: template %s: unknown asset %q", t.ID, id)
				}
			}
			templates[t.ID] = true
		}
		for _, t := range s.Tasks {
			if t.Template == "" && t.Name == "" {
				return fmt.Errorf("fixtures: site %s: ad hoc task needs a name", s.ID)
			}
			if t.Template != "" && !templates[t.Template] {
				return fmt.Errorf("fixtures: task %q: unknown template %q", t.Name, t.Template)
			}
			if t.Asset != "" && !assets[t.Asset] {
				return fmt.Errorf("fixtures: task %q: unknown asset %q", t.Name, t.Asset)
			}
			if _, err := ResolveDate(t.DueDate, "2000-01-01"); err != nil {
				return fmt.Errorf("fixtures: task %q: %w", t.Name, err)
			}
		}
	}
	return nil
}

// ─── Applying ───────────────────────────────────────────────────────────────

// Apply writes the document in one transaction. today anchors relative due
// dates.
func (d *Document) Apply(ctx context.Context, repo *records.Repository, today string) (Counts, error) {
	var counts Counts
	err := repo.InTx(ctx, func(tx *records.Repository) error {
		counts = Counts{}
		for _, s := range d.Sites {
			scope := domain.Scope{TenantID: d.Tenant, SiteID: s.ID}
			name := s.Name
			if name == "" {
				name = s.ID
			}
			if err := tx.InsertSite(ctx, scope, s.ID, name, s.Timezone); err != nil {
				return fmt.Errorf("site %s: %w", s.ID, err)
			}
			counts.Sites++

			for _, a := range s.Assets {
				if _, err := tx.InsertAsset(ctx, scope, a.model(s.ID)); err != nil {
					return fmt.Errorf("asset %s: %w", a.ID, err)
				}
				counts.Assets++
			}
			for _, t := range s.Templates {
				if _, err := tx.InsertTemplate(ctx, scope, t.model(s.ID)); err != nil {
					return fmt.Errorf("template %s: %w", t.ID, err)
				}
				counts.Templates++
			}
			for _, t := range s.Tasks {
				task, err := t.model(s.ID, today)
				if err != nil {
					return err
				}
				if _, err := tx.InsertTask(ctx, scope, task); err != nil {
					return fmt.Errorf("task %q: %w", t.Name, err)
				}
				counts.Tasks++
			}
		}
		return nil
	})
	return counts, err
}

func (a Asset) model(siteID string) domain.Asset {
	return domain.Asset{
		ID:       a.ID,
		SiteID:   siteID,
		Name:     a.Name,
		Nickname: a.Nickname,
		Range:    domain.TempRange{Min: a.Min, Max: a.Max, Inverted: a.Inverted},
		Archived: a.Archived,
	}
}

func (t Template) model(siteID string) domain.Template {
	equipment := make([]domain.EquipmentEntry, len(t.Equipment))
	for i, id := range t.Equipment {
		equipment[i] = domain.EquipmentEntry{AssetID: id}
	}
	return domain.Template{
		ID:             t.ID,
		SiteID:         siteID,
		Name:           t.Name,
		Instructions:   t.Instructions,
		Features:       featureFlags(t.Features),
		Equipment:      equipment,
		ChecklistItems: t.Checklist,
		YesNoItems:     t.YesNo,
		DefaultTime:    t.DefaultTime,
		Dayparts:       daypartList(t.Dayparts),
		Archived:       t.Archived,
	}
}

func (t Task) model(siteID, today string) (domain.Task, error) {
	due, err := ResolveDate(t.DueDate, today)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %q: %w", t.Name, err)
	}
	task := domain.Task{
		ID:         t.ID,
		SiteID:     siteID,
		TemplateID: t.Template,
		Name:       t.Name,
		DueDate:    due,
		DueTime:    t.DueTime,
		Daypart:    t.Daypart,
		AssetID:    t.Asset,
		Status:     domain.TaskPending,
		Metadata: domain.TaskMetadata{
			Dayparts: daypartList(t.Dayparts),
			Notes:    t.Notes,
		},
	}
	if t.Template == "" {
		flags := featureFlags(t.Features)
		task.Features = &flags
	}
	return task, nil
}

func featureFlags(names []string) domain.FeatureFlags {
	var f domain.FeatureFlags
	for _, n := range names {
		switch domain.Feature(strings.ToLower(strings.TrimSpace(n))) {
		case domain.FeatureChecklist:
			f.Checklist = true
		case domain.FeatureYesNo:
			f.YesNo = true
		case domain.FeatureTemperature:
			f.Temperature = true
		case domain.FeaturePhoto:
			f.Photo = true
		}
	}
	return f
}

func daypartList(names []string) domain.DaypartList {
	if len(names) == 0 {
		return domain.DaypartList{}
	}
	l := domain.DaypartList{FromArray: true}
	for _, n := range names {
		l.Entries = append(l.Entries, domain.DaypartEntry{Daypart: n})
	}
	return l
}

// ResolveDate turns a fixture due date into YYYY-MM-DD relative to today.
// An empty value means today.
func ResolveDate(s, today string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "today" {
		return today, nil
	}
	if rest, ok := strings.CutPrefix(s, "today"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return "", fmt.Errorf("invalid relative date %q", s)
		}
		base, err := time.Parse(schedule.DateLayout, today)
		if err != nil {
			return "", fmt.Errorf("invalid anchor date %q", today)
		}
		return base.AddDate(0, 0, n).Format(schedule.DateLayout), nil
	}
	if _, err := time.Parse(schedule.DateLayout, s); err != nil {
		return "", fmt.Errorf("invalid date %q", s)
	}
	return s, nil
}
