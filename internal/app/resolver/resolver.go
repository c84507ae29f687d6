// Package resolver determines what a task's completion form contains: the
// enabled features, checklist items, and the equipment to read with the
// acceptable temperature band for each asset.
package resolver

import (
	"context"
	"fmt"
	"log"

	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/records"
)

// Resolution is everything the completion form needs for one task.
type Resolution struct {
	Task           domain.Task                 `json:"task"`
	Template       *domain.Template            `json:"template"`
	Features       domain.FeatureFlags         `json:"features"`
	ChecklistItems []string                    `json:"checklist_items"`
	YesNoItems     []string                    `json:"yes_no_items"`
	AssetIDs       []string                    `json:"asset_ids"`
	Assets         map[string]domain.Asset     `json:"assets"`
	Ranges         map[string]domain.TempRange `json:"ranges"`
	Warnings       []domain.Warning            `json:"warnings,omitempty"`
}

// RequiresReadings reports whether submission must collect a reading for
// every configured asset.
func (r *Resolution) RequiresReadings() bool {
	return r.Features.Temperature && len(r.AssetIDs) > 0
}

// HasAsset reports whether id is one of the configured assets.
func (r *Resolution) HasAsset(id string) bool {
	_, ok := r.Assets[id]
	return ok
}

// Range returns the acceptable band for an asset.
func (r *Resolution) Range(id string) domain.TempRange {
	return r.Ranges[id]
}

// Resolver loads templates and assets through a repository.
type Resolver struct {
	repo *records.Repository
}

// New creates a resolver.
func New(repo *records.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve builds the Resolution for task. Orphaned templates and missing
// assets produce warnings, not errors. Only row-store failures are returned,
// wrapped in a PersistenceError.
func (r *Resolver) Resolve(ctx context.Context, scope domain.Scope, task domain.Task) (*Resolution, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	res := &Resolution{
		Task:   task,
		Assets: make(map[string]domain.Asset),
		Ranges: make(map[string]domain.TempRange),
	}
	if task.Features != nil {
		res.Features = *task.Features
	}

	if !task.IsAdHoc() {
		tmpl, err := r.repo.Template(ctx, scope, task.TemplateID)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "load template", Err: err}
		}
		if tmpl == nil {
			log.Printf("[resolver] task %s references missing template %s", task.ID, task.TemplateID)
			res.Warnings = append(res.Warnings, domain.Warning{
				Kind:    domain.WarnOrphanedTemplate,
				TaskID:  task.ID,
				Ref:     task.TemplateID,
				Message: fmt.Sprintf("template %s not found", task.TemplateID),
			})
		} else {
			res.Template = tmpl
			res.Features = tmpl.Features
			res.ChecklistItems = tmpl.ChecklistItems
			res.YesNoItems = tmpl.YesNoItems
		}
	}

	overrides := r.collectAssets(res)
	if len(res.AssetIDs) == 0 {
		return res, nil
	}

	assets, err := r.repo.AssetsByID(ctx, scope, res.AssetIDs)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load assets", Err: err}
	}
	for _, id := range res.AssetIDs {
		a, ok := assets[id]
		if !ok {
			log.Printf("[resolver] task %s: asset %s not found", task.ID, id)
			res.Warnings = append(res.Warnings, domain.Warning{
				Kind:    domain.WarnMissingAsset,
				TaskID:  task.ID,
				Ref:     id,
				Message: fmt.Sprintf("asset %s not found", id),
			})
			a = domain.PlaceholderAsset(id)
		}
		res.Assets[id] = a
		if o, ok := overrides[id]; ok {
			res.Ranges[id] = o
		} else {
			res.Ranges[id] = a.Range
		}
	}
	return res, nil
}

// collectAssets fills res.AssetIDs in configuration order and returns the
// per-entry range overrides.
func (r *Resolver) collectAssets(res *Resolution) map[string]domain.TempRange {
	overrides := make(map[string]domain.TempRange)
	seen := make(map[string]bool)
	add := func(id string) bool {
		if id == "" || seen[id] {
			return false
		}
		seen[id] = true
		res.AssetIDs = append(res.AssetIDs, id)
		return true
	}

	if t := res.Template; t != nil {
		for i, e := range t.Equipment {
			if len(e.Unknown) > 0 {
				res.Warnings = append(res.Warnings, domain.Warning{
					Kind:    domain.WarnUnknownEquipment,
					TaskID:  res.Task.ID,
					Ref:     t.ID,
					Message: fmt.Sprintf("equipment entry %d has an unrecognised shape", i),
				})
				continue
			}
			if add(e.AssetID) && e.HasRange() {
				overrides[e.AssetID] = domain.TempRange{Min: e.TempMin, Max: e.TempMax}
			}
		}
		if len(res.AssetIDs) == 0 {
			add(t.AssetID)
		}
	}
	if len(res.AssetIDs) == 0 {
		add(res.Task.AssetID)
	}
	return overrides
}
