// Package sqlstore holds the row-store schema and a dialect-aware SQL
// builder shared by the SQLite and PostgreSQL row-stores.
package sqlstore

import (
	"fmt"
	"strings"

	"github.com/opsboard/opsboard/internal/domain"
)

// ColType is the logical type of a column. Each dialect maps it to a
// storage type and the read path normalizes driver values back to it.
type ColType int

const (
	Text ColType = iota
	Real
	Int
	Bool
	JSON
)

// Column is one table column.
type Column struct {
	Name string
	Type ColType
}

// Table describes one row-store table. Every table carries id and
// tenant_id. SharedAcrossSites tables match a site-scoped query when their
// site_id is empty, so tenant-wide templates and assets stay visible.
type Table struct {
	Name              string
	Columns           []Column
	Indexes           [][]string
	SharedAcrossSites bool
}

// Has reports whether col belongs to the table.
func (t *Table) Has(col string) bool {
	_, ok := t.Type(col)
	return ok
}

// Type returns the column's logical type.
func (t *Table) Type(col string) (ColType, bool) {
	for _, c := range t.Columns {
		if c.Name == col {
			return c.Type, true
		}
	}
	return 0, false
}

// ColumnNames lists columns in declaration order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

func base(cols ...Column) []Column {
	return append([]Column{
		{"id", Text},
		{"tenant_id", Text},
		{"site_id", Text},
	}, append(cols, Column{"created_at", Text})...)
}

// Schema is the full row-store schema.
var Schema = []*Table{
	{
		Name: domain.TableSites,
		Columns: base(
			Column{"name", Text},
			Column{"timezone", Text},
		),
	},
	{
		Name:              domain.TableAssets,
		SharedAcrossSites: true,
		Columns: base(
			Column{"name", Text},
			Column{"nickname", Text},
			Column{"temp_min", Real},
			Column{"temp_max", Real},
			Column{"temp_inverted", Bool},
			Column{"archived", Bool},
		),
		Indexes: [][]string{{"tenant_id", "site_id"}},
	},
	{
		Name:              domain.TableTemplates,
		SharedAcrossSites: true,
		Columns: base(
			Column{"name", Text},
			Column{"instructions", Text},
			Column{"features", JSON},
			Column{"equipment_config", JSON},
			Column{"checklist_items", JSON},
			Column{"yes_no_items", JSON},
			Column{"frequency", Text},
			Column{"visible_days_before", Int},
			Column{"visible_days_after", Int},
			Column{"grace_period_days", Int},
			Column{"default_time", Text},
			Column{"dayparts", JSON},
			Column{"asset_id", Text},
			Column{"archived", Bool},
		),
		Indexes: [][]string{{"tenant_id", "site_id"}},
	},
	{
		Name: domain.TableTasks,
		Columns: base(
			Column{"template_id", Text},
			Column{"site_checklist_id", Text},
			Column{"name", Text},
			Column{"due_date", Text},
			Column{"due_time", Text},
			Column{"daypart", Text},
			Column{"status", Text},
			Column{"flag_reason", Text},
			Column{"follow_up_of", Text},
			Column{"asset_id", Text},
			Column{"features", JSON},
			Column{"metadata", JSON},
			Column{"completed_by", Text},
			Column{"completed_at", Text},
		),
		Indexes: [][]string{{"tenant_id", "site_id", "due_date"}, {"status"}},
	},
	{
		Name: domain.TableCompletions,
		Columns: base(
			Column{"task_id", Text},
			Column{"completed_by", Text},
			Column{"completed_at", Text},
			Column{"completed_daypart", Text},
			Column{"form_data", JSON},
			Column{"equipment_snapshot", JSON},
			Column{"photo_urls", JSON},
		),
		Indexes: [][]string{{"task_id"}},
	},
	{
		Name: domain.TableTemperatureLogs,
		Columns: base(
			Column{"completion_id", Text},
			Column{"task_id", Text},
			Column{"asset_id", Text},
			Column{"asset_name", Text},
			Column{"reading", Real},
			Column{"temp_min", Real},
			Column{"temp_max", Real},
			Column{"temp_inverted", Bool},
			Column{"status", Text},
			Column{"recorded_at", Text},
		),
		Indexes: [][]string{{"asset_id", "recorded_at"}, {"completion_id"}},
	},
	{
		Name: domain.TableRemediationActions,
		Columns: base(
			Column{"completion_id", Text},
			Column{"task_id", Text},
			Column{"asset_id", Text},
			Column{"asset_name", Text},
			Column{"kind", Text},
			Column{"recheck_minutes", Int},
			Column{"notes", Text},
			Column{"reading", Real},
			Column{"temp_min", Real},
			Column{"temp_max", Real},
			Column{"temp_inverted", Bool},
			Column{"follow_up_task_id", Text},
		),
		Indexes: [][]string{{"completion_id"}},
	},
}

// Lookup returns the table definition by name.
func Lookup(name string) (*Table, error) {
	for _, t := range Schema {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTable, name)
}

// Migrations returns idempotent CREATE statements for the dialect.
func Migrations(d Dialect) []string {
	var stmts []string
	for _, t := range Schema {
		defs := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			def := c.Name + " " + d.storageType(c.Type)
			switch c.Name {
			case "id":
				def += " PRIMARY KEY"
			case "tenant_id":
				def += " NOT NULL"
			}
			defs = append(defs, def)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
			t.Name, strings.Join(defs, ",\n\t")))
		for _, idx := range t.Indexes {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)",
				t.Name, strings.Join(idx, "_"), t.Name, strings.Join(idx, ", ")))
		}
	}
	return stmts
}
