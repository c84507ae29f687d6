package sqlstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opsboard/opsboard/internal/domain"
)

// Dialect selects placeholder style and storage types.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) storageType(t ColType) string {
	switch d {
	case Postgres:
		switch t {
		case Real:
			return "DOUBLE PRECISION"
		case Int:
			return "BIGINT"
		case Bool:
			return "BOOLEAN"
		case JSON:
			return "JSONB"
		default:
			return "TEXT"
		}
	default:
		switch t {
		case Real:
			return "REAL"
		case Int, Bool:
			return "INTEGER"
		default:
			return "TEXT"
		}
	}
}

// Stmt is a built statement with its positional arguments.
type Stmt struct {
	SQL  string
	Args []any
}

type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	if b.d == Postgres {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func (b *builder) stmt() Stmt {
	return Stmt{SQL: b.sb.String(), Args: b.args}
}

// scopeClause writes the tenant and optional site predicates.
func (b *builder) scopeClause(t *Table, scope domain.Scope) {
	b.sb.WriteString(" WHERE tenant_id = ")
	b.sb.WriteString(b.arg(scope.TenantID))
	if scope.SiteID == "" {
		return
	}
	if t.SharedAcrossSites {
		fmt.Fprintf(&b.sb, " AND (site_id = %s OR site_id IS NULL OR site_id = '')", b.arg(scope.SiteID))
		return
	}
	b.sb.WriteString(" AND site_id = ")
	b.sb.WriteString(b.arg(scope.SiteID))
}

func (b *builder) conds(t *Table, where []domain.Cond) error {
	for _, c := range where {
		typ, ok := t.Type(c.Column)
		if !ok {
			return fmt.Errorf("%w: %s.%s", domain.ErrUnknownColumn, t.Name, c.Column)
		}
		switch c.Op {
		case domain.OpIsNull:
			fmt.Fprintf(&b.sb, " AND %s IS NULL", c.Column)
		case domain.OpIn:
			vals, _ := c.Value.([]any)
			if len(vals) == 0 {
				b.sb.WriteString(" AND 1 = 0")
				continue
			}
			ph := make([]string, len(vals))
			for i, v := range vals {
				ph[i] = b.arg(b.d.encode(typ, v))
			}
			fmt.Fprintf(&b.sb, " AND %s IN (%s)", c.Column, strings.Join(ph, ", "))
		case domain.OpEq, domain.OpNeq, domain.OpLt, domain.OpLte, domain.OpGt, domain.OpGte:
			fmt.Fprintf(&b.sb, " AND %s %s %s", c.Column, c.Op, b.arg(b.d.encode(typ, c.Value)))
		default:
			return fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return nil
}

// BuildSelect renders q within scope. It returns the selected columns in
// scan order.
func BuildSelect(d Dialect, scope domain.Scope, q domain.Query) (Stmt, []string, error) {
	if err := scope.Validate(); err != nil {
		return Stmt{}, nil, err
	}
	t, err := Lookup(q.Table)
	if err != nil {
		return Stmt{}, nil, err
	}
	cols := t.ColumnNames()
	b := &builder{d: d}
	fmt.Fprintf(&b.sb, "SELECT %s FROM %s", strings.Join(cols, ", "), t.Name)
	b.scopeClause(t, scope)
	if err := b.conds(t, q.Where); err != nil {
		return Stmt{}, nil, err
	}
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			if !t.Has(o.Column) {
				return Stmt{}, nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownColumn, t.Name, o.Column)
			}
			parts[i] = o.Column
			if o.Desc {
				parts[i] += " DESC"
			}
		}
		b.sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		b.sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.stmt(), cols, nil
}

// BuildInsert renders an insert for one prepared row.
func BuildInsert(d Dialect, table string, row domain.Row) (Stmt, error) {
	t, err := Lookup(table)
	if err != nil {
		return Stmt{}, err
	}
	b := &builder{d: d}
	var cols, ph []string
	for _, c := range t.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		ph = append(ph, b.arg(d.encode(c.Type, v)))
	}
	fmt.Fprintf(&b.sb, "INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(cols, ", "), strings.Join(ph, ", "))
	return b.stmt(), nil
}

// BuildUpdate renders an update of patch over matching rows within scope.
// Scope columns and id cannot be patched.
func BuildUpdate(d Dialect, scope domain.Scope, table string, where []domain.Cond, patch domain.Row) (Stmt, error) {
	if err := scope.Validate(); err != nil {
		return Stmt{}, err
	}
	t, err := Lookup(table)
	if err != nil {
		return Stmt{}, err
	}
	b := &builder{d: d}
	var sets []string
	for _, c := range t.Columns {
		v, ok := patch[c.Name]
		if !ok || c.Name == "id" || c.Name == "tenant_id" {
			continue
		}
		sets = append(sets, c.Name+" = "+b.arg(d.encode(c.Type, v)))
	}
	for col := range patch {
		if !t.Has(col) {
			return Stmt{}, fmt.Errorf("%w: %s.%s", domain.ErrUnknownColumn, t.Name, col)
		}
	}
	if len(sets) == 0 {
		return Stmt{}, fmt.Errorf("update %s: empty patch", t.Name)
	}
	fmt.Fprintf(&b.sb, "UPDATE %s SET %s", t.Name, strings.Join(sets, ", "))
	b.scopeClause(t, scope)
	if err := b.conds(t, where); err != nil {
		return Stmt{}, err
	}
	return b.stmt(), nil
}

// BuildDelete renders a delete of matching rows within scope.
func BuildDelete(d Dialect, scope domain.Scope, table string, where []domain.Cond) (Stmt, error) {
	if err := scope.Validate(); err != nil {
		return Stmt{}, err
	}
	t, err := Lookup(table)
	if err != nil {
		return Stmt{}, err
	}
	b := &builder{d: d}
	fmt.Fprintf(&b.sb, "DELETE FROM %s", t.Name)
	b.scopeClause(t, scope)
	if err := b.conds(t, where); err != nil {
		return Stmt{}, err
	}
	return b.stmt(), nil
}

// PrepareRow validates row against the table and fills id, tenant_id,
// site_id and created_at from scope and clock.
func PrepareRow(scope domain.Scope, table string, row domain.Row, now time.Time) (domain.Row, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	t, err := Lookup(table)
	if err != nil {
		return nil, err
	}
	out := make(domain.Row, len(row)+4)
	for k, v := range row {
		if !t.Has(k) {
			return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownColumn, t.Name, k)
		}
		out[k] = v
	}
	if out.String("id") == "" {
		out["id"] = uuid.Must(uuid.NewV7()).String()
	}
	out["tenant_id"] = scope.TenantID
	if out.String("site_id") == "" && scope.SiteID != "" {
		out["site_id"] = scope.SiteID
	}
	if out.String("created_at") == "" {
		out["created_at"] = now.UTC().Format(time.RFC3339Nano)
	}
	return out, nil
}

// encode converts a Go value into the driver argument for a column type.
func (d Dialect) encode(t ColType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case Bool:
		b := domain.Row{"v": v}.Bool("v")
		if d == Postgres {
			return b
		}
		if b {
			return int64(1)
		}
		return int64(0)
	case JSON:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		case json.RawMessage:
			return string(x)
		default:
			raw, err := json.Marshal(x)
			if err != nil {
				return nil
			}
			return string(raw)
		}
	case Real:
		if f := (domain.Row{"v": v}).Float("v"); f != nil {
			return *f
		}
		return nil
	case Int:
		return int64(domain.Row{"v": v}.Int("v"))
	default:
		switch x := v.(type) {
		case time.Time:
			if x.IsZero() {
				return nil
			}
			return x.UTC().Format(time.RFC3339Nano)
		case *float64:
			if x == nil {
				return nil
			}
			return *x
		}
		return v
	}
}

// Normalize converts scanned driver values into the row-store value set.
func Normalize(table string, cols []string, vals []any) domain.Row {
	t, _ := Lookup(table)
	row := make(domain.Row, len(cols))
	for i, col := range cols {
		v := vals[i]
		if v == nil {
			row[col] = nil
			continue
		}
		typ := Text
		if t != nil {
			typ, _ = t.Type(col)
		}
		row[col] = normalizeValue(typ, v)
	}
	return row
}

func normalizeValue(t ColType, v any) any {
	switch t {
	case Bool:
		return domain.Row{"v": v}.Bool("v")
	case Real:
		if f := (domain.Row{"v": v}).Float("v"); f != nil {
			return *f
		}
		return nil
	case Int:
		return int64(domain.Row{"v": v}.Int("v"))
	case JSON:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		default:
			raw, err := json.Marshal(x)
			if err != nil {
				return nil
			}
			return string(raw)
		}
	default:
		switch x := v.(type) {
		case []byte:
			return string(x)
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano)
		}
		return v
	}
}

// IDsFrom extracts the row IDs named by an id equality predicate.
func IDsFrom(where []domain.Cond) []string {
	for _, c := range where {
		if c.Column != "id" {
			continue
		}
		switch c.Op {
		case domain.OpEq:
			if s, ok := c.Value.(string); ok {
				return []string{s}
			}
		case domain.OpIn:
			vals, _ := c.Value.([]any)
			ids := make([]string, 0, len(vals))
			for _, v := range vals {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
			return ids
		}
	}
	return nil
}
