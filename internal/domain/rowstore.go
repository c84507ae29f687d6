package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Table names owned by the row-store schema.
const (
	TableSites              = "sites"
	TableAssets             = "assets"
	TableTemplates          = "templates"
	TableTasks              = "tasks"
	TableCompletions        = "completions"
	TableTemperatureLogs    = "temperature_logs"
	TableRemediationActions = "remediation_actions"
)

// Scope bounds every row-store call. TenantID is mandatory; SiteID narrows
// to one site when set.
type Scope struct {
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id,omitempty"`
}

// Validate rejects a scope without a tenant.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return ErrMissingTenant
	}
	return nil
}

// WithSite returns a copy of s narrowed to siteID.
func (s Scope) WithSite(siteID string) Scope {
	s.SiteID = siteID
	return s
}

// Row is one table row keyed by column name. Values are string, int64,
// float64, bool or nil; JSON columns hold their encoded text.
type Row map[string]any

// String returns the column as a string ("" when null).
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int returns the column as an int (0 when null or not numeric).
func (r Row) Int(col string) int {
	switch v := r[col].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Float returns the column as a nullable float.
func (r Row) Float(col string) *float64 {
	switch v := r[col].(type) {
	case float64:
		return &v
	case int64:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// Bool returns the column as a bool.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time parses an RFC 3339 column; zero when null or malformed.
func (r Row) Time(col string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.String(col))
	if err != nil {
		return time.Time{}
	}
	return t
}

// JSON decodes a JSON column into dst. A null column leaves dst untouched.
func (r Row) JSON(col string, dst any) error {
	s := r.String(col)
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Op is a comparison operator in a Cond.
type Op string

const (
	OpEq     Op = "="
	OpNeq    Op = "!="
	OpLt     Op = "<"
	OpLte    Op = "<="
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpIn     Op = "IN"
	OpIsNull Op = "IS NULL"
)

// Cond is one column predicate. Value is a []any for OpIn and ignored for
// OpIsNull.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// Eq builds an equality predicate.
func Eq(col string, v any) Cond { return Cond{Column: col, Op: OpEq, Value: v} }

// Gte builds a >= predicate.
func Gte(col string, v any) Cond { return Cond{Column: col, Op: OpGte, Value: v} }

// Lte builds a <= predicate.
func Lte(col string, v any) Cond { return Cond{Column: col, Op: OpLte, Value: v} }

// In builds a membership predicate over string values.
func In(col string, vals []string) Cond {
	vs := make([]any, len(vals))
	for i, v := range vals {
		vs[i] = v
	}
	return Cond{Column: col, Op: OpIn, Value: vs}
}

// Order sorts a Query by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query selects rows from one table.
type Query struct {
	Table string
	Where []Cond
	Order []Order
	Limit int
}

// ─── Change notifications ───────────────────────────────────────────────────

// ChangeOp names the kind of write that produced a Change.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// Change is delivered to row-store subscribers after a write commits.
type Change struct {
	Table string   `json:"table"`
	Op    ChangeOp `json:"op"`
	Scope Scope    `json:"scope"`
	IDs   []string `json:"ids,omitempty"`
}
