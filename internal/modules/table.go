package modules

import (
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

// table holds the column-driven behavior shared by every adapter.
type table struct {
	spec TableSpec
}

func (t table) Module() string { return t.spec.Module }

func (t table) Fields() []core.Field { return t.spec.Fields() }

func (t table) NaturalKey(row core.CanonicalRow) string { return t.spec.NaturalKey(row) }

// scope returns the scope value from params, or "" for unscoped modules.
func (t table) scope(params core.Params) string {
	if t.spec.ScopeParam == "" {
		return ""
	}
	return strings.TrimSpace(params[t.spec.ScopeParam])
}

// validate checks column types, enum values, natural keys and the scope
// parameter without touching storage.
func (t table) validate(row core.CanonicalRow, params core.Params) error {
	if t.spec.ScopeParam != "" && t.scope(params) == "" {
		return &core.RowValidationError{Field: t.spec.ScopeParam, Message: "context parameter is required"}
	}
	for _, c := range t.spec.Columns {
		v, ok := row[c.Key]
		if !ok {
			continue
		}
		if (c.Required || c.NaturalKey) && strings.TrimSpace(v) == "" {
			return &core.RowValidationError{Field: c.Key, Message: "required field is blank"}
		}
		if _, err := normalizeValue(c, v); err != nil {
			return &core.RowValidationError{Field: c.Key, Message: err.Error()}
		}
	}
	return nil
}

// normalize returns the known columns of row in canonical form, in column
// order. Unknown keys are dropped.
func (t table) normalize(row core.CanonicalRow) ([]Column, []string, error) {
	cols := make([]Column, 0, len(row))
	vals := make([]string, 0, len(row))
	for _, c := range t.spec.Columns {
		raw, ok := row[c.Key]
		if !ok {
			continue
		}
		v, err := normalizeValue(c, raw)
		if err != nil {
			return nil, nil, &core.RowValidationError{Field: c.Key, Message: err.Error()}
		}
		cols = append(cols, c)
		vals = append(vals, v)
	}
	return cols, vals, nil
}

// serialize renders a record as the requested columns. Records are
// CanonicalRows produced by Query.
func (t table) serialize(record core.Record, columns []string) ([]string, error) {
	row, ok := record.(core.CanonicalRow)
	if !ok {
		return nil, &core.AdapterFailure{Op: "serialize", Err: errUnexpectedRecord}
	}
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = row[c]
	}
	return out, nil
}
