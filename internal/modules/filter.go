package modules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

var errUnexpectedRecord = errors.New("record is not a canonical row")

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// escapeLike escapes LIKE wildcards in a user value.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// filterValue normalizes a filter operand to the column's canonical form.
func filterValue(col Column, v string) (string, error) {
	n, err := normalizeValue(col, v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", core.ErrInvalidFilter, col.Key, err)
	}
	return n, nil
}

// param renders placeholder n cast to the column's SQL type.
func param(col Column, n int) string {
	return fmt.Sprintf("$%d::text::%s", n, col.Type.sqlType())
}

// whereBuilder accumulates AND-ed SQL conditions and their arguments.
type whereBuilder struct {
	conditions []string
	args       []any
}

func (wb *whereBuilder) next() int {
	return len(wb.args) + 1
}

func (wb *whereBuilder) add(cond string, args ...any) {
	wb.conditions = append(wb.conditions, cond)
	wb.args = append(wb.args, args...)
}

// addFilter translates one filter into SQL.
func (wb *whereBuilder) addFilter(col Column, f core.Filter) error {
	name := quoteIdentifier(col.Key)

	switch f.Operator {
	case core.OpEmpty:
		wb.add(name + " IS NULL")
		return nil
	case core.OpNotEmpty:
		wb.add(name + " IS NOT NULL")
		return nil
	case core.OpContains:
		wb.add(fmt.Sprintf("%s::text ILIKE $%d", name, wb.next()), "%"+escapeLike(f.Value)+"%")
		return nil
	case core.OpStartsWith:
		wb.add(fmt.Sprintf("%s::text ILIKE $%d", name, wb.next()), escapeLike(f.Value)+"%")
		return nil
	case core.OpIn:
		placeholders := make([]string, len(f.Values))
		args := make([]any, len(f.Values))
		for i, raw := range f.Values {
			v, err := filterValue(col, raw)
			if err != nil {
				return err
			}
			placeholders[i] = param(col, wb.next()+i)
			args[i] = v
		}
		wb.add(fmt.Sprintf("%s IN (%s)", name, strings.Join(placeholders, ", ")), args...)
		return nil
	}

	v, err := filterValue(col, f.Value)
	if err != nil {
		return err
	}
	var op string
	switch f.Operator {
	case core.OpEquals:
		op = "="
	case core.OpNotEquals:
		op = "IS DISTINCT FROM"
	case core.OpGreater:
		op = ">"
	case core.OpLess:
		op = "<"
	default:
		return fmt.Errorf("%w: unknown operator %q", core.ErrInvalidFilter, f.Operator)
	}
	wb.add(fmt.Sprintf("%s %s %s", name, op, param(col, wb.next())), v)
	return nil
}

// build returns " WHERE ..." (or "") and the arguments.
func (wb *whereBuilder) build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

// buildWhere renders filters and the scope condition for spec.
func buildWhere(spec TableSpec, filters []core.Filter, scope string) (string, []any, error) {
	wb := &whereBuilder{}
	if spec.ScopeParam != "" {
		wb.add(fmt.Sprintf("%s = $%d", quoteIdentifier(spec.ScopeParam), wb.next()), scope)
	}
	for _, f := range filters {
		col, ok := spec.Column(f.Field)
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown field %q", core.ErrInvalidFilter, f.Field)
		}
		if err := wb.addFilter(col, f); err != nil {
			return "", nil, err
		}
	}
	where, args := wb.build()
	return where, args, nil
}

// matchFilter evaluates one filter against an in-memory row.
func matchFilter(col Column, f core.Filter, row core.CanonicalRow) (bool, error) {
	got := row[col.Key]

	switch f.Operator {
	case core.OpEmpty:
		return got == "", nil
	case core.OpNotEmpty:
		return got != "", nil
	case core.OpContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(f.Value)), nil
	case core.OpStartsWith:
		return strings.HasPrefix(strings.ToLower(got), strings.ToLower(f.Value)), nil
	case core.OpIn:
		for _, raw := range f.Values {
			v, err := filterValue(col, raw)
			if err != nil {
				return false, err
			}
			if got != "" && compareValues(col, got, v) == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	v, err := filterValue(col, f.Value)
	if err != nil {
		return false, err
	}
	switch f.Operator {
	case core.OpEquals:
		return got != "" && compareValues(col, got, v) == 0, nil
	case core.OpNotEquals:
		return got == "" || compareValues(col, got, v) != 0, nil
	case core.OpGreater:
		return got != "" && compareValues(col, got, v) > 0, nil
	case core.OpLess:
		return got != "" && compareValues(col, got, v) < 0, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", core.ErrInvalidFilter, f.Operator)
	}
}

// compareValues orders two canonical values of col.
func compareValues(col Column, a, b string) int {
	if col.Type == TypeNumeric {
		x, errA := strconv.ParseFloat(a, 64)
		y, errB := strconv.ParseFloat(b, 64)
		if errA == nil && errB == nil {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(a, b)
}
