package modules

import (
	"errors"
	"reflect"
	"testing"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

// ----------------------------------------------------------------------------
// buildWhere Tests
// ----------------------------------------------------------------------------

func TestBuildWhere(t *testing.T) {
	tests := []struct {
		name     string
		spec     TableSpec
		filters  []core.Filter
		scope    string
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "no filters",
			spec:    StockItems,
			wantSQL: "",
		},
		{
			name:     "equals numeric",
			spec:     StockItems,
			filters:  []core.Filter{{Field: "quantity", Operator: core.OpEquals, Value: "1,000"}},
			wantSQL:  ` WHERE "quantity" = $1::text::numeric`,
			wantArgs: []any{"1000"},
		},
		{
			name: "contains escapes wildcards",
			spec: StockItems,
			filters: []core.Filter{
				{Field: "name", Operator: core.OpContains, Value: "50%"},
			},
			wantSQL:  ` WHERE "name"::text ILIKE $1`,
			wantArgs: []any{`%50\%%`},
		},
		{
			name: "in and empty",
			spec: Assets,
			filters: []core.Filter{
				{Field: "status", Operator: core.OpIn, Values: []string{"Active", "retired"}},
				{Field: "serial_number", Operator: core.OpEmpty},
			},
			wantSQL:  ` WHERE "status" IN ($1::text::text, $2::text::text) AND "serial_number" IS NULL`,
			wantArgs: []any{"active", "retired"},
		},
		{
			name:     "scope comes first",
			spec:     ProjectTasks,
			filters:  []core.Filter{{Field: "due_date", Operator: core.OpLess, Value: "1/31/2025"}},
			scope:    "p-1",
			wantSQL:  ` WHERE "project_id" = $1 AND "due_date" < $2::text::date`,
			wantArgs: []any{"p-1", "2025-01-31"},
		},
		{
			name:     "not equals",
			spec:     Employees,
			filters:  []core.Filter{{Field: "active", Operator: core.OpNotEquals, Value: "no"}},
			wantSQL:  ` WHERE "active" IS DISTINCT FROM $1::text::boolean`,
			wantArgs: []any{"false"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildWhere(tt.spec, tt.filters, tt.scope)
			if err != nil {
				t.Fatalf("buildWhere error: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %#v, want %#v", args, tt.wantArgs)
			}
		})
	}
}

func TestBuildWhere_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		filter core.Filter
	}{
		{"unknown field", core.Filter{Field: "nope", Operator: core.OpEquals, Value: "x"}},
		{"bad numeric operand", core.Filter{Field: "quantity", Operator: core.OpGreater, Value: "lots"}},
		{"unknown operator", core.Filter{Field: "name", Operator: "regex", Value: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildWhere(StockItems, []core.Filter{tt.filter}, "")
			if !errors.Is(err, core.ErrInvalidFilter) {
				t.Errorf("error = %v, want ErrInvalidFilter", err)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// matchFilter Tests
// ----------------------------------------------------------------------------

func TestMatchFilter(t *testing.T) {
	row := core.CanonicalRow{"code": "SKU-1", "name": "Blue Widget", "quantity": "12", "location": ""}

	tests := []struct {
		name   string
		filter core.Filter
		want   bool
	}{
		{"equals text", core.Filter{Field: "code", Operator: core.OpEquals, Value: "SKU-1"}, true},
		{"contains case-insensitive", core.Filter{Field: "name", Operator: core.OpContains, Value: "widget"}, true},
		{"starts with", core.Filter{Field: "name", Operator: core.OpStartsWith, Value: "red"}, false},
		{"numeric greater", core.Filter{Field: "quantity", Operator: core.OpGreater, Value: "9"}, true},
		{"numeric less", core.Filter{Field: "quantity", Operator: core.OpLess, Value: "9"}, false},
		{"in", core.Filter{Field: "code", Operator: core.OpIn, Values: []string{"SKU-2", "SKU-1"}}, true},
		{"empty", core.Filter{Field: "location", Operator: core.OpEmpty}, true},
		{"not empty", core.Filter{Field: "location", Operator: core.OpNotEmpty}, false},
		{"not equals blank", core.Filter{Field: "location", Operator: core.OpNotEquals, Value: "A1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col, ok := StockItems.Column(tt.filter.Field)
			if !ok {
				t.Fatalf("unknown column %q", tt.filter.Field)
			}
			got, err := matchFilter(col, tt.filter, row)
			if err != nil {
				t.Fatalf("matchFilter error: %v", err)
			}
			if got != tt.want {
				t.Errorf("matchFilter = %v, want %v", got, tt.want)
			}
		})
	}
}
