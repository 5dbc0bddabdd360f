package modules

import (
	"testing"
)

// ----------------------------------------------------------------------------
// normalizeValue Tests
// ----------------------------------------------------------------------------

func TestNormalizeValue(t *testing.T) {
	enum := Column{Key: "status", Type: TypeEnum, EnumValues: []string{"active", "in_progress"}}

	tests := []struct {
		name    string
		col     Column
		input   string
		want    string
		wantErr bool
	}{
		// Text passes through untouched
		{name: "text kept", col: Column{Type: TypeText}, input: "  Widget ", want: "  Widget "},
		{name: "text formula kept", col: Column{Type: TypeText}, input: `="007"`, want: `="007"`},

		// Numeric
		{name: "integer", col: Column{Type: TypeNumeric}, input: "42", want: "42"},
		{name: "currency and separators", col: Column{Type: TypeNumeric}, input: "$1,234.50", want: "1234.50"},
		{name: "euro", col: Column{Type: TypeNumeric}, input: "€99", want: "99"},
		{name: "accounting negative", col: Column{Type: TypeNumeric}, input: "(12.5)", want: "-12.5"},
		{name: "excel formula", col: Column{Type: TypeNumeric}, input: `="15"`, want: "15"},
		{name: "blank numeric", col: Column{Type: TypeNumeric}, input: "  ", want: ""},
		{name: "not a number", col: Column{Type: TypeNumeric}, input: "twelve", wantErr: true},

		// Dates
		{name: "iso date", col: Column{Type: TypeDate}, input: "2024-03-05", want: "2024-03-05"},
		{name: "us date", col: Column{Type: TypeDate}, input: "3/5/2024", want: "2024-03-05"},
		{name: "month name", col: Column{Type: TypeDate}, input: "Mar 5, 2024", want: "2024-03-05"},
		{name: "compact date", col: Column{Type: TypeDate}, input: "20240305", want: "2024-03-05"},
		{name: "two digit year", col: Column{Type: TypeDate}, input: "3/5/24", want: "2024-03-05"},
		{name: "bad date", col: Column{Type: TypeDate}, input: "yesterday", wantErr: true},

		// Booleans
		{name: "yes", col: Column{Type: TypeBool}, input: "Yes", want: "true"},
		{name: "zero", col: Column{Type: TypeBool}, input: "0", want: "false"},
		{name: "bad bool", col: Column{Type: TypeBool}, input: "maybe", wantErr: true},

		// Enums
		{name: "enum exact", col: enum, input: "active", want: "active"},
		{name: "enum case and spaces", col: enum, input: "In Progress", want: "in_progress"},
		{name: "enum unknown", col: enum, input: "archived", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeValue(tt.col, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("normalizeValue(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeValue(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("normalizeValue(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// TableSpec Tests
// ----------------------------------------------------------------------------

func TestTableSpec_NaturalKey(t *testing.T) {
	a := StockItems.NaturalKey(map[string]string{"code": " SKU-1 ", "name": "A"})
	b := StockItems.NaturalKey(map[string]string{"code": "sku-1", "name": "B"})
	if a != b {
		t.Errorf("natural keys differ: %q vs %q", a, b)
	}
}

func TestTableSpec_Fields(t *testing.T) {
	fields := Employees.Fields()
	if len(fields) != len(Employees.Columns) {
		t.Fatalf("got %d fields, want %d", len(fields), len(Employees.Columns))
	}
	if !fields[0].Required || !fields[0].NaturalKey || fields[0].Key != "employee_number" {
		t.Errorf("first field = %+v", fields[0])
	}
}

func TestBuiltin_UniqueModules(t *testing.T) {
	seen := map[string]bool{}
	for _, spec := range Builtin() {
		if seen[spec.Module] {
			t.Errorf("duplicate module %q", spec.Module)
		}
		seen[spec.Module] = true
		if len(spec.naturalKeys()) == 0 {
			t.Errorf("module %q has no natural key", spec.Module)
		}
	}
}
