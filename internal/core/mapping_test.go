package core

import (
	"errors"
	"reflect"
	"testing"
)

var stockFields = []Field{
	{Key: "sku", Label: "Item Code", Required: true, NaturalKey: true},
	{Key: "name", Required: true},
	{Key: "quantity"},
	{Key: "location"},
}

func TestSuggestMapping(t *testing.T) {
	headers := []string{"NAME", "Item Code", "Qty", "location"}
	got := SuggestMapping(headers, stockFields)

	want := []ColumnMapping{
		{CanonicalKey: "sku", SourceHeader: "Item Code", Required: true},
		{CanonicalKey: "name", SourceHeader: "NAME", Required: true},
		{CanonicalKey: "quantity", SourceHeader: ""},
		{CanonicalKey: "location", SourceHeader: "location"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SuggestMapping() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestUnmappedRequired(t *testing.T) {
	mapping := SuggestMapping([]string{"sku", "qty"}, stockFields)
	got := UnmappedRequired(mapping, stockFields)
	if !reflect.DeepEqual(got, []string{"name"}) {
		t.Errorf("UnmappedRequired() = %v, want [name]", got)
	}
}

func TestNewMapper_Errors(t *testing.T) {
	headers := []string{"sku", "name", "qty"}

	tests := []struct {
		name    string
		mapping []ColumnMapping
		check   func(error) bool
	}{
		{
			name:    "unknown key",
			mapping: []ColumnMapping{{CanonicalKey: "colour", SourceHeader: "qty"}},
			check:   func(err error) bool { var m *MappingError; return errors.As(err, &m) && m.Key == "colour" },
		},
		{
			name: "header not in file",
			mapping: []ColumnMapping{
				{CanonicalKey: "sku", SourceHeader: "code"},
				{CanonicalKey: "name", SourceHeader: "name"},
			},
			check: func(err error) bool { var m *MappingError; return errors.As(err, &m) && m.Header == "code" },
		},
		{
			name: "key mapped twice",
			mapping: []ColumnMapping{
				{CanonicalKey: "sku", SourceHeader: "sku"},
				{CanonicalKey: "sku", SourceHeader: "name"},
			},
			check: func(err error) bool { var m *MappingError; return errors.As(err, &m) },
		},
		{
			name: "required left unmapped",
			mapping: []ColumnMapping{
				{CanonicalKey: "sku", SourceHeader: "sku"},
				{CanonicalKey: "quantity", SourceHeader: "qty"},
			},
			check: func(err error) bool {
				var m *MissingRequiredFieldsError
				return errors.As(err, &m) && reflect.DeepEqual(m.Keys, []string{"name"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapper(tt.mapping, stockFields, headers)
			if err == nil || !tt.check(err) {
				t.Errorf("NewMapper() error = %v", err)
			}
		})
	}
}

func TestMapper_Apply(t *testing.T) {
	headers := []string{"Name", "SKU", "qty", "ignored"}
	m, err := NewMapper([]ColumnMapping{
		{CanonicalKey: "sku", SourceHeader: "sku"},
		{CanonicalKey: "name", SourceHeader: "Name"},
		{CanonicalKey: "quantity", SourceHeader: "qty"},
		{CanonicalKey: "location"},
	}, stockFields, headers)
	if err != nil {
		t.Fatalf("NewMapper() error = %v", err)
	}

	for _, cm := range m.Mapping() {
		if cm.CanonicalKey == "sku" && !cm.Required {
			t.Error("sku mapping should carry Required from the module")
		}
	}

	row, err := m.Apply([]string{" Widget ", "A-1", "", "x"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := CanonicalRow{"sku": "A-1", "name": "Widget", "quantity": ""}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("Apply() = %v, want %v", row, want)
	}

	_, err = m.Apply([]string{"Widget", "  ", "3", ""})
	var rv *RowValidationError
	if !errors.As(err, &rv) || rv.Field != "sku" {
		t.Errorf("Apply() blank required error = %v", err)
	}

	_, err = m.Apply([]string{"", ""})
	if !errors.As(err, &rv) || rv.Field != "" {
		t.Errorf("Apply() two blank required error = %v", err)
	}
}
