package core

import (
	"fmt"
	"strings"
)

// SuggestMapping proposes a source header for each field by case-insensitive
// exact match. Fields with no matching header are returned unmapped.
func SuggestMapping(headers []string, fields []Field) []ColumnMapping {
	index := headerIndex(headers)

	mapping := make([]ColumnMapping, len(fields))
	for i, f := range fields {
		m := ColumnMapping{CanonicalKey: f.Key, Required: f.Required}
		if pos, ok := index[normalizeHeader(f.Key)]; ok {
			m.SourceHeader = headers[pos]
		} else if f.Label != "" {
			if pos, ok := index[normalizeHeader(f.Label)]; ok {
				m.SourceHeader = headers[pos]
			}
		}
		mapping[i] = m
	}
	return mapping
}

// UnmappedRequired returns the required keys that mapping leaves without a source column.
func UnmappedRequired(mapping []ColumnMapping, fields []Field) []string {
	mapped := make(map[string]bool, len(mapping))
	for _, m := range mapping {
		if m.SourceHeader != "" {
			mapped[m.CanonicalKey] = true
		}
	}
	var missing []string
	for _, f := range fields {
		if f.Required && !mapped[f.Key] {
			missing = append(missing, f.Key)
		}
	}
	return missing
}

// Mapper applies a validated mapping to raw rows.
type Mapper struct {
	columns []boundColumn
	mapping []ColumnMapping
}

type boundColumn struct {
	key      string
	index    int
	required bool
}

// NewMapper validates mapping against the module fields and the file headers.
// It returns a *MappingError for unknown keys, repeated keys or headers absent
// from the file, and a *MissingRequiredFieldsError when a required field has
// no source column.
func NewMapper(mapping []ColumnMapping, fields []Field, headers []string) (*Mapper, error) {
	byKey := make(map[string]Field, len(fields))
	for _, f := range fields {
		byKey[f.Key] = f
	}
	index := headerIndex(headers)

	m := &Mapper{}
	seen := make(map[string]bool, len(mapping))
	for _, cm := range mapping {
		field, ok := byKey[cm.CanonicalKey]
		if !ok {
			return nil, &MappingError{Key: cm.CanonicalKey, Reason: "is not a field of this module"}
		}
		if seen[cm.CanonicalKey] {
			return nil, &MappingError{Key: cm.CanonicalKey, Reason: "is mapped more than once"}
		}
		seen[cm.CanonicalKey] = true

		cm.Required = field.Required
		m.mapping = append(m.mapping, cm)
		if cm.SourceHeader == "" {
			continue
		}

		pos, ok := findHeader(headers, index, cm.SourceHeader)
		if !ok {
			return nil, &MappingError{Key: cm.CanonicalKey, Header: cm.SourceHeader, Reason: "is not in the file"}
		}
		m.columns = append(m.columns, boundColumn{key: field.Key, index: pos, required: field.Required})
	}

	if missing := UnmappedRequired(m.mapping, fields); len(missing) > 0 {
		return nil, &MissingRequiredFieldsError{Keys: missing}
	}
	return m, nil
}

// Mapping returns the resolved mapping with required flags taken from the module.
func (m *Mapper) Mapping() []ColumnMapping {
	return m.mapping
}

// Apply builds the canonical row for one record of raw values. Values are
// trimmed. A blank required value yields a *RowValidationError.
func (m *Mapper) Apply(values []string) (CanonicalRow, error) {
	row := make(CanonicalRow, len(m.columns))
	var blank []string
	for _, c := range m.columns {
		v := ""
		if c.index < len(values) {
			v = strings.TrimSpace(values[c.index])
		}
		if c.required && v == "" {
			blank = append(blank, c.key)
		}
		row[c.key] = v
	}
	if len(blank) == 1 {
		return nil, &RowValidationError{Field: blank[0], Message: "required field is blank"}
	}
	if len(blank) > 1 {
		return nil, &RowValidationError{Message: fmt.Sprintf("required fields are blank: %s", strings.Join(blank, ", "))}
	}
	return row, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// headerIndex maps normalized headers to their first position.
func headerIndex(headers []string) map[string]int {
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		key := normalizeHeader(h)
		if _, exists := index[key]; !exists {
			index[key] = i
		}
	}
	return index
}

// findHeader prefers an exact match, then a case-insensitive one.
func findHeader(headers []string, index map[string]int, name string) (int, bool) {
	for i, h := range headers {
		if h == name {
			return i, true
		}
	}
	pos, ok := index[normalizeHeader(name)]
	return pos, ok
}
