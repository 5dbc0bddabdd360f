package modules

// convert.go normalizes user-provided CSV values into the canonical text
// form each column type is stored and compared in:
//   - dates in many layouts (US, EU, ISO) become 2006-01-02
//   - numbers lose currency symbols and thousands separators
//   - yes/no, t/f, 1/0 booleans become true/false
//
// Blank input of a typed column normalizes to "". Empty values are stored as NULL.

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// twoDigitYearPivot: 2-digit years more than this many years in the future
// are read as the previous century.
const twoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// cleanCell strips the Excel formula wrapper (="...") and surrounding space.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return s
}

// normalizeDate returns s as YYYY-MM-DD.
func normalizeDate(s string) (string, error) {
	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly), nil
		}
	}

	pivot := time.Now().Year() + twoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return t.Format(time.DateOnly), nil
		}
	}
	return "", fmt.Errorf("%q is not a recognized date", s)
}

// normalizeNumeric handles currency symbols, thousands separators and the
// accounting format for negatives, "(123.45)".
func normalizeNumeric(s string) (string, error) {
	v := s
	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = strings.TrimSpace(v[1 : len(v)-1])
	}

	v = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(v)
	v = strings.TrimSpace(v)
	if negative {
		v = "-" + v
	}

	if !numericRegex.MatchString(v) {
		return "", fmt.Errorf("%q is not a number", s)
	}
	return v, nil
}

// normalizeBool accepts true/false, yes/no, t/f, y/n and 1/0.
func normalizeBool(s string) (string, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return "true", nil
	case "false", "f", "no", "n", "0":
		return "false", nil
	default:
		return "", fmt.Errorf("%q is not a boolean", s)
	}
}

// normalizeValue converts a raw cell to the canonical text of col.
// Text is kept as given so that restoring a stored value is exact.
func normalizeValue(col Column, raw string) (string, error) {
	if col.Type == TypeText {
		return raw, nil
	}
	s := cleanCell(raw)
	if s == "" {
		return "", nil
	}

	switch col.Type {
	case TypeNumeric:
		return normalizeNumeric(s)
	case TypeDate:
		return normalizeDate(s)
	case TypeBool:
		return normalizeBool(s)
	case TypeEnum:
		v := strings.ToLower(strings.ReplaceAll(s, " ", "_"))
		if !slices.Contains(col.EnumValues, v) {
			return "", fmt.Errorf("%q is not one of %s", s, strings.Join(col.EnumValues, ", "))
		}
		return v, nil
	default:
		return s, nil
	}
}
