package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"structural parse error", &StructuralParseError{Line: 3, Err: errors.New("bare quote")}, "IMP001"},
		{"empty file", fmt.Errorf("validate: %w", ErrEmptyFile), "IMP001"},
		{"malformed row", &MalformedRowError{Line: 4, Expected: 3, Got: 2}, "IMP002"},
		{"missing required", &MissingRequiredFieldsError{Keys: []string{"sku"}}, "MAP001"},
		{"mapping error", &MappingError{Key: "sku", Header: "Code", Reason: "is not in the file"}, "MAP002"},
		{"row validation", &RowValidationError{Field: "qty", Message: "must be a number"}, "VAL001"},
		{"duplicate", &DuplicateRowError{RecordID: "r1"}, "VAL002"},
		{"wrapped job not found", fmt.Errorf("get job: %w", ErrJobNotFound), "JOB001"},
		{"rollback not allowed", ErrRollbackNotAllowed, "JOB003"},
		{"unknown module", fmt.Errorf("%w: %q", ErrUnknownModule, "ships"), "MOD001"},
		{"adapter failure", &AdapterFailure{Op: "create", Err: errors.New("constraint")}, "MOD002"},
		{"invalid schedule", fmt.Errorf("%w: bad", ErrInvalidSchedule), "SCH002"},
		{"deadline", context.DeadlineExceeded, "SYS002"},
		{"connection refused", errors.New("dial tcp: connection refused"), "SYS001"},
		{"timeout text", errors.New("i/o TIMEOUT"), "SYS002"},
		{"unknown", errors.New("something odd"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
		})
	}
}

func TestMapError_AdapterUnavailableBeatsFailure(t *testing.T) {
	err := &AdapterFailure{Op: "find", Err: ErrAdapterUnavailable}
	if got := MapError(err); got.Message != "The module's storage is unavailable" {
		t.Errorf("MapError = %+v", got)
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrExportNotReady)
	if !strings.Contains(got, "(Code: EXP001)") {
		t.Errorf("FormatUserError = %q", got)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("nil should not be user facing")
	}
	if IsUserFacing(errors.New("boom")) {
		t.Error("unknown error should not be user facing")
	}
	if !IsUserFacing(ErrScheduleNotFound) {
		t.Error("ErrScheduleNotFound should be user facing")
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want RowErrorReason
	}{
		{&RowValidationError{Message: "bad"}, ReasonValidation},
		{&DuplicateRowError{RecordID: "1"}, ReasonDuplicate},
		{&AdapterFailure{Op: "update", Err: errors.New("x")}, ReasonAdapterFailure},
		{&MalformedRowError{Line: 2, Expected: 2, Got: 1}, ReasonValidation},
	}
	for _, tt := range tests {
		if got := reasonFor(tt.err); got != tt.want {
			t.Errorf("reasonFor(%T) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
