package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownModule        = errors.New("unknown module")
	ErrJobNotFound          = errors.New("import job not found")
	ErrExportNotFound       = errors.New("export job not found")
	ErrScheduleNotFound     = errors.New("scheduled export not found")
	ErrInvalidTransition    = errors.New("invalid job state transition")
	ErrJobNotActive         = errors.New("job is not running")
	ErrJobNotTerminal       = errors.New("job has not finished")
	ErrRollbackNotAllowed   = errors.New("rollback is only allowed for finished jobs")
	ErrRollbackInProgress   = errors.New("rollback already in progress for this job")
	ErrExportNotReady       = errors.New("export artifact is not available")
	ErrRecordNotFound       = errors.New("record not found")
	ErrAdapterUnavailable   = errors.New("module adapter unavailable")
	ErrEmptyFile            = errors.New("file has no header row")
	ErrInvalidStrategy      = errors.New("invalid duplicate strategy")
	ErrInvalidSchedule      = errors.New("invalid schedule")
	ErrInvalidRecipient     = errors.New("invalid recipient address")
	ErrUnknownColumn        = errors.New("unknown column")
	ErrInvalidFilter        = errors.New("invalid filter")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
	ErrShuttingDown         = errors.New("engine is shutting down")
	ErrArtifactNotFound     = errors.New("artifact not found")
	ErrInvalidScheduledName = errors.New("scheduled export name is required")
)

// StructuralParseError means the file cannot be tokenized at all. It is job-fatal.
type StructuralParseError struct {
	Line int
	Err  error
}

func (e *StructuralParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed CSV at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("malformed CSV: %v", e.Err)
}

func (e *StructuralParseError) Unwrap() error { return e.Err }

// MalformedRowError means one row has the wrong number of fields.
type MalformedRowError struct {
	Line     int
	Expected int
	Got      int
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row at line %d: expected %d fields, got %d", e.Line, e.Expected, e.Got)
}

// MappingError is a pre-flight failure binding headers to canonical keys.
type MappingError struct {
	Key    string
	Header string
	Reason string
}

func (e *MappingError) Error() string {
	switch {
	case e.Header != "" && e.Key != "":
		return fmt.Sprintf("mapping for %q: header %q %s", e.Key, e.Header, e.Reason)
	case e.Key != "":
		return fmt.Sprintf("mapping for %q: %s", e.Key, e.Reason)
	default:
		return "mapping: " + e.Reason
	}
}

// MissingRequiredFieldsError lists required canonical keys with no source column.
type MissingRequiredFieldsError struct {
	Keys []string
}

func (e *MissingRequiredFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Keys, ", ")
}

// RowValidationError is a row-scoped validation failure.
type RowValidationError struct {
	Field   string
	Message string
}

func (e *RowValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DuplicateRowError is recorded when a row matches an existing record under strategy=error.
type DuplicateRowError struct {
	RecordID string
}

func (e *DuplicateRowError) Error() string {
	return fmt.Sprintf("duplicate of existing record %s", e.RecordID)
}

// AdapterFailure wraps an adapter error raised while applying one row.
type AdapterFailure struct {
	Op  string
	Err error
}

func (e *AdapterFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AdapterFailure) Unwrap() error { return e.Err }

// CompensationError is one audit entry that rollback could not revert.
type CompensationError struct {
	Seq       int64          `json:"seq"`
	RowNumber int            `json:"rowNumber"`
	RecordID  string         `json:"recordId"`
	Operation AuditOperation `json:"operation"`
	Message   string         `json:"message"`
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("revert %s of record %s (row %d): %s", e.Operation, e.RecordID, e.RowNumber, e.Message)
}

// ScheduleExecutionError is a run-scoped failure of a scheduled export.
type ScheduleExecutionError struct {
	ScheduleID string
	Err        error
}

func (e *ScheduleExecutionError) Error() string {
	return fmt.Sprintf("scheduled export %s: %v", e.ScheduleID, e.Err)
}

func (e *ScheduleExecutionError) Unwrap() error { return e.Err }

// reasonFor classifies a row-scoped error for RowError.Reason.
func reasonFor(err error) RowErrorReason {
	var dup *DuplicateRowError
	var fail *AdapterFailure
	switch {
	case errors.As(err, &dup):
		return ReasonDuplicate
	case errors.As(err, &fail):
		return ReasonAdapterFailure
	default:
		return ReasonValidation
	}
}
