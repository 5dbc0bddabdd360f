package core

// error_messages.go maps engine errors to user-facing messages with support codes.
//
// Codes are grouped by category:
//
//	IMP001 - File could not be parsed          (StructuralParseError, ErrEmptyFile)
//	IMP002 - Row has the wrong number of fields (MalformedRowError)
//	IMP003 - Invalid duplicate strategy         (ErrInvalidStrategy)
//	MAP001 - Required fields are not mapped     (MissingRequiredFieldsError)
//	MAP002 - Mapping refers to an unknown field or header (MappingError)
//	VAL001 - Row failed validation              (RowValidationError)
//	VAL002 - Row duplicates an existing record  (DuplicateRowError)
//	JOB001 - Job not found                      (ErrJobNotFound, ErrExportNotFound)
//	JOB002 - Job is in the wrong state          (ErrInvalidTransition, ErrJobNotActive, ErrJobNotTerminal)
//	JOB003 - Rollback not allowed               (ErrRollbackNotAllowed)
//	JOB004 - Rollback already running           (ErrRollbackInProgress)
//	MOD001 - Unknown module                     (ErrUnknownModule)
//	MOD002 - Module storage unavailable         (ErrAdapterUnavailable, AdapterFailure)
//	EXP001 - Export file not ready              (ErrExportNotReady, ErrArtifactNotFound)
//	EXP002 - Unknown export column or filter    (ErrUnknownColumn, ErrInvalidFilter, ErrUnsupportedFormat)
//	SCH001 - Scheduled export not found         (ErrScheduleNotFound)
//	SCH002 - Invalid schedule definition        (ErrInvalidSchedule, ErrInvalidRecipient, ErrInvalidScheduledName)
//	SYS001 - Database connection problem        ("connection refused", "connection reset")
//	SYS002 - Operation timed out                ("timeout", context deadline)
//	SYS003 - Server shutting down               (ErrShuttingDown)
//	ERR000 - Anything else; check the logs for the technical error

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorMatcher pairs a predicate with the message it selects.
type errorMatcher struct {
	match func(error) bool
	msg   UserMessage
}

func matchIs(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func matchAs[T error]() func(error) bool {
	return func(err error) bool {
		var t T
		return errors.As(err, &t)
	}
}

func matchText(patterns ...string) func(error) bool {
	return func(err error) bool {
		s := strings.ToLower(err.Error())
		for _, p := range patterns {
			if strings.Contains(s, p) {
				return true
			}
		}
		return false
	}
}

// errorMatchers is evaluated in order; the first match wins.
var errorMatchers = []errorMatcher{
	{matchAs[*StructuralParseError](), UserMessage{"The file could not be read as CSV", "Check quoting and save the file as UTF-8 CSV", "IMP001"}},
	{matchIs(ErrEmptyFile), UserMessage{"The file is empty or has no header row", "Add a header row naming each column", "IMP001"}},
	{matchAs[*MalformedRowError](), UserMessage{"A row has the wrong number of columns", "Check for stray commas or unclosed quotes", "IMP002"}},
	{matchIs(ErrInvalidStrategy), UserMessage{"Unknown duplicate handling option", "Use skip, update or error", "IMP003"}},
	{matchAs[*MissingRequiredFieldsError](), UserMessage{"Some required fields are not mapped to a column", "Map every required field before starting the import", "MAP001"}},
	{matchAs[*MappingError](), UserMessage{"The column mapping is not valid", "Review the mapping against the file headers", "MAP002"}},
	{matchAs[*RowValidationError](), UserMessage{"A row failed validation", "Download the failed rows, correct them and re-import", "VAL001"}},
	{matchAs[*DuplicateRowError](), UserMessage{"A row matches an existing record", "Choose skip or update, or remove the row", "VAL002"}},
	{matchIs(ErrJobNotFound), UserMessage{"Import job not found", "Check the job id", "JOB001"}},
	{matchIs(ErrExportNotFound), UserMessage{"Export job not found", "Check the job id", "JOB001"}},
	{matchIs(ErrInvalidTransition), UserMessage{"The job cannot change to that state", "Refresh the job status", "JOB002"}},
	{matchIs(ErrJobNotActive), UserMessage{"The job is not running", "Refresh the job status", "JOB002"}},
	{matchIs(ErrJobNotTerminal), UserMessage{"The job has not finished yet", "Wait for the job to finish", "JOB002"}},
	{matchIs(ErrRollbackNotAllowed), UserMessage{"Only finished imports can be rolled back", "Wait for the import to finish or cancel it first", "JOB003"}},
	{matchIs(ErrRollbackInProgress), UserMessage{"A rollback of this import is already running", "Wait for it to finish", "JOB004"}},
	{matchIs(ErrUnknownModule), UserMessage{"Unknown module", "Choose one of the listed modules", "MOD001"}},
	{matchIs(ErrAdapterUnavailable), UserMessage{"The module's storage is unavailable", "Please try again in a few moments", "MOD002"}},
	{matchAs[*AdapterFailure](), UserMessage{"The module rejected the record", "Check the row values and try again", "MOD002"}},
	{matchIs(ErrExportNotReady), UserMessage{"The export file is not available", "Wait for the export to complete", "EXP001"}},
	{matchIs(ErrArtifactNotFound), UserMessage{"The export file no longer exists", "Run the export again", "EXP001"}},
	{matchIs(ErrUnknownColumn), UserMessage{"Unknown export column", "Choose columns from the module's field list", "EXP002"}},
	{matchIs(ErrInvalidFilter), UserMessage{"Invalid export filter", "Check filter fields and operators", "EXP002"}},
	{matchIs(ErrUnsupportedFormat), UserMessage{"Unsupported export format", "Use csv", "EXP002"}},
	{matchIs(ErrScheduleNotFound), UserMessage{"Scheduled export not found", "Check the schedule id", "SCH001"}},
	{matchIs(ErrInvalidSchedule), UserMessage{"The schedule is not valid", "Use daily, weekly, monthly or a 5-field cron expression", "SCH002"}},
	{matchIs(ErrInvalidRecipient), UserMessage{"A recipient address is not valid", "Check the recipient list", "SCH002"}},
	{matchIs(ErrInvalidScheduledName), UserMessage{"The scheduled export needs a name", "Provide a name", "SCH002"}},
	{matchIs(ErrShuttingDown), UserMessage{"The server is restarting", "Please try again in a few moments", "SYS003"}},
	{matchIs(context.DeadlineExceeded), UserMessage{"The operation timed out", "Try a smaller file or try again later", "SYS002"}},
	{matchText("connection refused", "connection reset"), UserMessage{"Unable to reach the database", "Please try again in a few moments", "SYS001"}},
	{matchText("timeout"), UserMessage{"The operation timed out", "Try a smaller file or try again later", "SYS002"}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
// Typed and sentinel errors are matched through wrapping; infrastructure
// failures are matched on their text. Unknown errors map to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, m := range errorMatchers {
		if m.match(err) {
			return m.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
