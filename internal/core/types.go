package core

import (
	"slices"
	"time"
)

// ImportStatus is a state of the import job state machine.
type ImportStatus string

const (
	ImportPending    ImportStatus = "PENDING"
	ImportValidating ImportStatus = "VALIDATING"
	ImportProcessing ImportStatus = "PROCESSING"
	ImportCompleted  ImportStatus = "COMPLETED"
	ImportFailed     ImportStatus = "FAILED"
	ImportCancelled  ImportStatus = "CANCELLED"
)

// importTransitions lists the legal next states for each import status.
var importTransitions = map[ImportStatus][]ImportStatus{
	ImportPending:    {ImportValidating, ImportFailed},
	ImportValidating: {ImportProcessing, ImportFailed, ImportCancelled},
	ImportProcessing: {ImportCompleted, ImportFailed, ImportCancelled},
}

// CanTransition reports whether an import job may move from s to next.
func (s ImportStatus) CanTransition(next ImportStatus) bool {
	return slices.Contains(importTransitions[s], next)
}

// Terminal reports whether no further transitions are possible.
func (s ImportStatus) Terminal() bool {
	return s == ImportCompleted || s == ImportFailed || s == ImportCancelled
}

// Active reports whether a job in this state is owned by a running worker.
func (s ImportStatus) Active() bool {
	return s == ImportValidating || s == ImportProcessing
}

// DuplicateStrategy selects how rows matching an existing natural key are treated.
type DuplicateStrategy string

const (
	DuplicateSkip   DuplicateStrategy = "skip"
	DuplicateUpdate DuplicateStrategy = "update"
	DuplicateError  DuplicateStrategy = "error"
)

// Valid reports whether d is a known strategy.
func (d DuplicateStrategy) Valid() bool {
	return d == DuplicateSkip || d == DuplicateUpdate || d == DuplicateError
}

// ColumnMapping binds one canonical key to the source header that supplies it.
// An empty SourceHeader leaves the key unmapped.
type ColumnMapping struct {
	CanonicalKey string `json:"canonicalKey"`
	SourceHeader string `json:"sourceHeader"`
	Required     bool   `json:"required"`
}

// Params carries opaque module-specific parameters such as a target project id.
type Params map[string]string

// ImportJob is the persisted record of one import.
type ImportJob struct {
	ID                string            `json:"id"`
	Module            string            `json:"module"`
	FileName          string            `json:"fileName"`
	Status            ImportStatus      `json:"status"`
	TotalRows         int               `json:"totalRows"`
	ProcessedRows     int               `json:"processedRows"`
	SuccessRows       int               `json:"successRows"`
	SkippedRows       int               `json:"skippedRows"`
	ErrorRows         int               `json:"errorRows"`
	DuplicateStrategy DuplicateStrategy `json:"duplicateStrategy"`
	ColumnMapping     []ColumnMapping   `json:"columnMapping"`
	Params            Params            `json:"context,omitempty"`
	LastError         string            `json:"lastError,omitempty"`
	RolledBackAt      *time.Time        `json:"rolledBackAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	CreatedBy         string            `json:"createdBy"`
}

// Percent returns processed rows as a percentage of total rows.
func (j ImportJob) Percent() float64 {
	if j.TotalRows == 0 {
		if j.Status.Terminal() {
			return 100
		}
		return 0
	}
	return float64(j.ProcessedRows) / float64(j.TotalRows) * 100
}

// RowErrorReason classifies a row-scoped failure.
type RowErrorReason string

const (
	ReasonValidation     RowErrorReason = "validation"
	ReasonDuplicate      RowErrorReason = "duplicate"
	ReasonAdapterFailure RowErrorReason = "adapter-failure"
)

// RowError records why one data row was not applied.
type RowError struct {
	JobID     string         `json:"jobId"`
	RowNumber int            `json:"rowNumber"`
	RawValues []string       `json:"rawValues"`
	Reason    RowErrorReason `json:"reason"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditOperation is the effect an import had on one row.
type AuditOperation string

const (
	AuditCreate AuditOperation = "create"
	AuditUpdate AuditOperation = "update"
	AuditSkip   AuditOperation = "skip"
)

// AuditEntry is a reversible record of one row's effect. Seq orders entries
// within a job and is assigned by the store on append.
type AuditEntry struct {
	JobID            string         `json:"jobId"`
	Seq              int64          `json:"seq"`
	RowNumber        int            `json:"rowNumber"`
	Operation        AuditOperation `json:"operation"`
	RecordID         string         `json:"recordId"`
	PreviousSnapshot CanonicalRow   `json:"previousSnapshot,omitempty"`
	RevertedAt       *time.Time     `json:"revertedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// ExportStatus is a state of an export job.
type ExportStatus string

const (
	ExportPending    ExportStatus = "PENDING"
	ExportProcessing ExportStatus = "PROCESSING"
	ExportCompleted  ExportStatus = "COMPLETED"
	ExportFailed     ExportStatus = "FAILED"
)

// ExportJob is the persisted record of one export.
type ExportJob struct {
	ID          string       `json:"id"`
	Module      string       `json:"module"`
	Filters     []Filter     `json:"filters"`
	Columns     []string     `json:"columns"`
	Params      Params       `json:"context,omitempty"`
	Status      ExportStatus `json:"status"`
	TotalRows   int          `json:"totalRows"`
	FileName    string       `json:"fileName,omitempty"`
	ArtifactKey string       `json:"-"`
	LastError   string       `json:"lastError,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CreatedBy   string       `json:"createdBy"`
}

// ExportFormat is the artifact format of a scheduled export. Only csv exists.
type ExportFormat string

const FormatCSV ExportFormat = "csv"

// ScheduledExport describes a recurring export and its recipients.
type ScheduledExport struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Module     string       `json:"module"`
	Filters    []Filter     `json:"filters"`
	Columns    []string     `json:"columns"`
	Params     Params       `json:"context,omitempty"`
	Schedule   string       `json:"schedule"`
	Recipients []string     `json:"recipients"`
	Format     ExportFormat `json:"format"`
	IsActive   bool         `json:"isActive"`
	NextRunAt  *time.Time   `json:"nextRunAt,omitempty"`
	LastRunAt  *time.Time   `json:"lastRunAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	CreatedBy  string       `json:"createdBy"`
}

// RunStatus is the outcome of one scheduled execution.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
)

// ScheduledExportRun is one append-only history entry of a schedule.
type ScheduledExportRun struct {
	ID                string    `json:"id"`
	ScheduledExportID string    `json:"scheduledExportId"`
	ExportJobID       string    `json:"exportJobId,omitempty"`
	Status            RunStatus `json:"status"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	DeliveryError     string    `json:"deliveryError,omitempty"`
	TriggeredAt       time.Time `json:"triggeredAt"`
	CreatedAt         time.Time `json:"createdAt"`
}

// FilterOperator is a comparison used in export filters.
type FilterOperator string

const (
	OpEquals     FilterOperator = "eq"
	OpNotEquals  FilterOperator = "neq"
	OpContains   FilterOperator = "contains"
	OpStartsWith FilterOperator = "starts_with"
	OpIn         FilterOperator = "in"
	OpGreater    FilterOperator = "gt"
	OpLess       FilterOperator = "lt"
	OpEmpty      FilterOperator = "empty"
	OpNotEmpty   FilterOperator = "not_empty"
)

// Filter is one predicate of a structured export query. Filters are ANDed.
type Filter struct {
	Field    string         `json:"field" yaml:"field"`
	Operator FilterOperator `json:"operator" yaml:"operator"`
	Value    string         `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string       `json:"values,omitempty" yaml:"values,omitempty"`
}

// Page selects a slice of a listing. Page numbers start at 1.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of items preceding the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Normalize applies defaults and an upper bound to the page size.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 50
	}
	if p.Size > 500 {
		p.Size = 500
	}
	return p
}

// ImportFilter narrows ListImportJobs.
type ImportFilter struct {
	Module   string
	Statuses []ImportStatus
	Limit    int
}
