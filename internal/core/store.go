package core

import (
	"context"
	"io"
	"time"
)

// ImportStore persists import jobs, their row errors and their audit trail.
//
// AppendAuditEntry assigns Seq in append order. ListAuditEntries returns
// entries in ascending Seq. Get methods return ErrJobNotFound for unknown ids.
type ImportStore interface {
	CreateImportJob(ctx context.Context, job *ImportJob) error
	UpdateImportJob(ctx context.Context, job *ImportJob) error
	GetImportJob(ctx context.Context, id string) (*ImportJob, error)
	ListImportJobs(ctx context.Context, filter ImportFilter) ([]ImportJob, error)
	DeleteImportJob(ctx context.Context, id string) error

	InsertRowError(ctx context.Context, rowErr RowError) error
	ListRowErrors(ctx context.Context, jobID string, page Page) ([]RowError, int, error)

	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, jobID string) ([]AuditEntry, error)
	MarkAuditEntryReverted(ctx context.Context, jobID string, seq int64, at time.Time) error
	MarkImportRolledBack(ctx context.Context, jobID string, at time.Time) error
}

// ExportStore persists export jobs. GetExportJob returns ErrExportNotFound.
type ExportStore interface {
	CreateExportJob(ctx context.Context, job *ExportJob) error
	UpdateExportJob(ctx context.Context, job *ExportJob) error
	GetExportJob(ctx context.Context, id string) (*ExportJob, error)
	ListExportJobs(ctx context.Context, statuses ...ExportStatus) ([]ExportJob, error)
}

// ScheduleStore persists scheduled exports and their run history.
// GetScheduledExport returns ErrScheduleNotFound.
type ScheduleStore interface {
	CreateScheduledExport(ctx context.Context, s *ScheduledExport) error
	UpdateScheduledExport(ctx context.Context, s *ScheduledExport) error
	GetScheduledExport(ctx context.Context, id string) (*ScheduledExport, error)
	ListScheduledExports(ctx context.Context, activeOnly bool) ([]ScheduledExport, error)
	ListDueScheduledExports(ctx context.Context, now time.Time) ([]ScheduledExport, error)
	DeleteScheduledExport(ctx context.Context, id string) error

	AppendScheduledExportRun(ctx context.Context, run *ScheduledExportRun) error
	ListScheduledExportRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduledExportRun, error)
	CountScheduledExportRuns(ctx context.Context, scheduleID string) (int, error)
}

// Store is every persistence port the engine needs.
type Store interface {
	ImportStore
	ExportStore
	ScheduleStore
}

// ArtifactStore keeps finished export files. Put must be all-or-nothing:
// a failed Put leaves no object behind under key.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Attachment is a file sent with a delivery.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is one outbound delivery.
type Message struct {
	Recipients  []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer delivers messages to recipients.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Locker guards work that must not run twice at once, across processes.
// TryLock returns ok=false without error when the lock is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
