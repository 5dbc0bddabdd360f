package core

// rollback.go compensates a finished import by walking its audit trail
// backwards. Each entry is reverted independently: a failure is reported and
// the walk continues. Entries carry a revertedAt marker, so a second rollback
// only retries what failed the first time. Row errors are never touched.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/telemetry"
)

// RollbackReport summarizes one rollback invocation.
type RollbackReport struct {
	JobID             string              `json:"jobId"`
	Reverted          int                 `json:"reverted"`
	Failed            int                 `json:"failed"`
	Skipped           int                 `json:"skipped"`
	AlreadyReverted   int                 `json:"alreadyReverted"`
	Failures          []CompensationError `json:"failures"`
	AlreadyRolledBack bool                `json:"alreadyRolledBack"`
	RolledBackAt      *time.Time          `json:"rolledBackAt,omitempty"`
}

// Complete reports whether every entry of the job is now reverted.
func (r *RollbackReport) Complete() bool {
	return r.RolledBackAt != nil
}

// Rollback reverts every create and update an import applied, newest first.
// It is only accepted for jobs in a terminal state and never runs twice at
// once for the same job. Calling it on a fully rolled back job is a no-op.
func (s *Service) Rollback(ctx context.Context, jobID string) (*RollbackReport, error) {
	if s.activeImport(jobID) != nil {
		return nil, ErrRollbackNotAllowed
	}
	if !s.rollbacks.TryLock(jobID) {
		return nil, ErrRollbackInProgress
	}
	defer s.rollbacks.Unlock(jobID)

	job, err := s.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job is %s", ErrRollbackNotAllowed, job.Status)
	}

	report := &RollbackReport{JobID: jobID, Failures: []CompensationError{}}
	if job.RolledBackAt != nil {
		report.AlreadyRolledBack = true
		report.RolledBackAt = job.RolledBackAt
		return report, nil
	}

	adapter, err := s.registry.Lookup(job.Module)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListAuditEntries(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RollbackTimeout)
	defer cancel()

	logger := slog.With("job_id", jobID, "module", job.Module)
	logger.Info("rollback started", "entries", len(entries), "requested_by", ActorFromContext(ctx))
	start := time.Now()

	// A single compensation is never interrupted halfway.
	wctx := context.WithoutCancel(ctx)
	interrupted := false

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.RevertedAt != nil {
			report.AlreadyReverted++
			continue
		}
		if entry.Operation == AuditSkip {
			report.Skipped++
			continue
		}
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		if err := s.compensate(wctx, adapter, job.Params, entry); err != nil {
			if errors.Is(err, ErrAdapterUnavailable) {
				logger.Error("rollback aborted", "seq", entry.Seq, "error", err)
				interrupted = true
				report.Failed++
				report.Failures = append(report.Failures, compensationError(entry, err))
				telemetry.RollbackEntries.WithLabelValues("failed").Inc()
				break
			}
			logger.Warn("compensation failed",
				"seq", entry.Seq,
				"row", entry.RowNumber,
				"record_id", entry.RecordID,
				"operation", entry.Operation,
				"error", err,
			)
			report.Failed++
			report.Failures = append(report.Failures, compensationError(entry, err))
			telemetry.RollbackEntries.WithLabelValues("failed").Inc()
			continue
		}

		if err := s.store.MarkAuditEntryReverted(wctx, jobID, entry.Seq, s.now()); err != nil {
			return report, fmt.Errorf("mark audit entry %d reverted: %w", entry.Seq, err)
		}
		report.Reverted++
		telemetry.RollbackEntries.WithLabelValues("reverted").Inc()
	}

	if report.Failed == 0 && !interrupted {
		at := s.now()
		if err := s.store.MarkImportRolledBack(wctx, jobID, at); err != nil {
			return report, fmt.Errorf("mark import rolled back: %w", err)
		}
		report.RolledBackAt = &at
	}

	logger.Info("rollback finished",
		"reverted", report.Reverted,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"already_reverted", report.AlreadyReverted,
		"complete", report.Complete(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if interrupted && ctx.Err() != nil {
		return report, fmt.Errorf("rollback timed out after %s: %w", s.opts.RollbackTimeout, ctx.Err())
	}
	return report, nil
}

// compensate undoes one audit entry. Deleting a record that is already gone
// counts as success.
func (s *Service) compensate(ctx context.Context, adapter Adapter, params Params, entry AuditEntry) error {
	switch entry.Operation {
	case AuditCreate:
		err := adapter.DeleteRecord(ctx, entry.RecordID, params)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		return err
	case AuditUpdate:
		if entry.PreviousSnapshot == nil {
			return errors.New("audit entry has no previous snapshot")
		}
		_, err := adapter.UpdateRecord(ctx, entry.RecordID, entry.PreviousSnapshot.Clone(), params)
		return err
	default:
		return nil
	}
}

func compensationError(entry AuditEntry, err error) CompensationError {
	return CompensationError{
		Seq:       entry.Seq,
		RowNumber: entry.RowNumber,
		RecordID:  entry.RecordID,
		Operation: entry.Operation,
		Message:   err.Error(),
	}
}
