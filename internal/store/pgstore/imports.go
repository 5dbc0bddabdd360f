package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const importColumns = `id::text, module, file_name, status, total_rows, processed_rows,
	success_rows, skipped_rows, error_rows, duplicate_strategy, column_mapping, params,
	last_error, rolled_back_at, created_at, updated_at, created_by`

func scanImport(row rowScanner) (*core.ImportJob, error) {
	var job core.ImportJob
	var mapping, params []byte
	if err := row.Scan(
		&job.ID, &job.Module, &job.FileName, &job.Status, &job.TotalRows, &job.ProcessedRows,
		&job.SuccessRows, &job.SkippedRows, &job.ErrorRows, &job.DuplicateStrategy, &mapping, &params,
		&job.LastError, &job.RolledBackAt, &job.CreatedAt, &job.UpdatedAt, &job.CreatedBy,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(mapping, &job.ColumnMapping); err != nil {
		return nil, fmt.Errorf("decode column mapping: %w", err)
	}
	if err := unmarshalJSON(params, &job.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &job, nil
}

func (s *Store) CreateImportJob(ctx context.Context, job *core.ImportJob) error {
	mapping, err := marshalJSON(job.ColumnMapping, "[]")
	if err != nil {
		return fmt.Errorf("encode column mapping: %w", err)
	}
	params, err := marshalJSON(job.Params, "{}")
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_jobs (id, module, file_name, status, total_rows, processed_rows,
			success_rows, skipped_rows, error_rows, duplicate_strategy, column_mapping, params,
			last_error, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, job.ID, job.Module, job.FileName, job.Status, job.TotalRows, job.ProcessedRows,
		job.SuccessRows, job.SkippedRows, job.ErrorRows, job.DuplicateStrategy, mapping, params,
		job.LastError, job.CreatedAt, job.UpdatedAt, job.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}
	return nil
}

// UpdateImportJob writes status, counters and mapping. rolled_back_at is only
// set by MarkImportRolledBack.
func (s *Store) UpdateImportJob(ctx context.Context, job *core.ImportJob) error {
	if !validID(job.ID) {
		return core.ErrJobNotFound
	}
	mapping, err := marshalJSON(job.ColumnMapping, "[]")
	if err != nil {
		return fmt.Errorf("encode column mapping: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET status = $2, total_rows = $3, processed_rows = $4, success_rows = $5,
			skipped_rows = $6, error_rows = $7, column_mapping = $8, last_error = $9,
			updated_at = $10
		WHERE id = $1
	`, job.ID, job.Status, job.TotalRows, job.ProcessedRows, job.SuccessRows,
		job.SkippedRows, job.ErrorRows, mapping, job.LastError, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Store) GetImportJob(ctx context.Context, id string) (*core.ImportJob, error) {
	if !validID(id) {
		return nil, core.ErrJobNotFound
	}
	job, err := scanImport(s.pool.QueryRow(ctx, `SELECT `+importColumns+` FROM import_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, core.ErrJobNotFound)
	}
	return job, nil
}

// ListImportJobs returns matching jobs newest first.
func (s *Store) ListImportJobs(ctx context.Context, filter core.ImportFilter) ([]core.ImportJob, error) {
	var conds []string
	var args []any
	if filter.Module != "" {
		args = append(args, filter.Module)
		conds = append(conds, fmt.Sprintf("module = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + importColumns + ` FROM import_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]core.ImportJob, 0)
	for rows.Next() {
		job, err := scanImport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteImportJob removes the job. Row errors and audit entries cascade.
func (s *Store) DeleteImportJob(ctx context.Context, id string) error {
	if !validID(id) {
		return core.ErrJobNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// ===== Row errors =====

func (s *Store) InsertRowError(ctx context.Context, rowErr core.RowError) error {
	raw, err := marshalJSON(rowErr.RawValues, "[]")
	if err != nil {
		return fmt.Errorf("encode raw values: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_row_errors (job_id, row_number, raw_values, reason, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rowErr.JobID, rowErr.RowNumber, raw, rowErr.Reason, rowErr.Message, rowErr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert row error: %w", err)
	}
	return nil
}

// ListRowErrors returns one page ordered by row number and the total count.
func (s *Store) ListRowErrors(ctx context.Context, jobID string, page core.Page) ([]core.RowError, int, error) {
	if !validID(jobID) {
		return nil, 0, core.ErrJobNotFound
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM import_row_errors WHERE job_id = $1`, jobID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count row errors: %w", err)
	}

	query := `
		SELECT job_id::text, row_number, raw_values, reason, message, created_at
		FROM import_row_errors WHERE job_id = $1 ORDER BY row_number`
	args := []any{jobID}
	if page.Size > 0 {
		query += " LIMIT $2 OFFSET $3"
		args = append(args, page.Size, page.Offset())
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list row errors: %w", err)
	}
	defer rows.Close()

	out := make([]core.RowError, 0)
	for rows.Next() {
		var e core.RowError
		var raw []byte
		if err := rows.Scan(&e.JobID, &e.RowNumber, &raw, &e.Reason, &e.Message, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan row error: %w", err)
		}
		if err := unmarshalJSON(raw, &e.RawValues); err != nil {
			return nil, 0, fmt.Errorf("decode raw values: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ===== Audit trail =====

// AppendAuditEntry inserts entry and sets entry.Seq from the identity column.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *core.AuditEntry) error {
	var snapshot []byte
	if entry.PreviousSnapshot != nil {
		var err error
		if snapshot, err = marshalJSON(entry.PreviousSnapshot, "{}"); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO import_audit_entries (job_id, row_number, operation, record_id, previous_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`, entry.JobID, entry.RowNumber, entry.Operation, entry.RecordID, snapshot, entry.CreatedAt).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns a job's entries in append order.
func (s *Store) ListAuditEntries(ctx context.Context, jobID string) ([]core.AuditEntry, error) {
	if !validID(jobID) {
		return nil, core.ErrJobNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id::text, seq, row_number, operation, record_id, previous_snapshot, reverted_at, created_at
		FROM import_audit_entries WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.AuditEntry, error) {
		var e core.AuditEntry
		var snapshot []byte
		if err := row.Scan(&e.JobID, &e.Seq, &e.RowNumber, &e.Operation, &e.RecordID, &snapshot, &e.RevertedAt, &e.CreatedAt); err != nil {
			return e, err
		}
		if snapshot != nil {
			e.PreviousSnapshot = core.CanonicalRow{}
			if err := unmarshalJSON(snapshot, &e.PreviousSnapshot); err != nil {
				return e, fmt.Errorf("decode snapshot: %w", err)
			}
		}
		return e, nil
	})
}

func (s *Store) MarkAuditEntryReverted(ctx context.Context, jobID string, seq int64, at time.Time) error {
	if !validID(jobID) {
		return core.ErrJobNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_audit_entries SET reverted_at = $3 WHERE job_id = $1 AND seq = $2`,
		jobID, seq, at)
	if err != nil {
		return fmt.Errorf("mark audit entry reverted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Store) MarkImportRolledBack(ctx context.Context, jobID string, at time.Time) error {
	if !validID(jobID) {
		return core.ErrJobNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET rolled_back_at = $2, updated_at = $2 WHERE id = $1`,
		jobID, at)
	if err != nil {
		return fmt.Errorf("mark import rolled back: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}
