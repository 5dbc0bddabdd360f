package pgstore

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

const exportColumns = `id::text, module, filters, columns, params, status, total_rows,
	file_name, artifact_key, last_error, created_at, updated_at, created_by`

func scanExport(row rowScanner) (*core.ExportJob, error) {
	var job core.ExportJob
	var filters, columns, params []byte
	if err := row.Scan(
		&job.ID, &job.Module, &filters, &columns, &params, &job.Status, &job.TotalRows,
		&job.FileName, &job.ArtifactKey, &job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.CreatedBy,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(filters, &job.Filters); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	if err := unmarshalJSON(columns, &job.Columns); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	if err := unmarshalJSON(params, &job.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &job, nil
}

func (s *Store) CreateExportJob(ctx context.Context, job *core.ExportJob) error {
	filters, err := marshalJSON(job.Filters, "[]")
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	columns, err := marshalJSON(job.Columns, "[]")
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}
	params, err := marshalJSON(job.Params, "{}")
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, module, filters, columns, params, status, total_rows,
			file_name, artifact_key, last_error, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, job.ID, job.Module, filters, columns, params, job.Status, job.TotalRows,
		job.FileName, job.ArtifactKey, job.LastError, job.CreatedAt, job.UpdatedAt, job.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

func (s *Store) UpdateExportJob(ctx context.Context, job *core.ExportJob) error {
	if !validID(job.ID) {
		return core.ErrExportNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, total_rows = $3, file_name = $4, artifact_key = $5,
			last_error = $6, updated_at = $7
		WHERE id = $1
	`, job.ID, job.Status, job.TotalRows, job.FileName, job.ArtifactKey, job.LastError, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrExportNotFound
	}
	return nil
}

func (s *Store) GetExportJob(ctx context.Context, id string) (*core.ExportJob, error) {
	if !validID(id) {
		return nil, core.ErrExportNotFound
	}
	job, err := scanExport(s.pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM export_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, core.ErrExportNotFound)
	}
	return job, nil
}

// ListExportJobs returns export jobs newest first, optionally by status.
func (s *Store) ListExportJobs(ctx context.Context, statuses ...core.ExportStatus) ([]core.ExportJob, error) {
	query := `SELECT ` + exportColumns + ` FROM export_jobs`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]core.ExportJob, 0)
	for rows.Next() {
		job, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
