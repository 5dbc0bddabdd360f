package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

const scheduleColumns = `id::text, name, module, filters, columns, params, schedule, recipients,
	format, is_active, next_run_at, last_run_at, created_at, updated_at, created_by`

func scanSchedule(row rowScanner) (*core.ScheduledExport, error) {
	var sched core.ScheduledExport
	var filters, columns, params, recipients []byte
	if err := row.Scan(
		&sched.ID, &sched.Name, &sched.Module, &filters, &columns, &params, &sched.Schedule, &recipients,
		&sched.Format, &sched.IsActive, &sched.NextRunAt, &sched.LastRunAt, &sched.CreatedAt, &sched.UpdatedAt, &sched.CreatedBy,
	); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		data []byte
		dst  any
		name string
	}{
		{filters, &sched.Filters, "filters"},
		{columns, &sched.Columns, "columns"},
		{params, &sched.Params, "params"},
		{recipients, &sched.Recipients, "recipients"},
	} {
		if err := unmarshalJSON(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	return &sched, nil
}

// scheduleArgs encodes the JSON columns of sched in table order.
func scheduleArgs(sched *core.ScheduledExport) (filters, columns, params, recipients []byte, err error) {
	if filters, err = marshalJSON(sched.Filters, "[]"); err != nil {
		return
	}
	if columns, err = marshalJSON(sched.Columns, "[]"); err != nil {
		return
	}
	if params, err = marshalJSON(sched.Params, "{}"); err != nil {
		return
	}
	recipients, err = marshalJSON(sched.Recipients, "[]")
	return
}

func (s *Store) CreateScheduledExport(ctx context.Context, sched *core.ScheduledExport) error {
	filters, columns, params, recipients, err := scheduleArgs(sched)
	if err != nil {
		return fmt.Errorf("encode scheduled export: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_exports (id, name, module, filters, columns, params, schedule, recipients,
			format, is_active, next_run_at, last_run_at, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sched.ID, sched.Name, sched.Module, filters, columns, params, sched.Schedule, recipients,
		sched.Format, sched.IsActive, sched.NextRunAt, sched.LastRunAt, sched.CreatedAt, sched.UpdatedAt, sched.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert scheduled export: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduledExport(ctx context.Context, sched *core.ScheduledExport) error {
	if !validID(sched.ID) {
		return core.ErrScheduleNotFound
	}
	filters, columns, params, recipients, err := scheduleArgs(sched)
	if err != nil {
		return fmt.Errorf("encode scheduled export: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_exports
		SET name = $2, module = $3, filters = $4, columns = $5, params = $6, schedule = $7,
			recipients = $8, format = $9, is_active = $10, next_run_at = $11, last_run_at = $12,
			updated_at = $13
		WHERE id = $1
	`, sched.ID, sched.Name, sched.Module, filters, columns, params, sched.Schedule,
		recipients, sched.Format, sched.IsActive, sched.NextRunAt, sched.LastRunAt, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update scheduled export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) GetScheduledExport(ctx context.Context, id string) (*core.ScheduledExport, error) {
	if !validID(id) {
		return nil, core.ErrScheduleNotFound
	}
	sched, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_exports WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, core.ErrScheduleNotFound)
	}
	return sched, nil
}

func (s *Store) ListScheduledExports(ctx context.Context, activeOnly bool) ([]core.ScheduledExport, error) {
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_exports`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name, id`
	return s.listSchedules(ctx, query)
}

// ListDueScheduledExports returns active schedules with next_run_at <= now,
// earliest first.
func (s *Store) ListDueScheduledExports(ctx context.Context, now time.Time) ([]core.ScheduledExport, error) {
	return s.listSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_exports
		WHERE is_active AND next_run_at <= $1
		ORDER BY next_run_at, id`, now)
}

func (s *Store) listSchedules(ctx context.Context, query string, args ...any) ([]core.ScheduledExport, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled exports: %w", err)
	}
	defer rows.Close()

	out := make([]core.ScheduledExport, 0)
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled export: %w", err)
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// DeleteScheduledExport removes a schedule. Its runs cascade.
func (s *Store) DeleteScheduledExport(ctx context.Context, id string) error {
	if !validID(id) {
		return core.ErrScheduleNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_exports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled export: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrScheduleNotFound
	}
	return nil
}

// ===== Runs =====

func (s *Store) AppendScheduledExportRun(ctx context.Context, run *core.ScheduledExportRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_export_runs (id, scheduled_export_id, export_job_id, status,
			error_message, delivery_error, triggered_at, created_at)
		VALUES ($1, $2, NULLIF($3::text, '')::uuid, $4, $5, $6, $7, $8)
	`, run.ID, run.ScheduledExportID, run.ExportJobID, run.Status,
		run.ErrorMessage, run.DeliveryError, run.TriggeredAt, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled export run: %w", err)
	}
	return nil
}

// ListScheduledExportRuns returns the newest runs first.
func (s *Store) ListScheduledExportRuns(ctx context.Context, scheduleID string, limit int) ([]core.ScheduledExportRun, error) {
	if !validID(scheduleID) {
		return nil, core.ErrScheduleNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, scheduled_export_id::text, COALESCE(export_job_id::text, ''), status,
			error_message, delivery_error, triggered_at, created_at
		FROM scheduled_export_runs
		WHERE scheduled_export_id = $1
		ORDER BY triggered_at DESC, created_at DESC
		LIMIT $2
	`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled export runs: %w", err)
	}
	defer rows.Close()

	out := make([]core.ScheduledExportRun, 0)
	for rows.Next() {
		var r core.ScheduledExportRun
		if err := rows.Scan(&r.ID, &r.ScheduledExportID, &r.ExportJobID, &r.Status,
			&r.ErrorMessage, &r.DeliveryError, &r.TriggeredAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled export run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountScheduledExportRuns(ctx context.Context, scheduleID string) (int, error) {
	if !validID(scheduleID) {
		return 0, core.ErrScheduleNotFound
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM scheduled_export_runs WHERE scheduled_export_id = $1`, scheduleID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scheduled export runs: %w", err)
	}
	return n, nil
}
