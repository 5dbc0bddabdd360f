package core

// export.go streams records matching a filter set into a CSV artifact.
//
// Unlike imports, an export is all-or-nothing: rows are written to a temp
// file and only handed to the artifact store once the query has been fully
// consumed. A failed export leaves no artifact behind.

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/telemetry"
	"github.com/google/uuid"
)

// ExportRequest describes one export. Empty Columns exports every field in
// declaration order.
type ExportRequest struct {
	Module    string
	Filters   []Filter
	Columns   []string
	Params    Params
	CreatedBy string
}

var filterOperators = []FilterOperator{
	OpEquals, OpNotEquals, OpContains, OpStartsWith, OpIn, OpGreater, OpLess, OpEmpty, OpNotEmpty,
}

// Valid reports whether op is a known operator.
func (op FilterOperator) Valid() bool {
	return slices.Contains(filterOperators, op)
}

// resolveExport checks module, columns and filters and returns the adapter
// together with the effective column list.
func (s *Service) resolveExport(module string, columns []string, filters []Filter) (Adapter, []string, error) {
	adapter, err := s.registry.Lookup(module)
	if err != nil {
		return nil, nil, err
	}

	known := fieldKeys(adapter.Fields())
	if len(columns) == 0 {
		columns = known
	}
	for _, c := range columns {
		if !slices.Contains(known, c) {
			return nil, nil, fmt.Errorf("%w: %q is not a field of %s", ErrUnknownColumn, c, module)
		}
	}

	for _, f := range filters {
		if !slices.Contains(known, f.Field) {
			return nil, nil, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, f.Field)
		}
		if !f.Operator.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Operator)
		}
		if f.Operator == OpIn && len(f.Values) == 0 {
			return nil, nil, fmt.Errorf("%w: %q needs values", ErrInvalidFilter, f.Field)
		}
	}
	return adapter, slices.Clone(columns), nil
}

func (s *Service) createExportJob(ctx context.Context, req ExportRequest) (*ExportJob, Adapter, error) {
	adapter, columns, err := s.resolveExport(req.Module, req.Columns, req.Filters)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	job := &ExportJob{
		ID:        uuid.NewString(),
		Module:    req.Module,
		Filters:   slices.Clone(req.Filters),
		Columns:   columns,
		Params:    req.Params,
		Status:    ExportPending,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actorOr(ctx, req.CreatedBy),
	}
	if job.Filters == nil {
		job.Filters = []Filter{}
	}
	if err := s.store.CreateExportJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("create export job: %w", err)
	}
	slog.Info("export job created", "export_id", job.ID, "module", job.Module, "columns", len(columns))
	return job, adapter, nil
}

// StartExport creates a PENDING export and runs it in the background.
func (s *Service) StartExport(ctx context.Context, req ExportRequest) (*ExportJob, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	job, adapter, err := s.createExportJob(ctx, req)
	if err != nil {
		return nil, err
	}

	queued := *job
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.executeExport(s.baseCtx, &queued, adapter); err != nil {
			slog.Warn("export failed", "export_id", queued.ID, "error", err)
		}
	}()
	return job, nil
}

// RunExport creates an export and waits for it to finish. The returned job is
// non-nil whenever one was created; the error is non-nil when it FAILED.
func (s *Service) RunExport(ctx context.Context, req ExportRequest) (*ExportJob, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	job, adapter, err := s.createExportJob(ctx, req)
	if err != nil {
		return nil, err
	}
	err = s.executeExport(ctx, job, adapter)
	return job, err
}

// GetExportJob returns an export job by id.
func (s *Service) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	return s.store.GetExportJob(ctx, id)
}

// OpenExport returns the artifact of a completed export. The caller closes it.
func (s *Service) OpenExport(ctx context.Context, id string) (io.ReadCloser, *ExportJob, error) {
	job, err := s.store.GetExportJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != ExportCompleted || job.ArtifactKey == "" {
		return nil, job, ErrExportNotReady
	}
	rc, err := s.artifacts.Open(ctx, job.ArtifactKey)
	if err != nil {
		return nil, job, fmt.Errorf("open export artifact: %w", err)
	}
	return rc, job, nil
}

// exportFileName builds "{module}_export_{YYYYMMDD_HHMMSS}.csv".
func exportFileName(module string, at time.Time) string {
	return fmt.Sprintf("%s_export_%s.csv", module, at.Format("20060102_150405"))
}

// executeExport drives job from PENDING to COMPLETED or FAILED and persists
// every transition. job is updated in place.
func (s *Service) executeExport(ctx context.Context, job *ExportJob, adapter Adapter) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return s.failExport(job, fmt.Errorf("waiting for job slot: %w", err))
	}
	defer s.limiter.Release()

	telemetry.RunningJobs.WithLabelValues("export").Inc()
	defer telemetry.RunningJobs.WithLabelValues("export").Dec()

	ctx, cancel := context.WithTimeout(ctx, s.opts.ExportTimeout)
	defer cancel()

	job.Status = ExportProcessing
	job.UpdatedAt = s.now()
	if err := s.store.UpdateExportJob(ctx, job); err != nil {
		return s.failExport(job, fmt.Errorf("start export: %w", err))
	}

	start := time.Now()
	rows, size, tmp, err := s.writeExportFile(ctx, job, adapter)
	if tmp != nil {
		defer func() {
			tmp.Close()
			os.Remove(tmp.Name())
		}()
	}
	if err != nil {
		return s.failExport(job, err)
	}

	fileName := exportFileName(job.Module, s.now())
	key := job.ID + "/" + fileName
	if err := s.artifacts.Put(ctx, key, tmp, size); err != nil {
		return s.failExport(job, fmt.Errorf("store artifact: %w", err))
	}

	job.Status = ExportCompleted
	job.TotalRows = rows
	job.FileName = fileName
	job.ArtifactKey = key
	job.LastError = ""
	job.UpdatedAt = s.now()

	pctx, pcancel := s.persistCtx()
	defer pcancel()
	if err := s.store.UpdateExportJob(pctx, job); err != nil {
		// The job record is the only way to reach the artifact.
		if derr := s.artifacts.Delete(pctx, key); derr != nil {
			slog.Error("failed to delete orphaned artifact", "export_id", job.ID, "key", key, "error", derr)
		}
		return s.failExport(job, fmt.Errorf("complete export: %w", err))
	}

	telemetry.ExportJobs.WithLabelValues(job.Module, string(ExportCompleted)).Inc()
	telemetry.ExportRows.WithLabelValues(job.Module).Add(float64(rows))
	slog.Info("export completed",
		"export_id", job.ID,
		"module", job.Module,
		"rows", rows,
		"bytes", size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// writeExportFile streams the query into a temp file and rewinds it.
// The returned file, when non-nil, must be closed and removed by the caller.
func (s *Service) writeExportFile(ctx context.Context, job *ExportJob, adapter Adapter) (int, int64, *os.File, error) {
	tmp, err := os.CreateTemp(s.opts.TempDir, "export-*.csv")
	if err != nil {
		return 0, 0, nil, fmt.Errorf("create temp file: %w", err)
	}

	w, err := NewCSVWriter(tmp, job.Columns)
	if err != nil {
		return 0, 0, tmp, fmt.Errorf("write header: %w", err)
	}

	for record, err := range adapter.Query(ctx, job.Filters, job.Params) {
		if err != nil {
			return 0, 0, tmp, fmt.Errorf("query %s: %w", job.Module, err)
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, tmp, fmt.Errorf("export interrupted: %w", err)
		}
		values, err := adapter.SerializeRow(record, job.Columns)
		if err != nil {
			return 0, 0, tmp, fmt.Errorf("serialize row %d: %w", w.Rows()+1, err)
		}
		if err := w.Write(values); err != nil {
			return 0, 0, tmp, fmt.Errorf("write row %d: %w", w.Rows()+1, err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, 0, tmp, fmt.Errorf("flush export: %w", err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, tmp, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, 0, tmp, err
	}
	return w.Rows(), size, tmp, nil
}

// failExport marks job FAILED and returns cause.
func (s *Service) failExport(job *ExportJob, cause error) error {
	job.Status = ExportFailed
	job.TotalRows = 0
	job.FileName = ""
	job.ArtifactKey = ""
	job.LastError = cause.Error()
	job.UpdatedAt = s.now()

	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.store.UpdateExportJob(ctx, job); err != nil {
		slog.Error("failed to persist export job", "export_id", job.ID, "error", err)
	}
	telemetry.ExportJobs.WithLabelValues(job.Module, string(ExportFailed)).Inc()
	return cause
}
