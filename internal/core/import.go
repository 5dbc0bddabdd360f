package core

// import.go owns the import job lifecycle.
//
// A job is created PENDING and moved to VALIDATING as soon as its file and
// mapping are accepted. A worker then counts the rows (a structural parse
// error fails the job with nothing charged), moves it to PROCESSING and
// applies rows in file order. Row-scoped failures become RowErrors; only store
// failures, an unavailable adapter or a timeout abort the job.

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ImportRequest is everything needed to start an import.
// A nil Mapping uses SuggestMapping; an empty strategy means skip.
type ImportRequest struct {
	Module            string
	FileName          string
	Data              []byte
	Mapping           []ColumnMapping
	DuplicateStrategy DuplicateStrategy
	Params            Params
	CreatedBy         string
}

// PreviewResult describes a file before it is imported.
type PreviewResult struct {
	Module           string          `json:"module"`
	Headers          []string        `json:"headers"`
	RowCount         int             `json:"rowCount"`
	MalformedRows    int             `json:"malformedRows"`
	Fields           []Field         `json:"fields"`
	SuggestedMapping []ColumnMapping `json:"suggestedMapping"`
	MissingRequired  []string        `json:"missingRequired"`
	SampleRows       [][]string      `json:"sampleRows"`
}

// Preview parses data and proposes a mapping for module. A file that cannot
// be parsed is an error here, before any job exists.
func (s *Service) Preview(ctx context.Context, module string, data []byte) (*PreviewResult, error) {
	adapter, err := s.registry.Lookup(module)
	if err != nil {
		return nil, err
	}

	reader, err := ParseCSV(data)
	if err != nil {
		return nil, err
	}

	fields := adapter.Fields()
	mapping := SuggestMapping(reader.Header(), fields)
	result := &PreviewResult{
		Module:           module,
		Headers:          reader.Header(),
		Fields:           fields,
		SuggestedMapping: mapping,
		MissingRequired:  UnmappedRequired(mapping, fields),
		SampleRows:       [][]string{},
	}

	for row, err := range reader.Rows() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var malformed *MalformedRowError
		switch {
		case errors.As(err, &malformed):
			result.MalformedRows++
		case err != nil:
			return nil, err
		}
		result.RowCount++
		if len(result.SampleRows) < s.opts.PreviewSampleRows {
			result.SampleRows = append(result.SampleRows, row.Values)
		}
	}
	return result, nil
}

// StartImport validates the request, persists a new job and starts it in the
// background. It returns as soon as the job is VALIDATING.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (*ImportJob, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}

	adapter, err := s.registry.Lookup(req.Module)
	if err != nil {
		return nil, err
	}

	strategy := req.DuplicateStrategy
	if strategy == "" {
		strategy = DuplicateSkip
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	// An unreadable header is left for VALIDATING to report on the job.
	mapping := req.Mapping
	if reader, err := ParseCSV(req.Data); err == nil {
		if len(mapping) == 0 {
			mapping = SuggestMapping(reader.Header(), adapter.Fields())
		}
		mapper, err := NewMapper(mapping, adapter.Fields(), reader.Header())
		if err != nil {
			return nil, err
		}
		mapping = mapper.Mapping()
	}

	now := s.now()
	job := &ImportJob{
		ID:                uuid.NewString(),
		Module:            req.Module,
		FileName:          req.FileName,
		Status:            ImportPending,
		DuplicateStrategy: strategy,
		ColumnMapping:     mapping,
		Params:            req.Params,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         actorOr(ctx, req.CreatedBy),
	}
	if err := s.store.CreateImportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}

	job.Status = ImportValidating
	if err := s.store.UpdateImportJob(ctx, job); err != nil {
		return nil, fmt.Errorf("start import job: %w", err)
	}

	a := &activeImport{job: cloneImportJob(*job), done: make(chan struct{})}
	s.mu.Lock()
	s.imports[job.ID] = a
	s.mu.Unlock()

	slog.Info("import job created",
		"job_id", job.ID,
		"module", job.Module,
		"file", job.FileName,
		"strategy", job.DuplicateStrategy,
		"created_by", job.CreatedBy,
	)

	s.wg.Add(1)
	go s.runImport(a, adapter, req.Data)

	return job, nil
}

// GetImportJob returns the live snapshot of a running job or the stored record.
func (s *Service) GetImportJob(ctx context.Context, id string) (*ImportJob, error) {
	if a := s.activeImport(id); a != nil {
		snap := a.snapshot()
		return &snap, nil
	}
	return s.store.GetImportJob(ctx, id)
}

// ListImportJobs returns stored jobs with running jobs replaced by live snapshots.
func (s *Service) ListImportJobs(ctx context.Context, filter ImportFilter) ([]ImportJob, error) {
	jobs, err := s.store.ListImportJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if a := s.activeImport(jobs[i].ID); a != nil {
			jobs[i] = a.snapshot()
		}
	}
	return jobs, nil
}

// CancelImport asks a running import to stop after the row it is applying.
// Rows already applied stay applied.
func (s *Service) CancelImport(ctx context.Context, id string) (*ImportJob, error) {
	a := s.activeImport(id)
	if a == nil {
		if _, err := s.store.GetImportJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrJobNotActive
	}

	a.requestCancel()
	slog.Info("import cancel requested", "job_id", id)
	snap := a.snapshot()
	return &snap, nil
}

// ListRowErrors returns one page of a job's row errors ordered by row number.
func (s *Service) ListRowErrors(ctx context.Context, id string, page Page) ([]RowError, int, error) {
	if _, err := s.GetImportJob(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.store.ListRowErrors(ctx, id, page.Normalize())
}

// DeleteImportJob removes a finished job with its row errors and audit trail.
func (s *Service) DeleteImportJob(ctx context.Context, id string) error {
	if s.activeImport(id) != nil {
		return ErrJobNotTerminal
	}
	job, err := s.store.GetImportJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return ErrJobNotTerminal
	}
	if !s.rollbacks.TryLock(id) {
		return ErrRollbackInProgress
	}
	defer s.rollbacks.Unlock(id)

	return s.store.DeleteImportJob(ctx, id)
}

// errStopped ends row processing early after cancellation or shutdown.
var errStopped = errors.New("import stopped")

func (s *Service) runImport(a *activeImport, adapter Adapter, data []byte) {
	defer s.wg.Done()

	job := a.snapshot()
	logger := slog.With("job_id", job.ID, "module", job.Module)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in import", "panic", r)
			s.finishImport(a, ImportFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.ImportTimeout)
	defer cancel()

	waitCtx, stopWait := context.WithCancel(ctx)
	a.mu.Lock()
	a.stopWait = stopWait
	a.mu.Unlock()
	if a.cancelled.Load() {
		stopWait()
	}

	if err := s.limiter.Acquire(waitCtx); err != nil {
		stopWait()
		s.finishStopped(ctx, a, 0)
		return
	}
	stopWait()
	defer s.limiter.Release()

	telemetry.RunningJobs.WithLabelValues("import").Inc()
	defer telemetry.RunningJobs.WithLabelValues("import").Dec()

	start := time.Now()

	_, total, err := CountCSVRows(data)
	if err != nil {
		logger.Warn("import file rejected", "error", err)
		s.finishImport(a, ImportFailed, err.Error())
		return
	}
	if a.cancelled.Load() || ctx.Err() != nil {
		s.finishStopped(ctx, a, 0)
		return
	}

	snap := a.update(func(j *ImportJob) {
		j.TotalRows = total
		j.Status = ImportProcessing
		j.UpdatedAt = s.now()
	})
	s.persistImport(&snap)
	logger.Info("import processing", "total_rows", total)

	err = s.processRows(ctx, a, adapter, data)
	switch {
	case errors.Is(err, errStopped):
		s.finishStopped(ctx, a, time.Since(start))
	case err != nil:
		logger.Error("import aborted", "error", err)
		s.finishImport(a, ImportFailed, err.Error())
	default:
		s.finishImport(a, ImportCompleted, "")
		final := a.snapshot()
		logger.Info("import completed",
			"processed", final.ProcessedRows,
			"success", final.SuccessRows,
			"skipped", final.SkippedRows,
			"errors", final.ErrorRows,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// finishStopped ends a job that stopped before reaching the end of the file.
func (s *Service) finishStopped(ctx context.Context, a *activeImport, elapsed time.Duration) {
	switch {
	case a.cancelled.Load():
		s.finishImport(a, ImportCancelled, "cancelled by user")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.finishImport(a, ImportFailed, fmt.Sprintf("import timed out after %s", s.opts.ImportTimeout))
	default:
		s.finishImport(a, ImportCancelled, "interrupted by shutdown")
	}
	slog.Info("import stopped", "job_id", a.snapshot().ID, "duration_ms", elapsed.Milliseconds())
}

// finishImport moves the job to a terminal state, persists it and releases
// subscribers. Illegal transitions are logged and ignored.
func (s *Service) finishImport(a *activeImport, status ImportStatus, lastError string) {
	snap := a.snapshot()
	if snap.Status.Terminal() {
		return
	}
	if !snap.Status.CanTransition(status) {
		slog.Error("illegal import transition", "job_id", snap.ID, "from", snap.Status, "to", status)
		status = ImportFailed
	}

	snap = a.update(func(j *ImportJob) {
		j.Status = status
		j.LastError = lastError
		j.UpdatedAt = s.now()
	})
	s.persistImport(&snap)

	telemetry.ImportJobs.WithLabelValues(snap.Module, string(status)).Inc()

	a.close()
	s.mu.Lock()
	delete(s.imports, snap.ID)
	s.mu.Unlock()
}

func (s *Service) persistImport(job *ImportJob) {
	ctx, cancel := s.persistCtx()
	defer cancel()
	if err := s.store.UpdateImportJob(ctx, job); err != nil {
		slog.Error("failed to persist import job", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

// rowOutcome is the counter a processed row is charged to.
type rowOutcome int

const (
	outcomeSuccess rowOutcome = iota
	outcomeSkipped
	outcomeError
)

func (o rowOutcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// rowTask is a mapped row waiting for a writer.
type rowTask struct {
	row       CSVRow
	canonical CanonicalRow
}

// importRun carries the per-job state shared by row writers.
type importRun struct {
	svc     *Service
	a       *activeImport
	job     ImportJob
	adapter Adapter
	stage   *ValidationStage
	// wctx is used for adapter and store calls; it is never cancelled so an
	// in-flight write always completes.
	wctx context.Context
}

func (s *Service) processRows(ctx context.Context, a *activeImport, adapter Adapter, data []byte) error {
	reader, err := ParseCSV(data)
	if err != nil {
		return err
	}

	job := a.snapshot()
	mapper, err := NewMapper(job.ColumnMapping, adapter.Fields(), reader.Header())
	if err != nil {
		return err
	}

	run := &importRun{
		svc:     s,
		a:       a,
		job:     job,
		adapter: adapter,
		stage:   NewValidationStage(mapper, adapter, job.Params),
		wctx:    context.WithoutCancel(ctx),
	}

	keyed, ok := adapter.(KeyedAdapter)
	if !ok || s.opts.Workers <= 1 {
		return run.sequential(ctx, reader)
	}
	return run.sharded(ctx, reader, keyed, s.opts.Workers)
}

func (r *importRun) stopped(ctx context.Context) bool {
	return r.a.cancelled.Load() || ctx.Err() != nil
}

// sequential applies every row on the calling goroutine.
func (r *importRun) sequential(ctx context.Context, reader *CSVReader) error {
	for row, parseErr := range reader.Rows() {
		if r.stopped(ctx) {
			return errStopped
		}
		canonical, err := r.stage.Map(row, parseErr)
		if err != nil {
			if isJobFatal(err) {
				return err
			}
			if err := r.rowFailed(row, err); err != nil {
				return err
			}
			continue
		}
		if err := r.apply(rowTask{row: row, canonical: canonical}); err != nil {
			return err
		}
	}
	return nil
}

// sharded maps rows on the calling goroutine and hands them to one of n
// writers chosen by natural key, so rows sharing a key are applied by a single
// writer in file order.
func (r *importRun) sharded(ctx context.Context, reader *CSVReader, keyed KeyedAdapter, n int) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan rowTask, n)
	for i := range queues {
		queues[i] = make(chan rowTask, 32)
		queue := queues[i]
		g.Go(func() error {
			for task := range queue {
				if r.stopped(gctx) {
					continue
				}
				if err := r.apply(task); err != nil {
					return err
				}
			}
			return nil
		})
	}

	stopped := false
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for row, parseErr := range reader.Rows() {
			if r.stopped(gctx) {
				stopped = true
				return nil
			}
			canonical, err := r.stage.Map(row, parseErr)
			if err != nil {
				if isJobFatal(err) {
					return err
				}
				if err := r.rowFailed(row, err); err != nil {
					return err
				}
				continue
			}

			h := fnv.New32a()
			h.Write([]byte(keyed.NaturalKey(canonical)))
			select {
			case queues[h.Sum32()%uint32(n)] <- rowTask{row: row, canonical: canonical}:
			case <-gctx.Done():
				stopped = true
				return nil
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if stopped || r.stopped(ctx) {
		return errStopped
	}
	return nil
}

// apply runs adapter validation and the duplicate strategy for one mapped row.
// Only job-fatal errors are returned.
func (r *importRun) apply(task rowTask) error {
	ctx := r.wctx
	row, canonical := task.row, task.canonical

	if err := r.stage.Check(ctx, canonical); err != nil {
		if isJobFatal(err) {
			return err
		}
		return r.rowFailed(row, err)
	}

	existing, err := r.adapter.FindExisting(ctx, canonical, r.job.Params)
	if err != nil {
		if isJobFatal(err) {
			return err
		}
		return r.rowFailed(row, &AdapterFailure{Op: "find existing", Err: err})
	}

	if existing == nil {
		ref, err := r.adapter.CreateRecord(ctx, canonical, r.job.Params)
		if err != nil {
			if isJobFatal(err) {
				return err
			}
			return r.rowFailed(row, &AdapterFailure{Op: "create", Err: err})
		}
		return r.applied(row, AuditCreate, ref.ID, nil, outcomeSuccess)
	}

	switch r.job.DuplicateStrategy {
	case DuplicateUpdate:
		previous, err := r.adapter.UpdateRecord(ctx, existing.ID, canonical, r.job.Params)
		if err != nil {
			if isJobFatal(err) {
				return err
			}
			return r.rowFailed(row, &AdapterFailure{Op: "update", Err: err})
		}
		if previous == nil {
			previous = CanonicalRow{}
		}
		return r.applied(row, AuditUpdate, existing.ID, previous, outcomeSuccess)
	case DuplicateError:
		return r.rowFailed(row, &DuplicateRowError{RecordID: existing.ID})
	default:
		return r.applied(row, AuditSkip, existing.ID, nil, outcomeSkipped)
	}
}

// applied appends the audit entry for a row and charges its counter.
func (r *importRun) applied(row CSVRow, op AuditOperation, recordID string, previous CanonicalRow, outcome rowOutcome) error {
	entry := &AuditEntry{
		JobID:            r.job.ID,
		RowNumber:        row.Number,
		Operation:        op,
		RecordID:         recordID,
		PreviousSnapshot: previous,
		CreatedAt:        r.svc.now(),
	}
	if err := r.svc.store.AppendAuditEntry(r.wctx, entry); err != nil {
		return fmt.Errorf("append audit entry for row %d: %w", row.Number, err)
	}
	r.charge(outcome)
	return nil
}

// rowFailed records a RowError and charges the error counter. Store failures
// are returned as job-fatal.
func (r *importRun) rowFailed(row CSVRow, cause error) error {
	rowErr := RowError{
		JobID:     r.job.ID,
		RowNumber: row.Number,
		RawValues: row.Values,
		Reason:    reasonFor(cause),
		Message:   rowMessage(cause),
		CreatedAt: r.svc.now(),
	}
	if err := r.svc.store.InsertRowError(r.wctx, rowErr); err != nil {
		return fmt.Errorf("record error for row %d: %w", row.Number, err)
	}
	slog.Debug("import row failed", "job_id", r.job.ID, "row", row.Number, "reason", rowErr.Reason, "error", cause)
	r.charge(outcomeError)
	return nil
}

// charge increments processedRows and one outcome counter together.
func (r *importRun) charge(outcome rowOutcome) {
	snap := r.a.update(func(j *ImportJob) {
		j.ProcessedRows++
		switch outcome {
		case outcomeSuccess:
			j.SuccessRows++
		case outcomeSkipped:
			j.SkippedRows++
		default:
			j.ErrorRows++
		}
		j.UpdatedAt = r.svc.now()
	})
	telemetry.ImportRows.WithLabelValues(r.job.Module, outcome.String()).Inc()

	if snap.ProcessedRows%r.svc.opts.ProgressInterval == 0 {
		r.svc.persistImport(&snap)
	}
}
