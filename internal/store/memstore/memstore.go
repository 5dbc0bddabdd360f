// Package memstore keeps every engine record in process memory.
//
// It has the same semantics as the Postgres store and backs STORE_DRIVER=memory
// as well as the engine tests. Values are copied on the way in and out, so
// callers never share state with the store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

// Store is an in-memory core.Store.
type Store struct {
	mu sync.RWMutex

	imports   map[string]core.ImportJob
	rowErrors map[string][]core.RowError
	audit     map[string][]core.AuditEntry
	exports   map[string]core.ExportJob
	schedules map[string]core.ScheduledExport
	runs      map[string][]core.ScheduledExportRun
}

var _ core.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		imports:   make(map[string]core.ImportJob),
		rowErrors: make(map[string][]core.RowError),
		audit:     make(map[string][]core.AuditEntry),
		exports:   make(map[string]core.ExportJob),
		schedules: make(map[string]core.ScheduledExport),
		runs:      make(map[string][]core.ScheduledExportRun),
	}
}

// ===== Import jobs =====

func (s *Store) CreateImportJob(_ context.Context, job *core.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports[job.ID] = copyImport(*job)
	return nil
}

func (s *Store) UpdateImportJob(_ context.Context, job *core.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.imports[job.ID]
	if !ok {
		return core.ErrJobNotFound
	}
	next := copyImport(*job)
	// RolledBackAt is owned by MarkImportRolledBack.
	next.RolledBackAt = prev.RolledBackAt
	s.imports[job.ID] = next
	return nil
}

func (s *Store) GetImportJob(_ context.Context, id string) (*core.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.imports[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	out := copyImport(job)
	return &out, nil
}

// ListImportJobs returns matching jobs newest first.
func (s *Store) ListImportJobs(_ context.Context, filter core.ImportFilter) ([]core.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.ImportJob, 0, len(s.imports))
	for _, job := range s.imports {
		if filter.Module != "" && job.Module != filter.Module {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		out = append(out, copyImport(job))
	}
	slices.SortFunc(out, func(a, b core.ImportJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteImportJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.imports[id]; !ok {
		return core.ErrJobNotFound
	}
	delete(s.imports, id)
	delete(s.rowErrors, id)
	delete(s.audit, id)
	return nil
}

// ===== Row errors =====

func (s *Store) InsertRowError(_ context.Context, rowErr core.RowError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.imports[rowErr.JobID]; !ok {
		return core.ErrJobNotFound
	}
	rowErr.RawValues = slices.Clone(rowErr.RawValues)
	s.rowErrors[rowErr.JobID] = append(s.rowErrors[rowErr.JobID], rowErr)
	return nil
}

// ListRowErrors returns one page ordered by row number and the total count.
func (s *Store) ListRowErrors(_ context.Context, jobID string, page core.Page) ([]core.RowError, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := slices.Clone(s.rowErrors[jobID])
	slices.SortStableFunc(all, func(a, b core.RowError) int {
		return cmp.Compare(a.RowNumber, b.RowNumber)
	})

	total := len(all)
	start := min(page.Offset(), total)
	end := total
	if page.Size > 0 {
		end = min(start+page.Size, total)
	}
	out := make([]core.RowError, 0, end-start)
	for _, e := range all[start:end] {
		e.RawValues = slices.Clone(e.RawValues)
		out = append(out, e)
	}
	return out, total, nil
}

// ===== Audit trail =====

func (s *Store) AppendAuditEntry(_ context.Context, entry *core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.imports[entry.JobID]; !ok {
		return core.ErrJobNotFound
	}
	entries := s.audit[entry.JobID]
	entry.Seq = int64(len(entries) + 1)
	stored := *entry
	stored.PreviousSnapshot = entry.PreviousSnapshot.Clone()
	s.audit[entry.JobID] = append(entries, stored)
	return nil
}

func (s *Store) ListAuditEntries(_ context.Context, jobID string) ([]core.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[jobID]
	out := make([]core.AuditEntry, len(entries))
	for i, e := range entries {
		e.PreviousSnapshot = e.PreviousSnapshot.Clone()
		e.RevertedAt = copyTime(e.RevertedAt)
		out[i] = e
	}
	return out, nil
}

func (s *Store) MarkAuditEntryReverted(_ context.Context, jobID string, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.audit[jobID]
	for i := range entries {
		if entries[i].Seq == seq {
			entries[i].RevertedAt = &at
			return nil
		}
	}
	return core.ErrJobNotFound
}

func (s *Store) MarkImportRolledBack(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.imports[jobID]
	if !ok {
		return core.ErrJobNotFound
	}
	job.RolledBackAt = &at
	job.UpdatedAt = at
	s.imports[jobID] = job
	return nil
}

// ===== Export jobs =====

func (s *Store) CreateExportJob(_ context.Context, job *core.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[job.ID] = copyExport(*job)
	return nil
}

func (s *Store) UpdateExportJob(_ context.Context, job *core.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[job.ID]; !ok {
		return core.ErrExportNotFound
	}
	s.exports[job.ID] = copyExport(*job)
	return nil
}

func (s *Store) GetExportJob(_ context.Context, id string) (*core.ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.exports[id]
	if !ok {
		return nil, core.ErrExportNotFound
	}
	out := copyExport(job)
	return &out, nil
}

func (s *Store) ListExportJobs(_ context.Context, statuses ...core.ExportStatus) ([]core.ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ExportJob, 0)
	for _, job := range s.exports {
		if len(statuses) > 0 && !slices.Contains(statuses, job.Status) {
			continue
		}
		out = append(out, copyExport(job))
	}
	slices.SortFunc(out, func(a, b core.ExportJob) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// ===== Scheduled exports =====

func (s *Store) CreateScheduledExport(_ context.Context, sched *core.ScheduledExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = copySchedule(*sched)
	return nil
}

func (s *Store) UpdateScheduledExport(_ context.Context, sched *core.ScheduledExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; !ok {
		return core.ErrScheduleNotFound
	}
	s.schedules[sched.ID] = copySchedule(*sched)
	return nil
}

func (s *Store) GetScheduledExport(_ context.Context, id string) (*core.ScheduledExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, core.ErrScheduleNotFound
	}
	out := copySchedule(sched)
	return &out, nil
}

func (s *Store) ListScheduledExports(_ context.Context, activeOnly bool) ([]core.ScheduledExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ScheduledExport, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if activeOnly && !sched.IsActive {
			continue
		}
		out = append(out, copySchedule(sched))
	}
	slices.SortFunc(out, func(a, b core.ScheduledExport) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// ListDueScheduledExports returns active schedules with nextRunAt <= now,
// earliest first.
func (s *Store) ListDueScheduledExports(_ context.Context, now time.Time) ([]core.ScheduledExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ScheduledExport, 0)
	for _, sched := range s.schedules {
		if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		out = append(out, copySchedule(sched))
	}
	slices.SortFunc(out, func(a, b core.ScheduledExport) int {
		return a.NextRunAt.Compare(*b.NextRunAt)
	})
	return out, nil
}

func (s *Store) DeleteScheduledExport(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return core.ErrScheduleNotFound
	}
	delete(s.schedules, id)
	delete(s.runs, id)
	return nil
}

func (s *Store) AppendScheduledExportRun(_ context.Context, run *core.ScheduledExportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[run.ScheduledExportID]; !ok {
		return core.ErrScheduleNotFound
	}
	s.runs[run.ScheduledExportID] = append(s.runs[run.ScheduledExportID], *run)
	return nil
}

// ListScheduledExportRuns returns the newest runs first.
func (s *Store) ListScheduledExportRuns(_ context.Context, scheduleID string, limit int) ([]core.ScheduledExportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[scheduleID]
	out := make([]core.ScheduledExportRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, runs[i])
	}
	return out, nil
}

func (s *Store) CountScheduledExportRuns(_ context.Context, scheduleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs[scheduleID]), nil
}

// ===== Copies =====

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyParams(p core.Params) core.Params {
	if p == nil {
		return nil
	}
	out := make(core.Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func copyFilters(f []core.Filter) []core.Filter {
	out := make([]core.Filter, len(f))
	for i, flt := range f {
		flt.Values = slices.Clone(flt.Values)
		out[i] = flt
	}
	return out
}

func copyImport(j core.ImportJob) core.ImportJob {
	j.ColumnMapping = slices.Clone(j.ColumnMapping)
	j.Params = copyParams(j.Params)
	j.RolledBackAt = copyTime(j.RolledBackAt)
	return j
}

func copyExport(j core.ExportJob) core.ExportJob {
	j.Filters = copyFilters(j.Filters)
	j.Columns = slices.Clone(j.Columns)
	j.Params = copyParams(j.Params)
	return j
}

func copySchedule(s core.ScheduledExport) core.ScheduledExport {
	s.Filters = copyFilters(s.Filters)
	s.Columns = slices.Clone(s.Columns)
	s.Params = copyParams(s.Params)
	s.Recipients = slices.Clone(s.Recipients)
	s.NextRunAt = copyTime(s.NextRunAt)
	s.LastRunAt = copyTime(s.LastRunAt)
	return s
}
