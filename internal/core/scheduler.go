package core

// scheduler.go drives scheduled exports.
//
// Every tick lists active schedules whose nextRunAt has passed and starts one
// run per schedule. A schedule whose previous run is still executing in this
// process is skipped for that tick. Across processes, each run holds the lock
// "scheduled-export:{id}" and re-reads the schedule after acquiring it, so a
// run already recorded by another instance is not repeated.
//
// A run waits for its export to finish, records a ScheduledExportRun, delivers
// the artifact on success and finally advances nextRunAt past the tick time.
// Delivery failures are recorded on the run without changing its status.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/telemetry"
	"github.com/google/uuid"
)

// SchedulerOptions tunes the Scheduler. Zero values use the defaults.
type SchedulerOptions struct {
	TickInterval  time.Duration // default: 1m
	LockTTL       time.Duration // default: 30m
	SubjectPrefix string
}

// Scheduler executes due scheduled exports.
type Scheduler struct {
	svc    *Service
	locker Locker
	mailer Mailer
	opts   SchedulerOptions

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler. A nil mailer disables delivery.
func NewScheduler(svc *Service, locker Locker, mailer Mailer, opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Scheduler{
		svc:      svc,
		locker:   locker,
		mailer:   mailer,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
}

// Start ticks until ctx is cancelled, then waits for runs in flight.
// It ticks once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("export scheduler started", "tick_interval", s.opts.TickInterval, "lock_ttl", s.opts.LockTTL)

	s.tickLogged(ctx)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("export scheduler stopped")
			return
		case <-ticker.C:
			s.tickLogged(ctx)
		}
	}
}

func (s *Scheduler) tickLogged(ctx context.Context) {
	if _, err := s.Tick(ctx, s.svc.now()); err != nil {
		slog.Error("scheduler tick failed", "error", err)
	}
}

// Wait blocks until every run started by Tick has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick starts a run for every due schedule and returns how many it started.
// Runs execute in the background; use Wait to join them.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.svc.store.ListDueScheduledExports(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	started := 0
	for _, sched := range due {
		if !s.claim(sched.ID) {
			telemetry.SkippedTicks.Inc()
			slog.Info("scheduled export still running, skipping tick", "schedule_id", sched.ID, "name", sched.Name)
			continue
		}
		started++
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer s.release(id)
			s.run(ctx, id, now)
		}(sched.ID)
	}
	if started > 0 {
		slog.Debug("scheduler tick", "due", len(due), "started", started)
	}
	return started, nil
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// run executes one schedule under its distributed lock.
func (s *Scheduler) run(ctx context.Context, id string, tick time.Time) {
	logger := slog.With("schedule_id", id)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in scheduled export", "panic", r)
		}
	}()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "scheduled-export:"+id, s.opts.LockTTL)
		if err != nil {
			logger.Error("failed to acquire schedule lock", "error", err)
			return
		}
		if !ok {
			telemetry.SkippedTicks.Inc()
			logger.Info("scheduled export locked by another instance")
			return
		}
		defer unlock()
	}

	sched, err := s.svc.store.GetScheduledExport(ctx, id)
	if err != nil {
		logger.Error("failed to reload schedule", "error", err)
		return
	}
	if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(tick) {
		logger.Debug("schedule no longer due")
		return
	}

	s.execute(ctx, sched, tick)
}

// execute runs the export, records the run and advances the schedule.
func (s *Scheduler) execute(ctx context.Context, sched *ScheduledExport, tick time.Time) {
	logger := slog.With("schedule_id", sched.ID, "name", sched.Name, "module", sched.Module)
	logger.Info("scheduled export started", "triggered_at", tick)

	run := &ScheduledExportRun{
		ID:                uuid.NewString(),
		ScheduledExportID: sched.ID,
		TriggeredAt:       tick,
	}

	job, err := s.svc.RunExport(ctx, ExportRequest{
		Module:    sched.Module,
		Filters:   sched.Filters,
		Columns:   sched.Columns,
		Params:    sched.Params,
		CreatedBy: sched.CreatedBy,
	})
	if errors.Is(err, ErrShuttingDown) {
		logger.Info("scheduled export left due for the next start")
		return
	}
	if job != nil {
		run.ExportJobID = job.ID
	}

	if err != nil {
		execErr := &ScheduleExecutionError{ScheduleID: sched.ID, Err: err}
		run.Status = RunFailure
		run.ErrorMessage = err.Error()
		logger.Warn("scheduled export failed", "error", execErr)
	} else {
		run.Status = RunSuccess
		if err := s.deliver(ctx, sched, job); err != nil {
			run.DeliveryError = err.Error()
			telemetry.Deliveries.WithLabelValues("failed").Inc()
			logger.Warn("scheduled export delivery failed", "export_id", job.ID, "error", err)
		} else if s.mailer != nil {
			telemetry.Deliveries.WithLabelValues("sent").Inc()
		}
	}
	telemetry.ScheduledRuns.WithLabelValues(string(run.Status)).Inc()

	pctx, cancel := s.svc.persistCtx()
	defer cancel()

	run.CreatedAt = s.svc.now()
	if err := s.svc.store.AppendScheduledExportRun(pctx, run); err != nil {
		logger.Error("failed to record scheduled export run", "error", err)
	}

	if err := s.advance(pctx, sched.ID, tick); err != nil {
		logger.Error("failed to advance schedule", "error", err)
		return
	}
	logger.Info("scheduled export finished", "status", run.Status, "export_id", run.ExportJobID)
}

// advance records the run time and moves nextRunAt strictly past tick. The
// schedule is re-read so edits made during the run are kept.
func (s *Scheduler) advance(ctx context.Context, id string, tick time.Time) error {
	sched, err := s.svc.store.GetScheduledExport(ctx, id)
	if err != nil {
		return err
	}
	sched.LastRunAt = &tick
	if sched.IsActive {
		if err := s.svc.scheduleNext(sched, tick); err != nil {
			sched.IsActive = false
			sched.NextRunAt = nil
			slog.Error("schedule expression no longer resolves, deactivating", "schedule_id", id, "error", err)
		}
	}
	sched.UpdatedAt = s.svc.now()
	return s.svc.store.UpdateScheduledExport(ctx, sched)
}

// deliver mails the export artifact to the schedule's recipients.
func (s *Scheduler) deliver(ctx context.Context, sched *ScheduledExport, job *ExportJob) error {
	if s.mailer == nil {
		return nil
	}

	rc, _, err := s.svc.OpenExport(ctx, job.ID)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	msg := Message{
		Recipients: sched.Recipients,
		Subject:    fmt.Sprintf("%s%s (%s)", s.opts.SubjectPrefix, sched.Name, job.CreatedAt.Format("2006-01-02 15:04 MST")),
		Body: fmt.Sprintf("Scheduled export %q produced %d rows from %s.\n",
			sched.Name, job.TotalRows, sched.Module),
		Attachments: []Attachment{{
			FileName:    job.FileName,
			ContentType: "text/csv",
			Data:        data,
		}},
	}
	return s.mailer.Send(ctx, msg)
}
