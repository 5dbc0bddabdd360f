package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScheduleInput is the editable part of a ScheduledExport.
// A nil Active defaults to true on create and leaves the flag unchanged on update.
type ScheduleInput struct {
	Name       string       `json:"name" yaml:"name"`
	Module     string       `json:"module" yaml:"module"`
	Filters    []Filter     `json:"filters" yaml:"filters"`
	Columns    []string     `json:"columns" yaml:"columns"`
	Params     Params       `json:"context" yaml:"context"`
	Schedule   string       `json:"schedule" yaml:"schedule"`
	Recipients []string     `json:"recipients" yaml:"recipients"`
	Format     ExportFormat `json:"format" yaml:"format"`
	Active     *bool        `json:"isActive" yaml:"active"`
}

// normalizeRecipients parses every address and returns the bare addresses.
func normalizeRecipients(recipients []string) ([]string, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRecipient)
	}
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, r)
		}
		if !slices.Contains(out, addr.Address) {
			out = append(out, addr.Address)
		}
	}
	return out, nil
}

// applyScheduleInput validates in and copies it onto sched.
func (s *Service) applyScheduleInput(sched *ScheduledExport, in ScheduleInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ErrInvalidScheduledName
	}

	_, columns, err := s.resolveExport(in.Module, in.Columns, in.Filters)
	if err != nil {
		return err
	}

	format := in.Format
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if _, err := ParseSchedule(in.Schedule); err != nil {
		return err
	}

	recipients, err := normalizeRecipients(in.Recipients)
	if err != nil {
		return err
	}

	sched.Name = name
	sched.Module = in.Module
	sched.Filters = slices.Clone(in.Filters)
	if sched.Filters == nil {
		sched.Filters = []Filter{}
	}
	sched.Columns = columns
	sched.Params = in.Params
	sched.Schedule = strings.TrimSpace(in.Schedule)
	sched.Recipients = recipients
	sched.Format = format
	if in.Active != nil {
		sched.IsActive = *in.Active
	}
	return nil
}

// scheduleNext sets NextRunAt for an active schedule, or clears it.
func (s *Service) scheduleNext(sched *ScheduledExport, after time.Time) error {
	if !sched.IsActive {
		sched.NextRunAt = nil
		return nil
	}
	next, err := NextRun(sched.Schedule, after, s.opts.Location)
	if err != nil {
		return err
	}
	sched.NextRunAt = &next
	return nil
}

// CreateScheduledExport validates and stores a new schedule.
func (s *Service) CreateScheduledExport(ctx context.Context, in ScheduleInput, createdBy string) (*ScheduledExport, error) {
	now := s.now()
	sched := &ScheduledExport{
		ID:        uuid.NewString(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actorOr(ctx, createdBy),
	}
	if err := s.applyScheduleInput(sched, in); err != nil {
		return nil, err
	}
	if err := s.scheduleNext(sched, now); err != nil {
		return nil, err
	}
	if err := s.store.CreateScheduledExport(ctx, sched); err != nil {
		return nil, fmt.Errorf("create scheduled export: %w", err)
	}
	slog.Info("scheduled export created", "schedule_id", sched.ID, "name", sched.Name, "schedule", sched.Schedule, "next_run_at", sched.NextRunAt)
	return sched, nil
}

// UpdateScheduledExport replaces a schedule's definition and recomputes nextRunAt.
func (s *Service) UpdateScheduledExport(ctx context.Context, id string, in ScheduleInput) (*ScheduledExport, error) {
	sched, err := s.store.GetScheduledExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyScheduleInput(sched, in); err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.scheduleNext(sched, now); err != nil {
		return nil, err
	}
	sched.UpdatedAt = now
	if err := s.store.UpdateScheduledExport(ctx, sched); err != nil {
		return nil, fmt.Errorf("update scheduled export: %w", err)
	}
	return sched, nil
}

// SetScheduledExportActive toggles a schedule. Activation recomputes nextRunAt
// from now so that runs missed while inactive are not replayed.
func (s *Service) SetScheduledExportActive(ctx context.Context, id string, active bool) (*ScheduledExport, error) {
	sched, err := s.store.GetScheduledExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.IsActive == active {
		return sched, nil
	}
	now := s.now()
	sched.IsActive = active
	if err := s.scheduleNext(sched, now); err != nil {
		return nil, err
	}
	sched.UpdatedAt = now
	if err := s.store.UpdateScheduledExport(ctx, sched); err != nil {
		return nil, fmt.Errorf("update scheduled export: %w", err)
	}
	slog.Info("scheduled export toggled", "schedule_id", id, "active", active)
	return sched, nil
}

// GetScheduledExport returns one schedule.
func (s *Service) GetScheduledExport(ctx context.Context, id string) (*ScheduledExport, error) {
	return s.store.GetScheduledExport(ctx, id)
}

// ListScheduledExports returns all schedules, or only active ones.
func (s *Service) ListScheduledExports(ctx context.Context, activeOnly bool) ([]ScheduledExport, error) {
	return s.store.ListScheduledExports(ctx, activeOnly)
}

// DeleteScheduledExport removes a schedule that never ran. A schedule with run
// history is deactivated instead; softDeleted reports which happened.
func (s *Service) DeleteScheduledExport(ctx context.Context, id string) (softDeleted bool, err error) {
	sched, err := s.store.GetScheduledExport(ctx, id)
	if err != nil {
		return false, err
	}
	runs, err := s.store.CountScheduledExportRuns(ctx, id)
	if err != nil {
		return false, fmt.Errorf("count runs: %w", err)
	}
	if runs == 0 {
		return false, s.store.DeleteScheduledExport(ctx, id)
	}

	sched.IsActive = false
	sched.NextRunAt = nil
	sched.UpdatedAt = s.now()
	if err := s.store.UpdateScheduledExport(ctx, sched); err != nil {
		return false, fmt.Errorf("disable scheduled export: %w", err)
	}
	slog.Info("scheduled export disabled instead of deleted", "schedule_id", id, "runs", runs)
	return true, nil
}

// ListScheduledExportRuns returns the newest runs of a schedule first.
func (s *Service) ListScheduledExportRuns(ctx context.Context, id string, limit int) ([]ScheduledExportRun, error) {
	if _, err := s.store.GetScheduledExport(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListScheduledExportRuns(ctx, id, limit)
}
