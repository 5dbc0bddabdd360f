package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule presets and the cron expressions they stand for.
var schedulePresets = map[string]string{
	"daily":   "0 0 * * *",
	"weekly":  "0 0 * * 0",
	"monthly": "0 0 1 * *",
}

// ParseSchedule accepts a preset (daily, weekly, monthly) or a five-field
// cron expression and returns the parsed schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if preset, ok := schedulePresets[strings.ToLower(expr)]; ok {
		expr = preset
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return sched, nil
}

// NextRun returns the first activation of expr strictly after after, evaluated
// in loc and returned in UTC.
func NextRun(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	from := after.In(loc)
	next := sched.Next(from)
	for !next.IsZero() && !next.After(after) {
		from = next
		next = sched.Next(from)
	}
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, expr)
	}
	return next.UTC(), nil
}

// NextRuns returns the next n activations of expr after after.
func NextRuns(expr string, after time.Time, loc *time.Location, n int) ([]time.Time, error) {
	runs := make([]time.Time, 0, n)
	for range n {
		next, err := NextRun(expr, after, loc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, next)
		after = next
	}
	return runs, nil
}
