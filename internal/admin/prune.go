// Package admin provides maintenance operations over job history.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

// PruneTimeout is the maximum duration for one prune pass.
const PruneTimeout = 5 * time.Minute

// JobService is the part of the engine a prune pass needs.
type JobService interface {
	ListImportJobs(ctx context.Context, filter core.ImportFilter) ([]core.ImportJob, error)
	DeleteImportJob(ctx context.Context, id string) error
}

// PruneResult counts what a prune pass did.
type PruneResult struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
	Failed  int `json:"failed"`
}

// Pruner deletes finished import jobs, with their row errors and audit
// entries, once they are older than a retention window.
type Pruner struct {
	Jobs JobService
	Now  func() time.Time
}

// PruneImports deletes terminal import jobs last updated before now minus
// olderThan. Jobs that are rolled back mid-pass are kept for the next pass.
func (p *Pruner) PruneImports(ctx context.Context, olderThan time.Duration) (PruneResult, error) {
	var res PruneResult
	if olderThan <= 0 {
		return res, fmt.Errorf("retention must be positive, got %s", olderThan)
	}

	ctx, cancel := context.WithTimeout(ctx, PruneTimeout)
	defer cancel()

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-olderThan)

	jobs, err := p.Jobs.ListImportJobs(ctx, core.ImportFilter{
		Statuses: []core.ImportStatus{core.ImportCompleted, core.ImportFailed, core.ImportCancelled},
	})
	if err != nil {
		return res, fmt.Errorf("list import jobs: %w", err)
	}

	for _, job := range jobs {
		if !job.UpdatedAt.Before(cutoff) {
			res.Kept++
			continue
		}
		err := p.Jobs.DeleteImportJob(ctx, job.ID)
		switch {
		case err == nil:
			res.Deleted++
		case errors.Is(err, core.ErrRollbackInProgress), errors.Is(err, core.ErrJobNotTerminal):
			res.Kept++
		case errors.Is(err, core.ErrJobNotFound):
			// Deleted concurrently.
		default:
			res.Failed++
			slog.Warn("prune: delete failed", "job_id", job.ID, "error", err)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	slog.Info("import jobs pruned", "deleted", res.Deleted, "kept", res.Kept, "failed", res.Failed, "cutoff", cutoff)
	return res, nil
}
