package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// PruneStats summarizes one prune pass.
type PruneStats struct {
	CompletedRuns int64 `json:"completedRuns"`
	FailedRuns    int64 `json:"failedRuns"`
	Jobs          int64 `json:"jobs"`
	OrphanedJobs  int64 `json:"orphanedJobs"`
}

// Prune removes terminal runs past their retention windows, finished
// jobs past theirs, and jobs orphaned by run deletion.
func (s *Supervisor) Prune(ctx context.Context, retainCompleted, retainFailed time.Duration) (PruneStats, error) {
	var stats PruneStats
	now := time.Now().UTC()

	completed, err := s.store.DeleteRunsBefore(ctx,
		[]model.RunStatus{model.RunCompleted}, now.Add(-retainCompleted))
	if err != nil {
		return stats, fmt.Errorf("prune completed runs: %w", err)
	}
	stats.CompletedRuns = completed

	failed, err := s.store.DeleteRunsBefore(ctx,
		[]model.RunStatus{model.RunFailed, model.RunCancelled}, now.Add(-retainFailed))
	if err != nil {
		return stats, fmt.Errorf("prune failed runs: %w", err)
	}
	stats.FailedRuns = failed

	jobs, err := s.store.DeleteCompletedBefore(ctx, now.Add(-s.config.RetentionJobs))
	if err != nil {
		return stats, fmt.Errorf("prune jobs: %w", err)
	}
	stats.Jobs = jobs

	orphaned, err := s.store.DeleteOrphaned(ctx)
	if err != nil {
		return stats, fmt.Errorf("prune orphaned jobs: %w", err)
	}
	stats.OrphanedJobs = orphaned

	s.metrics.RowsPruned.WithLabelValues("runs").Add(float64(completed + failed))
	s.metrics.RowsPruned.WithLabelValues("jobs").Add(float64(jobs + orphaned))

	s.logger.Info("prune pass finished",
		"completed_runs", completed,
		"failed_runs", failed,
		"jobs", jobs,
		"orphaned_jobs", orphaned)
	return stats, nil
}

// CleanupStats previews what a prune pass with the given windows would
// remove, without deleting anything.
type CleanupStats struct {
	CompletedRuns int `json:"completedRuns"`
	FailedRuns    int `json:"failedRuns"`

	RetainCompleted string `json:"retainCompleted"`
	RetainFailed    string `json:"retainFailed"`
}

// PreviewCleanup counts the terminal runs a prune with these windows
// would delete.
func (s *Supervisor) PreviewCleanup(ctx context.Context, retainCompleted, retainFailed time.Duration) (CleanupStats, error) {
	now := time.Now().UTC()
	stats := CleanupStats{
		RetainCompleted: retainCompleted.String(),
		RetainFailed:    retainFailed.String(),
	}

	completed, err := s.store.CountRuns(ctx, storage.RunFilter{
		Statuses:      []model.RunStatus{model.RunCompleted},
		UpdatedBefore: now.Add(-retainCompleted),
	})
	if err != nil {
		return stats, fmt.Errorf("count completed runs: %w", err)
	}
	stats.CompletedRuns = completed

	failed, err := s.store.CountRuns(ctx, storage.RunFilter{
		Statuses:      []model.RunStatus{model.RunFailed, model.RunCancelled},
		UpdatedBefore: now.Add(-retainFailed),
	})
	if err != nil {
		return stats, fmt.Errorf("count failed runs: %w", err)
	}
	stats.FailedRuns = failed

	return stats, nil
}
