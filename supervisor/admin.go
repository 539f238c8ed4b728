package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// CancelRun transitions a run to cancelled and cancels its pending
// jobs. Cancelling an already-terminal run is a no-op; the call is
// idempotent. Returns whether the run actually moved.
func (s *Supervisor) CancelRun(ctx context.Context, runID, reason string) (bool, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return false, nil
	}

	_, err = s.advancer.MutateRun(ctx, runID, func(r *model.Run) error {
		if r.Status.Terminal() {
			return storage.ErrTerminalRun
		}
		now := time.Now().UTC()
		r.Status = model.RunCancelled
		r.CompletedAt = &now
		r.Error = reason
		r.ClearWaits()
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrTerminalRun) {
			return false, nil
		}
		return false, fmt.Errorf("cancel run %s: %w", runID, err)
	}

	cancelled, err := s.store.CancelPendingByRun(ctx, runID)
	if err != nil {
		return true, fmt.Errorf("cancel pending jobs for run %s: %w", runID, err)
	}

	s.metrics.RunTransitions.WithLabelValues(string(model.RunCancelled)).Inc()
	s.logger.Info("run cancelled",
		"run_id", runID,
		"reason", reason,
		"jobs_cancelled", cancelled)
	return true, nil
}

// ReplayDeadLetter re-runs a dead-lettered job: the run is reopened,
// the attempt counter reset, and the job republished for immediate
// execution.
func (s *Supervisor) ReplayDeadLetter(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be replayed", jobID, job.Status)
	}

	_, err = s.advancer.MutateRun(ctx, job.RunID, func(r *model.Run) error {
		if r.Status == model.RunFailed {
			r.Status = model.RunRunning
			r.CompletedAt = nil
			r.Error = ""
		}
		if entry := r.PathEntryFor(job.NodeID); entry != nil && entry.Status == model.PathFailed {
			entry.Status = model.PathPending
			entry.Error = ""
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reopen run %s: %w", job.RunID, err)
	}

	job.Attempts = 0
	job.LastError = ""
	job.CompletedAt = nil
	job.ScheduledFor = time.Now().UTC()
	if err := s.enqueuer.Requeue(ctx, job); err != nil {
		return fmt.Errorf("requeue dead-lettered job %s: %w", jobID, err)
	}

	s.logger.Info("dead-lettered job replayed",
		"job_id", jobID,
		"run_id", job.RunID,
		"node_id", job.NodeID)
	return nil
}
