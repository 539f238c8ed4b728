package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/model"
)

// ReclaimStats summarizes one reclaim pass.
type ReclaimStats struct {
	Scanned     int `json:"scanned"`
	JobsReset   int `json:"jobsReset"`
	WaitsFired  int `json:"waitsFired"`
	RunsFailed  int `json:"runsFailed"`
	RunsSkipped int `json:"runsSkipped"`
}

// Reclaim rescues runs that have gone quiet for longer than stuckAfter.
// Stuck processing jobs are reset to pending so the dispatcher picks
// them up again. Runs parked on a reply or call wait whose deadline
// should have long fired take their timeout handle. A run with no
// outstanding work and no wait record is declared failed.
func (s *Supervisor) Reclaim(ctx context.Context, stuckAfter time.Duration) (ReclaimStats, error) {
	var stats ReclaimStats
	cutoff := time.Now().UTC().Add(-stuckAfter)

	runs, err := s.store.FindStaleRuns(ctx, cutoff, s.config.ScanLimit)
	if err != nil {
		return stats, fmt.Errorf("find stale runs: %w", err)
	}
	stats.Scanned = len(runs)

	for _, run := range runs {
		if err := s.reclaimRun(ctx, run, &stats); err != nil {
			s.logger.Warn("reclaim run",
				"run_id", run.ID,
				"status", run.Status,
				"error", err)
			stats.RunsSkipped++
		}
	}

	if stats.Scanned > 0 {
		s.metrics.RunsReclaimed.Add(float64(stats.Scanned - stats.RunsSkipped))
		s.logger.Info("reclaim pass finished",
			"scanned", stats.Scanned,
			"jobs_reset", stats.JobsReset,
			"waits_fired", stats.WaitsFired,
			"runs_failed", stats.RunsFailed)
	}
	return stats, nil
}

func (s *Supervisor) reclaimRun(ctx context.Context, run *model.Run, stats *ReclaimStats) error {
	jobs, err := s.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	now := time.Now().UTC()
	outstanding := 0
	for _, job := range jobs {
		switch job.Status {
		case model.JobPending, model.JobWaiting:
			outstanding++
		case model.JobProcessing:
			// A worker died mid-execution. Hand the job back to the
			// dispatcher.
			job.Status = model.JobPending
			job.ScheduledFor = now
			job.QueuedAt = nil
			if err := s.store.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("reset job %s: %w", job.ID, err)
			}
			stats.JobsReset++
			outstanding++
			s.logger.Info("reset stuck job",
				"run_id", run.ID,
				"job_id", job.ID,
				"node_id", job.NodeID)
		}
	}

	if run.Status.Waiting() {
		fired, err := s.fireOverdueWait(ctx, run)
		if err != nil {
			return err
		}
		if fired {
			stats.WaitsFired++
		}
		return nil
	}

	if outstanding == 0 {
		if err := s.advancer.FailRun(ctx, run.ID, "run stuck with no pending work"); err != nil {
			return err
		}
		stats.RunsFailed++
		s.logger.Warn("failed stuck run", "run_id", run.ID)
	}
	return nil
}

// fireOverdueWait forces the timeout handle of a reply or call wait
// whose timeout job was evidently lost. Task waits have no implicit
// deadline and are left alone.
func (s *Supervisor) fireOverdueWait(ctx context.Context, run *model.Run) (bool, error) {
	var (
		nodeID string
		handle string
		reason string
	)
	switch {
	case run.WaitingForReply != nil:
		nodeID = run.WaitingForReply.NodeID
		handle = run.WaitingForReply.TimeoutHandle
		reason = "reply wait reclaimed"
	case run.WaitingForCall != nil:
		nodeID = run.WaitingForCall.NodeID
		handle = run.WaitingForCall.TimeoutHandle
		reason = "call wait reclaimed"
	default:
		return false, nil
	}
	if handle == "" {
		handle = graph.HandleTimeout
	}

	def, err := s.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return false, fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}
	meta := map[string]any{
		"resumedBy":     "supervisor",
		"reason":        reason,
		"matchedHandle": handle,
	}
	if err := s.advancer.Resume(ctx, run.ID, def, nodeID, handle, meta, nil); err != nil {
		return false, fmt.Errorf("resume reclaimed wait: %w", err)
	}

	s.logger.Info("reclaimed overdue wait",
		"run_id", run.ID,
		"node_id", nodeID,
		"handle", handle)
	return true, nil
}
