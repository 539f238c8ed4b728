package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// HealthReport is the engine-wide health snapshot served by the admin
// endpoint.
type HealthReport struct {
	TotalRuns    int `json:"totalRuns"`
	ActiveRuns   int `json:"activeRuns"`
	WaitingRuns  int `json:"waitingRuns"`
	Completed24h int `json:"completed24h"`
	Failed24h    int `json:"failed24h"`
	StuckRuns    int `json:"stuckRuns"`

	PendingJobs    int `json:"pendingJobs"`
	ProcessingJobs int `json:"processingJobs"`
	FailedJobs1h   int `json:"failedJobsLastHour"`

	// HealthScore starts at 100 and loses points for failure and
	// backlog signals. Below 70 warrants a look.
	HealthScore int       `json:"healthScore"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Health assembles the health report and refreshes the backlog gauges.
func (s *Supervisor) Health(ctx context.Context) (*HealthReport, error) {
	now := time.Now().UTC()
	report := &HealthReport{GeneratedAt: now}

	total, err := s.store.CountRuns(ctx, storage.RunFilter{})
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	report.TotalRuns = total

	active, err := s.store.CountRuns(ctx, storage.RunFilter{Statuses: model.ActiveRunStatuses})
	if err != nil {
		return nil, fmt.Errorf("count active runs: %w", err)
	}
	report.ActiveRuns = active

	waiting, err := s.store.CountRuns(ctx, storage.RunFilter{Statuses: []model.RunStatus{
		model.RunWaitingForReply, model.RunWaitingForCall, model.RunWaitingForTask,
	}})
	if err != nil {
		return nil, fmt.Errorf("count waiting runs: %w", err)
	}
	report.WaitingRuns = waiting

	completed24h, err := s.store.CountRuns(ctx, storage.RunFilter{
		Statuses:       []model.RunStatus{model.RunCompleted},
		CompletedAfter: now.Add(-24 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("count completed runs: %w", err)
	}
	report.Completed24h = completed24h

	failed24h, err := s.store.CountRuns(ctx, storage.RunFilter{
		Statuses:       []model.RunStatus{model.RunFailed},
		CompletedAfter: now.Add(-24 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("count failed runs: %w", err)
	}
	report.Failed24h = failed24h

	stuck, err := s.store.FindStaleRuns(ctx, now.Add(-s.config.StuckAfter), s.config.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	report.StuckRuns = len(stuck)

	jobs, err := s.store.JobStats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	report.PendingJobs = jobs.Pending
	report.ProcessingJobs = jobs.Processing
	report.FailedJobs1h = jobs.FailedLastHour

	s.metrics.PendingJobs.Set(float64(jobs.Pending))
	s.metrics.ProcessingJobs.Set(float64(jobs.Processing))

	report.HealthScore = healthScore(report)
	return report, nil
}

func healthScore(r *HealthReport) int {
	score := 100

	switch {
	case r.Failed24h > 10:
		score -= 20
	case r.Failed24h >= 5:
		score -= 10
	case r.Failed24h > 0:
		score -= 5
	}

	switch {
	case r.ProcessingJobs > 10:
		score -= 15
	case r.ProcessingJobs >= 5:
		score -= 10
	}

	switch {
	case r.FailedJobs1h > 5:
		score -= 20
	case r.FailedJobs1h > 0:
		score -= 10
	}

	switch {
	case r.PendingJobs > 100:
		score -= 10
	case r.PendingJobs > 50:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	return score
}
