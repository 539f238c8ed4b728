package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// Enqueuer persists jobs and puts due ones on the wire. Producers
// (matcher, executor, resumer) share one enqueuer so the scheduling
// rules live in one place: the persisted job record is authoritative,
// the queue message is just a nudge. A job due now is published
// immediately; a future job waits for the dispatcher.
type Enqueuer struct {
	jobs      storage.JobStore
	publisher Publisher
	logger    *slog.Logger
}

// NewEnqueuer builds an enqueuer.
func NewEnqueuer(jobs storage.JobStore, publisher Publisher, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{
		jobs:      jobs,
		publisher: publisher,
		logger:    logger.With("component", "enqueuer"),
	}
}

// Enqueue persists the job and publishes it when already due. A failed
// publish is not an error: the job row stays pending with queuedAt
// stamped, and the dispatcher re-publishes once the requeue window
// passes.
func (e *Enqueuer) Enqueue(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}

	due := !job.ScheduledFor.After(now)
	if due {
		job.QueuedAt = &now
	}

	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}

	if due {
		e.publish(ctx, job, now)
	}
	return nil
}

// Requeue re-publishes an existing job (retry with backoff, timeout
// rescheduling). The job must already be persisted; this updates the
// row and publishes when due.
func (e *Enqueuer) Requeue(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.JobPending

	due := !job.ScheduledFor.After(now)
	if due {
		job.QueuedAt = &now
	} else {
		job.QueuedAt = nil
	}

	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}

	if due {
		e.publish(ctx, job, now)
	}
	return nil
}

func (e *Enqueuer) publish(ctx context.Context, job *model.Job, now time.Time) {
	err := e.publisher.Publish(ctx, job.Queue, &Message{
		JobID:       job.ID,
		Queue:       job.Queue,
		RunID:       job.RunID,
		TenantID:    job.TenantID,
		NodeID:      job.NodeID,
		Kind:        job.Kind,
		PublishedAt: now,
	})
	if err != nil {
		e.logger.Warn("publish enqueued job, dispatcher will retry",
			"job_id", job.ID,
			"queue", job.Queue,
			"error", err)
	}
}
