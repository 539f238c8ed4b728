package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/model"
)

type jobRow struct {
	ID            string     `db:"id"`
	RunID         string     `db:"run_id"`
	DefinitionID  string     `db:"definition_id"`
	LeadID        string     `db:"lead_id"`
	TenantID      string     `db:"tenant_id"`
	NodeID        string     `db:"node_id"`
	Kind          string     `db:"kind"`
	Queue         string     `db:"queue"`
	Config        []byte     `db:"config"`
	Status        string     `db:"status"`
	ScheduledFor  time.Time  `db:"scheduled_for"`
	Attempts      int        `db:"attempts"`
	MaxAttempts   int        `db:"max_attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	LastError     string     `db:"last_error"`
	Result        []byte     `db:"result"`
	CompletedAt   *time.Time `db:"completed_at"`
	QueuedAt      *time.Time `db:"queued_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

const jobColumns = `id, run_id, definition_id, lead_id, tenant_id, node_id, kind, queue, config,
	status, scheduled_for, attempts, max_attempts, last_attempt_at, last_error,
	result, completed_at, queued_at, created_at, updated_at`

func (r *jobRow) toModel() (*model.Job, error) {
	job := &model.Job{
		ID:            r.ID,
		RunID:         r.RunID,
		DefinitionID:  r.DefinitionID,
		LeadID:        r.LeadID,
		TenantID:      r.TenantID,
		NodeID:        r.NodeID,
		Kind:          r.Kind,
		Queue:         r.Queue,
		Config:        r.Config,
		Status:        model.JobStatus(r.Status),
		ScheduledFor:  r.ScheduledFor,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		LastAttemptAt: r.LastAttemptAt,
		LastError:     r.LastError,
		CompletedAt:   r.CompletedAt,
		QueuedAt:      r.QueuedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := unmarshalInto(r.Result, &job.Result); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return job, nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	result, err := marshalJSON(job.Result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		job.ID, job.RunID, job.DefinitionID, job.LeadID, job.TenantID, job.NodeID,
		job.Kind, job.Queue, []byte(job.Config), string(job.Status), job.ScheduledFor,
		job.Attempts, job.MaxAttempts, job.LastAttemptAt, job.LastError,
		result, job.CompletedAt, job.QueuedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.toModel()
}

func (p *Postgres) UpdateJob(ctx context.Context, job *model.Job) error {
	result, err := marshalJSON(job.Result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	now := time.Now().UTC()

	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2, scheduled_for = $3, attempts = $4, max_attempts = $5,
			last_attempt_at = $6, last_error = $7, result = $8, completed_at = $9,
			queued_at = $10, updated_at = $11
		WHERE id = $1`,
		job.ID, string(job.Status), job.ScheduledFor, job.Attempts, job.MaxAttempts,
		job.LastAttemptAt, job.LastError, result, job.CompletedAt, job.QueuedAt, now)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	job.UpdatedAt = now
	return nil
}

func (p *Postgres) ClaimDueJobs(ctx context.Context, now time.Time, limit int, requeueAfter time.Duration) ([]*model.Job, error) {
	// SKIP LOCKED lets concurrent dispatchers claim disjoint batches.
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, `
		UPDATE jobs SET queued_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_for <= $1
			  AND (queued_at IS NULL OR queued_at < $2)
			ORDER BY scheduled_for ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, now.Add(-requeueAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *Postgres) ListJobsByRun(ctx context.Context, runID string) ([]*model.Job, error) {
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for run %s: %w", runID, err)
	}
	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (p *Postgres) CountOutstandingByRun(ctx context.Context, runID, excludeJobID string) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM jobs
		WHERE run_id = $1 AND id <> $2 AND status IN ('pending','processing','waiting')`,
		runID, excludeJobID)
	if err != nil {
		return 0, fmt.Errorf("count outstanding jobs for run %s: %w", runID, err)
	}
	return count, nil
}

func (p *Postgres) CancelPendingByRun(ctx context.Context, runID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', updated_at = now()
		WHERE run_id = $1 AND status IN ('pending','waiting')`, runID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs for run %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) JobStats(ctx context.Context, now time.Time) (JobStats, error) {
	var stats JobStats
	err := p.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')    AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'failed' AND updated_at > $1) AS failedlasthour
		FROM jobs`, now.Add(-time.Hour))
	if err != nil {
		return JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func (p *Postgres) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) DeleteOrphaned(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE NOT EXISTS (SELECT 1 FROM runs WHERE runs.id = jobs.run_id)`)
	if err != nil {
		return 0, fmt.Errorf("prune orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
