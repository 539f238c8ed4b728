// Package storage provides durable state for the workflow engine:
// definitions, runs, job records, the execution log, and the tenant
// and lead views the engine reads from the surrounding CRM. The
// canonical implementation is PostgreSQL; an in-memory implementation
// backs unit tests.
package storage

import (
	"context"
	"time"

	"github.com/relaycrm/flowengine/model"
)

// RunFilter selects runs for list/count/prune queries. Zero-valued
// fields are ignored.
type RunFilter struct {
	TenantID       string
	DefinitionID   string
	LeadID         string
	Statuses       []model.RunStatus
	UpdatedBefore  time.Time
	CompletedAfter time.Time

	Limit int
}

// JobStats summarizes job-table counts for the health report.
type JobStats struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	FailedLastHour int `json:"failedLastHour"`
}

// DefinitionStore accesses workflow definitions.
type DefinitionStore interface {
	// GetDefinition loads one definition. Soft-deleted definitions are
	// still returned: runs in flight keep referencing them.
	GetDefinition(ctx context.Context, tenantID, id string) (*model.Definition, error)

	// ListActiveByTrigger returns the tenant's active, non-deleted
	// definitions for a trigger type.
	ListActiveByTrigger(ctx context.Context, tenantID string, t model.TriggerType) ([]*model.Definition, error)

	// SaveDefinition inserts or replaces a definition.
	SaveDefinition(ctx context.Context, def *model.Definition) error

	// RecordRunStarted advances runsCount and lastRunAt.
	RecordRunStarted(ctx context.Context, id string, at time.Time) error

	// RecordRunOutcome advances successCount or failureCount.
	RecordRunOutcome(ctx context.Context, id string, success bool) error
}

// RunStore accesses run instances. UpdateRun is a compare-and-set on
// the run's version; every run mutation in the engine goes through it.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// UpdateRun writes the run if the stored version still matches
	// run.Version, then bumps the version. Returns ErrVersionConflict
	// when a concurrent writer won.
	UpdateRun(ctx context.Context, run *model.Run) error

	// HasRunForLead reports whether any run (in any state) exists for
	// the (definition, lead) pair. Backs the runOncePerLead rule.
	HasRunForLead(ctx context.Context, definitionID, leadID string) (bool, error)

	// HasActiveRunForLead reports whether a non-terminal run exists
	// for the pair. Backs the preventDuplicates rule.
	HasActiveRunForLead(ctx context.Context, definitionID, leadID string) (bool, error)

	// LatestRunStart returns the most recent run start time for the
	// pair. Backs the cooldown rule.
	LatestRunStart(ctx context.Context, definitionID, leadID string) (time.Time, bool, error)

	ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, error)
	CountRuns(ctx context.Context, f RunFilter) (int, error)

	// FindWaitingForReplyByPhone returns runs in waitingForReply whose
	// lead phone matches, most recently updated first.
	FindWaitingForReplyByPhone(ctx context.Context, tenantID, phone string) ([]*model.Run, error)

	FindByProviderCallID(ctx context.Context, callID string) (*model.Run, error)
	FindByProviderConversationID(ctx context.Context, conversationID string) (*model.Run, error)
	FindByTaskID(ctx context.Context, taskID string) (*model.Run, error)

	// FindStaleRuns returns non-terminal runs last updated before the
	// cutoff, for supervisor reclamation.
	FindStaleRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Run, error)

	// FindWaitingCallRuns returns waitingForCall runs last updated
	// before the cutoff, for the voice outcome polling pass.
	FindWaitingCallRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Run, error)

	// DeleteRunsBefore removes runs in the given terminal statuses
	// whose completion is older than the cutoff. Returns rows removed.
	DeleteRunsBefore(ctx context.Context, statuses []model.RunStatus, before time.Time) (int64, error)
}

// JobStore accesses durable job records.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error

	// ClaimDueJobs atomically claims pending jobs whose scheduledFor
	// has passed and which have not been published to the broker
	// within requeueAfter, stamping queuedAt. The due-job dispatcher
	// publishes each claimed job exactly once per claim; a lost
	// publish is re-claimed after requeueAfter elapses.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, requeueAfter time.Duration) ([]*model.Job, error)

	// ListJobsByRun returns all job records for a run.
	ListJobsByRun(ctx context.Context, runID string) ([]*model.Job, error)

	// CountOutstandingByRun counts pending/processing/waiting jobs for
	// the run, excluding one job id (the one currently finishing).
	CountOutstandingByRun(ctx context.Context, runID, excludeJobID string) (int, error)

	// CancelPendingByRun marks the run's pending jobs cancelled.
	CancelPendingByRun(ctx context.Context, runID string) (int64, error)

	JobStats(ctx context.Context, now time.Time) (JobStats, error)

	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)

	// DeleteOrphaned removes jobs whose parent run no longer exists.
	DeleteOrphaned(ctx context.Context) (int64, error)
}

// LogStore appends and reads execution log entries.
type LogStore interface {
	AppendLog(ctx context.Context, entry *model.LogEntry) error
	ListLogByRun(ctx context.Context, runID string) ([]*model.LogEntry, error)
}

// TenantStore reads per-tenant engine settings from the organization
// record.
type TenantStore interface {
	// GetTenantSettings returns the tenant's settings, or zero-valued
	// defaults when the tenant has none configured.
	GetTenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error)
}

// LeadStore reads lead snapshots from the CRM tables.
type LeadStore interface {
	GetLead(ctx context.Context, tenantID, leadID string) (*model.LeadView, error)
}

// Store aggregates every repository the engine uses.
type Store interface {
	DefinitionStore
	RunStore
	JobStore
	LogStore
	TenantStore
	LeadStore
}
