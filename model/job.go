package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a durable job record.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobWaiting    JobStatus = "waiting"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Queue names. Every unit of work in the engine travels through one of
// these; progress between components is never a direct call.
const (
	QueueTrigger = "trigger"
	QueueExecute = "execute"
	QueueTimeout = "timeout"
)

// Timeout job kinds, enqueued on the timeout queue alongside the node
// kinds used on the execute queue.
const (
	JobKindReplyTimeout     = "timeout.reply"
	JobKindCallTimeout      = "timeout.call"
	JobKindTaskTimeout      = "timeout.task"
	JobKindConditionTimeout = "timeout.condition"
)

// Job is the durable mirror of a queue message. It carries the node
// config snapshot so a run never observes definition edits, the
// persisted attempt counter for retry, and the scheduling fields the
// due-job dispatcher and the supervisor operate on.
type Job struct {
	ID           string `json:"id" db:"id"`
	RunID        string `json:"runId" db:"run_id"`
	DefinitionID string `json:"definitionId" db:"definition_id"`
	LeadID       string `json:"leadId" db:"lead_id"`
	TenantID     string `json:"tenantId" db:"tenant_id"`
	NodeID       string `json:"nodeId" db:"node_id"`

	// Kind is the node kind for execute jobs, or one of the timeout
	// kinds for timeout jobs.
	Kind  string `json:"kind" db:"kind"`
	Queue string `json:"queue" db:"queue"`

	Config json.RawMessage `json:"config,omitempty"`

	Status       JobStatus `json:"status" db:"status"`
	ScheduledFor time.Time `json:"scheduledFor" db:"scheduled_for"`

	Attempts      int        `json:"attempts" db:"attempts"`
	MaxAttempts   int        `json:"maxAttempts" db:"max_attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	LastError     string     `json:"lastError,omitempty" db:"last_error"`

	Result      map[string]any `json:"result,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty" db:"completed_at"`

	// QueuedAt marks when the dispatcher last published this job to the
	// broker. Cleared when the job is rescheduled so the dispatcher
	// publishes it again.
	QueuedAt  *time.Time `json:"queuedAt,omitempty" db:"queued_at"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsTimeout reports whether the job is a timeout job rather than a
// node execution.
func (j *Job) IsTimeout() bool {
	switch j.Kind {
	case JobKindReplyTimeout, JobKindCallTimeout, JobKindTaskTimeout, JobKindConditionTimeout:
		return true
	}
	return false
}
