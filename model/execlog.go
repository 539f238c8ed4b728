package model

import "time"

// LogStatus classifies an execution log entry.
type LogStatus string

const (
	LogRunning    LogStatus = "running"
	LogSuccess    LogStatus = "success"
	LogFailed     LogStatus = "failed"
	LogRetrying   LogStatus = "retrying"
	LogTimeout    LogStatus = "timeout"
	LogWaiting    LogStatus = "waiting"
	LogSkipped    LogStatus = "skipped"
	LogDeadLetter LogStatus = "deadLetter"
)

// LogEntry is one row of the append-only execution log, retained
// separately from runs for analytics. Writers never coordinate; reads
// sort by timestamp.
type LogEntry struct {
	ID       int64    `json:"id,omitempty" db:"id"`
	TenantID string   `json:"tenantId" db:"tenant_id"`
	RunID    string   `json:"runId" db:"run_id"`
	NodeID   string   `json:"nodeId,omitempty" db:"node_id"`
	NodeKind NodeKind `json:"nodeKind,omitempty" db:"node_kind"`
	Label    string   `json:"label,omitempty" db:"label"`

	Status  LogStatus `json:"status" db:"status"`
	Message string    `json:"message,omitempty" db:"message"`
	Error   string    `json:"error,omitempty" db:"error"`

	DurationMs int64  `json:"durationMs,omitempty" db:"duration_ms"`
	Attempt    int    `json:"attempt,omitempty" db:"attempt"`
	WorkerID   string `json:"workerId,omitempty" db:"worker_id"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}
