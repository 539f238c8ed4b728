package model

import "time"

// RunStatus is the lifecycle state of a run instance.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunWaitingForReply RunStatus = "waitingForReply"
	RunWaitingForCall  RunStatus = "waitingForCall"
	RunWaitingForTask  RunStatus = "waitingForTask"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are
// immutable.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Active reports whether the run still owns in-flight or pending work.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunRunning || s.Waiting()
}

// Waiting reports whether the run is parked on an external event.
func (s RunStatus) Waiting() bool {
	return s == RunWaitingForReply || s == RunWaitingForCall || s == RunWaitingForTask
}

// ActiveRunStatuses lists every non-terminal status, for store queries.
var ActiveRunStatuses = []RunStatus{
	RunPending, RunRunning, RunWaitingForReply, RunWaitingForCall, RunWaitingForTask,
}

// PathStatus is the state of one execution-path entry.
type PathStatus string

const (
	PathPending   PathStatus = "pending"
	PathRunning   PathStatus = "running"
	PathWaiting   PathStatus = "waiting"
	PathCompleted PathStatus = "completed"
	PathFailed    PathStatus = "failed"
	PathSkipped   PathStatus = "skipped"
)

// PathEntry is one row of a run's append-only execution path.
type PathEntry struct {
	NodeID       string         `json:"nodeId"`
	Kind         NodeKind       `json:"kind"`
	Label        string         `json:"label,omitempty"`
	Status       PathStatus     `json:"status"`
	ScheduledFor time.Time      `json:"scheduledFor"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// ReplyWait is the pending-reply wait record on a run.
type ReplyWait struct {
	NodeID        string             `json:"nodeId"`
	TimeoutAt     time.Time          `json:"timeoutAt"`
	Expected      []ExpectedResponse `json:"expectedResponses,omitempty"`
	TimeoutHandle string             `json:"timeoutHandle"`
}

// CallWait is the pending-call wait record on a run.
type CallWait struct {
	NodeID                 string            `json:"nodeId"`
	ProviderCallID         string            `json:"providerCallId,omitempty"`
	ProviderConversationID string            `json:"providerConversationId,omitempty"`
	TimeoutAt              time.Time         `json:"timeoutAt"`
	ExpectedOutcomes       []ExpectedOutcome `json:"expectedOutcomes,omitempty"`
	TimeoutHandle          string            `json:"timeoutHandle"`
}

// TaskWait is the pending-task wait record on a run.
type TaskWait struct {
	NodeID string `json:"nodeId"`
	TaskID string `json:"taskId"`
}

// Run is one execution instance of one definition against one lead.
// A run is mutated by at most one worker at a time; every write goes
// through a compare-and-set on Version.
type Run struct {
	ID           string `json:"id" db:"id"`
	TenantID     string `json:"tenantId" db:"tenant_id"`
	DefinitionID string `json:"definitionId" db:"definition_id"`
	LeadID       string `json:"leadId" db:"lead_id"`

	// LeadPhone is the lead's normalized phone captured at creation,
	// used to match inbound messaging replies to waiting runs.
	LeadPhone string `json:"leadPhone,omitempty" db:"lead_phone"`

	Status        RunStatus  `json:"status" db:"status"`
	StartedAt     time.Time  `json:"startedAt" db:"started_at"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CurrentNodeID string     `json:"currentNodeId,omitempty" db:"current_node_id"`
	Error         string     `json:"error,omitempty" db:"error"`

	Context       map[string]any `json:"context"`
	ExecutionPath []PathEntry    `json:"executionPath"`

	WaitingForReply *ReplyWait `json:"waitingForReply,omitempty"`
	WaitingForCall  *CallWait  `json:"waitingForCall,omitempty"`
	WaitingForTask  *TaskWait  `json:"waitingForTask,omitempty"`

	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// PathEntryFor returns the most recent execution-path entry for the
// given node, or nil when the node has not been scheduled.
func (r *Run) PathEntryFor(nodeID string) *PathEntry {
	for i := len(r.ExecutionPath) - 1; i >= 0; i-- {
		if r.ExecutionPath[i].NodeID == nodeID {
			return &r.ExecutionPath[i]
		}
	}
	return nil
}

// AppendPath appends an execution-path entry.
func (r *Run) AppendPath(e PathEntry) {
	r.ExecutionPath = append(r.ExecutionPath, e)
}

// SetContext writes a key into the run context, allocating the map on
// first use.
func (r *Run) SetContext(key string, value any) {
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	r.Context[key] = value
}

// ClearWaits drops every wait record. Called on resume and cancel.
func (r *Run) ClearWaits() {
	r.WaitingForReply = nil
	r.WaitingForCall = nil
	r.WaitingForTask = nil
}

// Context keys written by node handlers and read by conditions and
// variable interpolation.
const (
	CtxPreviousResults = "previousResults"
	CtxLastMessageID   = "lastMessageId"
	CtxLastCallID      = "lastCallId"
	CtxLastCallOutcome = "lastCallOutcome"
	CtxLastTaskID      = "lastTaskId"
	CtxLastTaskResult  = "lastTaskResult"
	CtxLastReply       = "lastReply"
	CtxLead            = "lead"
	CtxEvent           = "event"
)

// RecordNodeResult stores a node's output under previousResults[nodeID].
func (r *Run) RecordNodeResult(nodeID string, result map[string]any) {
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	prev, _ := r.Context[CtxPreviousResults].(map[string]any)
	if prev == nil {
		prev = make(map[string]any)
	}
	prev[nodeID] = result
	r.Context[CtxPreviousResults] = prev
}
