package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/model"
)

// ExecContext is everything a node handler sees for one execution.
type ExecContext struct {
	Job      *model.Job
	Run      *model.Run
	Def      *model.Definition
	Node     *model.Node
	Lead     *model.LeadView
	Settings *model.TenantSettings
	Attempt  int

	// ctxUpdates buffers run-context writes. The run is re-read under
	// CAS before persisting, so handlers never mutate Run.Context
	// directly.
	ctxUpdates map[string]any
}

// SetContext stages a run-context write, applied when the result is
// persisted.
func (ec *ExecContext) SetContext(key string, value any) {
	if ec.ctxUpdates == nil {
		ec.ctxUpdates = make(map[string]any)
	}
	ec.ctxUpdates[key] = value
}

// ContextUpdates returns the staged run-context writes.
func (ec *ExecContext) ContextUpdates() map[string]any { return ec.ctxUpdates }

// IdempotencyKey builds the per-attempt adapter idempotency key.
func (ec *ExecContext) IdempotencyKey() string {
	return fmt.Sprintf("run:%s:node:%s:attempt:%d", ec.Run.ID, ec.Node.ID, ec.Attempt)
}

// Wait describes the wait state a handler parks the run in.
type Wait struct {
	RunStatus model.RunStatus
	Reply     *model.ReplyWait
	Call      *model.CallWait
	Task      *model.TaskWait

	// TimeoutKind/TimeoutAt schedule the timeout job; zero TimeoutAt
	// means no timeout (human tasks wait indefinitely by default).
	TimeoutKind string
	TimeoutAt   time.Time
}

// Result is the outcome of one handler execution.
type Result struct {
	// Status is PathCompleted or PathWaiting.
	Status model.PathStatus

	// Handle selects the outgoing edges on completion ("" for the
	// unlabeled default, "true"/"false" for conditions).
	Handle string

	// Output is recorded on the path entry and under
	// context.previousResults[nodeId].
	Output map[string]any

	// Wait is set when Status is PathWaiting.
	Wait *Wait

	// ConditionTimeoutAt schedules a conditionWithTimeout re-evaluation
	// while the run continues normally.
	ConditionTimeoutAt time.Time
}

// HandlerFunc executes one node kind.
type HandlerFunc func(ctx context.Context, ec *ExecContext) (*Result, error)
