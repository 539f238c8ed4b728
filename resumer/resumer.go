// Package resumer re-enters waiting runs on external stimulus: inbound
// messaging replies, AI-call outcome callbacks, human task
// completions, and wait-gate timeouts delivered through the timeout
// queue.
package resumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/relaycrm/flowengine/executor"
	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/storage"
)

// ReplyKind classifies an inbound message.
type ReplyKind string

const (
	ReplyText              ReplyKind = "text"
	ReplyButton            ReplyKind = "button"
	ReplyInteractiveButton ReplyKind = "interactiveButton"
	ReplyInteractiveList   ReplyKind = "interactiveList"
	ReplyMedia             ReplyKind = "media"
	ReplyLocation          ReplyKind = "location"
	ReplyReaction          ReplyKind = "reaction"
)

// Reply is one decomposed inbound message.
type Reply struct {
	Kind              ReplyKind `json:"kind"`
	Text              string    `json:"text,omitempty"`
	ButtonPayload     string    `json:"buttonPayload,omitempty"`
	ButtonText        string    `json:"buttonText,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
}

// CallResult is a call-completion callback payload.
type CallResult struct {
	ProviderCallID         string         `json:"providerCallId,omitempty"`
	ProviderConversationID string         `json:"providerConversationId,omitempty"`
	CallbackRunID          string         `json:"callbackRunId,omitempty"`
	Status                 string         `json:"status"`
	DurationSecs           int            `json:"durationSecs,omitempty"`
	Analysis               map[string]any `json:"analysis,omitempty"`
}

// Resumer matches external callbacks to waiting runs and advances
// them.
type Resumer struct {
	store    storage.Store
	advancer *executor.Advancer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds a resumer.
func New(store storage.Store, advancer *executor.Advancer, m *metrics.Metrics, logger *slog.Logger) *Resumer {
	return &Resumer{
		store:    store,
		advancer: advancer,
		metrics:  m,
		logger:   logger.With("component", "resumer"),
	}
}

// HandleReply resumes the most recent run waiting for a reply from the
// given phone. Returns false when no run is waiting — the reply is
// simply not for the engine, and replaying the same webhook after a
// resume is a no-op because the wait record is gone.
func (r *Resumer) HandleReply(ctx context.Context, tenantID, fromPhone string, reply Reply) (bool, error) {
	settings, err := r.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("load tenant settings: %w", err)
	}

	phone, err := model.NormalizePhone(fromPhone, settings.DefaultCountryCode)
	if err != nil {
		return false, fmt.Errorf("normalize sender phone: %w", err)
	}

	runs, err := r.store.FindWaitingForReplyByPhone(ctx, tenantID, phone)
	if err != nil {
		return false, fmt.Errorf("find waiting runs for %s: %w", phone, err)
	}

	// Most recent wins when several runs wait on the same phone.
	var run *model.Run
	for _, candidate := range runs {
		if candidate.WaitingForReply != nil {
			run = candidate
			break
		}
	}
	if run == nil {
		r.logger.Debug("no run waiting for reply",
			"tenant_id", tenantID,
			"phone", phone)
		return false, nil
	}

	wait := run.WaitingForReply
	handle := matchReply(wait.Expected, reply)

	def, err := r.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return false, fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}

	meta := map[string]any{
		"resumedBy":     "reply",
		"replyKind":     string(reply.Kind),
		"matchedHandle": handle,
	}
	ctxUpdates := map[string]any{
		model.CtxLastReply: map[string]any{
			"kind":          string(reply.Kind),
			"text":          reply.Text,
			"buttonPayload": reply.ButtonPayload,
			"buttonText":    reply.ButtonText,
			"receivedAt":    time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := r.resume(ctx, run, def, wait.NodeID, handle, meta, ctxUpdates); err != nil {
		return false, err
	}

	r.logger.Info("run resumed by reply",
		"run_id", run.ID,
		"node_id", wait.NodeID,
		"handle", handle,
		"reply_kind", reply.Kind)
	return true, nil
}

// matchReply finds the first expected-response entry the reply
// satisfies; no match falls through to the default handle.
func matchReply(expected []model.ExpectedResponse, reply Reply) string {
	for _, exp := range expected {
		switch exp.Kind {
		case model.ResponseAny:
			return nextHandle(exp)
		case model.ResponseButton:
			if reply.ButtonPayload != "" && reply.ButtonPayload == exp.Value {
				return nextHandle(exp)
			}
			if reply.ButtonText != "" && strings.EqualFold(reply.ButtonText, exp.Value) {
				return nextHandle(exp)
			}
		case model.ResponseTextRegex:
			re, err := regexp.Compile("(?i)" + exp.Value)
			if err != nil {
				continue
			}
			if re.MatchString(reply.Text) {
				return nextHandle(exp)
			}
		}
	}
	return graph.HandleDefault
}

func nextHandle(exp model.ExpectedResponse) string {
	if exp.NextHandle != "" {
		return exp.NextHandle
	}
	return graph.HandleDefault
}

// inProgressStatuses are provider call states that mean the call is
// not finished yet; the callback is acknowledged and ignored.
var inProgressStatuses = map[string]bool{
	"in_progress": true,
	"in-progress": true,
	"initiated":   true,
	"ringing":     true,
	"queued":      true,
}

// HandleCallOutcome resumes the run waiting on the given call.
// Returns false when no waiting run matches or the call is still in
// progress.
func (r *Resumer) HandleCallOutcome(ctx context.Context, result CallResult) (bool, error) {
	if inProgressStatuses[strings.ToLower(result.Status)] {
		return false, nil
	}

	run, err := r.locateCallRun(ctx, result)
	if err != nil {
		return false, err
	}
	if run == nil || run.WaitingForCall == nil {
		r.logger.Debug("no run waiting for call outcome",
			"provider_call_id", result.ProviderCallID,
			"provider_conversation_id", result.ProviderConversationID)
		return false, nil
	}

	wait := run.WaitingForCall
	outcome := deriveOutcome(result)
	handle := outcomeHandle(wait.ExpectedOutcomes, outcome)

	def, err := r.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return false, fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}

	meta := map[string]any{
		"resumedBy":     "callOutcome",
		"outcome":       outcome,
		"status":        result.Status,
		"durationSecs":  result.DurationSecs,
		"matchedHandle": handle,
	}
	ctxUpdates := map[string]any{
		model.CtxLastCallOutcome: outcome,
	}

	if err := r.resume(ctx, run, def, wait.NodeID, handle, meta, ctxUpdates); err != nil {
		return false, err
	}

	r.logger.Info("run resumed by call outcome",
		"run_id", run.ID,
		"node_id", wait.NodeID,
		"outcome", outcome,
		"handle", handle)
	return true, nil
}

// locateCallRun resolves the waiting run by provider call id, then
// conversation id, then the callback's run id.
func (r *Resumer) locateCallRun(ctx context.Context, result CallResult) (*model.Run, error) {
	if result.ProviderCallID != "" {
		run, err := r.store.FindByProviderCallID(ctx, result.ProviderCallID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("find run by call id: %w", err)
		}
	}
	if result.ProviderConversationID != "" {
		run, err := r.store.FindByProviderConversationID(ctx, result.ProviderConversationID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("find run by conversation id: %w", err)
		}
	}
	if result.CallbackRunID != "" {
		run, err := r.store.GetRun(ctx, result.CallbackRunID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("load callback run: %w", err)
		}
		if run.WaitingForCall != nil {
			return run, nil
		}
	}
	return nil, nil
}

// deriveOutcome maps the provider status and analysis to the engine's
// outcome vocabulary.
func deriveOutcome(result CallResult) string {
	status := strings.ToLower(result.Status)
	switch status {
	case "no_answer", "no-answer", "busy", "failed", "voicemail":
		return strings.ReplaceAll(status, "-", "_")
	case "completed", "done":
		switch {
		case analysisTruthy(result.Analysis, "interested"):
			return "interested"
		case analysisTruthy(result.Analysis, "not_interested"):
			return "not_interested"
		case analysisTruthy(result.Analysis, "callback_requested"):
			return "callback_requested"
		default:
			return "answered"
		}
	}
	return status
}

// analysisTruthy checks a criterion under the provider's analysis
// blocks; providers differ on the nesting key.
func analysisTruthy(analysis map[string]any, key string) bool {
	for _, section := range []string{"evaluation", "evaluation_criteria_results"} {
		if block, ok := analysis[section].(map[string]any); ok {
			if truthy(block[key]) {
				return true
			}
		}
	}
	return truthy(analysis[key])
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes" || s == "1"
	case float64:
		return t != 0
	}
	return false
}

// defaultOutcomeHandles is the fallback outcome-to-handle map applied
// when a node does not list an outcome.
var defaultOutcomeHandles = map[string]string{
	"interested":         "interested",
	"not_interested":     "not_interested",
	"callback_requested": "callback",
	"answered":           "answered",
	"no_answer":          "no_answer",
	"voicemail":          "voicemail",
	"busy":               "busy",
	"failed":             "failed",
}

func outcomeHandle(expected []model.ExpectedOutcome, outcome string) string {
	for _, exp := range expected {
		if strings.EqualFold(exp.Outcome, outcome) {
			if exp.NextHandle != "" {
				return exp.NextHandle
			}
			return outcome
		}
	}
	if handle, ok := defaultOutcomeHandles[outcome]; ok {
		return handle
	}
	return graph.HandleDefault
}

// taskHandles maps task completion results to handles; anything else
// takes "completed".
var taskHandles = map[string]string{
	"success":     graph.HandleSuccess,
	"failed":      "failed",
	"rescheduled": "rescheduled",
	"no_answer":   graph.HandleNoAnswer,
}

// HandleTaskCompletion resumes the run waiting on the given task.
func (r *Resumer) HandleTaskCompletion(ctx context.Context, taskID, completionResult, notes string) (bool, error) {
	run, err := r.store.FindByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Debug("no run waiting for task", "task_id", taskID)
			return false, nil
		}
		return false, fmt.Errorf("find run by task id: %w", err)
	}
	if run.WaitingForTask == nil {
		return false, nil
	}

	wait := run.WaitingForTask
	handle, ok := taskHandles[strings.ToLower(completionResult)]
	if !ok {
		handle = "completed"
	}

	def, err := r.store.GetDefinition(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return false, fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}

	meta := map[string]any{
		"resumedBy":     "taskCompletion",
		"taskId":        taskID,
		"result":        completionResult,
		"matchedHandle": handle,
	}
	if notes != "" {
		meta["notes"] = notes
	}
	ctxUpdates := map[string]any{
		model.CtxLastTaskResult: completionResult,
	}

	if err := r.resume(ctx, run, def, wait.NodeID, handle, meta, ctxUpdates); err != nil {
		return false, err
	}

	r.logger.Info("run resumed by task completion",
		"run_id", run.ID,
		"task_id", taskID,
		"result", completionResult,
		"handle", handle)
	return true, nil
}

func (r *Resumer) resume(ctx context.Context, run *model.Run, def *model.Definition, nodeID, handle string, meta, ctxUpdates map[string]any) error {
	if err := r.advancer.Resume(ctx, run.ID, def, nodeID, handle, meta, ctxUpdates); err != nil {
		return fmt.Errorf("resume run %s: %w", run.ID, err)
	}
	r.appendLog(ctx, run, def, nodeID, model.LogSuccess,
		fmt.Sprintf("resumed along %q", handle), "")
	return nil
}

func (r *Resumer) appendLog(ctx context.Context, run *model.Run, def *model.Definition, nodeID string, status model.LogStatus, message, errMsg string) {
	entry := &model.LogEntry{
		TenantID:  run.TenantID,
		RunID:     run.ID,
		NodeID:    nodeID,
		Status:    status,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	if node, ok := def.Node(nodeID); ok {
		entry.NodeKind = node.Kind
		entry.Label = node.Label
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.Warn("append execution log",
			"run_id", run.ID,
			"error", err)
	}
}
