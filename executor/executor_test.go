package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/adapter/adaptertest"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/storage"
)

// execBroker records publishes and dead letters; the consumer side is
// never exercised because tests call ProcessJob directly.
type execBroker struct {
	mu          sync.Mutex
	published   []*queue.Message
	deadLetters []*queue.DeadLetter
}

func (b *execBroker) Publish(_ context.Context, _ string, msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *execBroker) PublishDeadLetter(_ context.Context, entry *queue.DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, entry)
	return nil
}

func (b *execBroker) Consumer(context.Context, string, string) (jetstream.Consumer, error) {
	return nil, nil
}

type harness struct {
	exec      *Executor
	store     *storage.Memory
	broker    *execBroker
	messaging *adaptertest.Messaging
	voice     *adaptertest.Voice
	tasks     *adaptertest.Tasks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemory()
	broker := &execBroker{}
	messaging := &adaptertest.Messaging{}
	voice := &adaptertest.Voice{}
	tasks := &adaptertest.Tasks{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.WorkerID = "test-worker"
	exec, err := New(cfg, store, broker, messaging, voice, tasks, metrics.NewUnregistered(), logger)
	require.NoError(t, err)

	store.PutLead("t1", "l1", map[string]any{
		"id":     "l1",
		"name":   "Sara",
		"phone":  "+971501234567",
		"email":  "sara@example.com",
		"budget": 250000.0,
	})
	return &harness{exec: exec, store: store, broker: broker, messaging: messaging, voice: voice, tasks: tasks}
}

// seed persists a definition, a running run positioned at nodeID, and
// its pending job; returns the job id.
func (h *harness) seed(t *testing.T, def *model.Definition, nodeID string) (runID, jobID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveDefinition(ctx, def))

	node, ok := def.Node(nodeID)
	require.True(t, ok)

	now := time.Now().UTC()
	run := &model.Run{
		ID:           "run-1",
		TenantID:     "t1",
		DefinitionID: def.ID,
		LeadID:       "l1",
		LeadPhone:    "+971501234567",
		Status:       model.RunRunning,
		StartedAt:    now,
	}
	run.AppendPath(model.PathEntry{
		NodeID: nodeID, Kind: node.Kind, Status: model.PathPending, ScheduledFor: now,
	})
	require.NoError(t, h.store.CreateRun(ctx, run))

	job := &model.Job{
		ID:           "job-1",
		RunID:        run.ID,
		DefinitionID: def.ID,
		LeadID:       "l1",
		TenantID:     "t1",
		NodeID:       nodeID,
		Kind:         string(node.Kind),
		Queue:        model.QueueExecute,
		Config:       node.Config,
		Status:       model.JobPending,
		ScheduledFor: now,
		MaxAttempts:  node.MaxAttemptsOverride(),
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	return run.ID, job.ID
}

func singleNodeDef(kind model.NodeKind, config string) *model.Definition {
	return &model.Definition{
		ID:       "def-1",
		TenantID: "t1",
		Name:     "test flow",
		IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "work", Kind: kind, Config: json.RawMessage(config)},
		},
		Edges: []model.Edge{{From: "start", To: "work"}},
	}
}

func TestProcessJobMessagingCompletesRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"Hi {{lead.name}}"}`), "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	calls := h.messaging.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hi Sara", calls[0].Body)
	assert.Equal(t, adapter.ChannelWhatsApp, calls[0].Channel)
	assert.Equal(t, "+971501234567", calls[0].To)
	assert.NotEmpty(t, calls[0].IdempotencyKey)

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)

	// Last node, nothing outstanding: the run completes.
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, "msg-1", run.Context[model.CtxLastMessageID])

	entry := run.PathEntryFor("work")
	require.NotNil(t, entry)
	assert.Equal(t, model.PathCompleted, entry.Status)
	assert.Equal(t, "msg-1", entry.Result["providerMessageId"])

	logs, err := h.store.ListLogByRun(ctx, runID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, model.LogSuccess, logs[len(logs)-1].Status)

	def, err := h.store.GetDefinition(ctx, "t1", "def-1")
	require.NoError(t, err)
	assert.Equal(t, 1, def.SuccessCount)
}

func TestProcessJobConditionRoutesTrueBranch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	def := &model.Definition{
		ID: "def-1", TenantID: "t1", Name: "branching", IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "check", Kind: model.NodeCondition, Config: json.RawMessage(`{"field":"budget","operator":"gt","value":100000}`)},
			{ID: "rich", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"premium"}`)},
			{ID: "poor", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"standard"}`)},
		},
		Edges: []model.Edge{
			{From: "start", To: "check"},
			{From: "check", To: "rich", Handle: "true"},
			{From: "check", To: "poor", Handle: "false"},
		},
	}
	runID, jobID := h.seed(t, def, "check")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)

	entry := run.PathEntryFor("check")
	require.NotNil(t, entry)
	assert.Equal(t, model.PathCompleted, entry.Status)
	assert.Equal(t, true, entry.Result["result"])

	// Only the true branch was scheduled.
	assert.NotNil(t, run.PathEntryFor("rich"))
	assert.Nil(t, run.PathEntryFor("poor"))

	jobs, err := h.store.ListJobsByRun(ctx, runID)
	require.NoError(t, err)
	var successor *model.Job
	for _, j := range jobs {
		if j.NodeID == "rich" {
			successor = j
		}
	}
	require.NotNil(t, successor)
	assert.Equal(t, model.JobPending, successor.Status)
}

func TestProcessJobMessagingWithResponseEntersWait(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	config := `{"body":"Interested?","timeoutSeconds":3600,"timeoutHandle":"no_reply",` +
		`"expectedResponses":[{"kind":"button","value":"yes","nextHandle":"yes"}]}`
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessagingWithResponse, config), "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunWaitingForReply, run.Status)
	require.NotNil(t, run.WaitingForReply)
	assert.Equal(t, "work", run.WaitingForReply.NodeID)
	assert.Equal(t, "no_reply", run.WaitingForReply.TimeoutHandle)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), run.WaitingForReply.TimeoutAt, time.Minute)

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobWaiting, job.Status)

	// A timeout job was persisted for the gate.
	jobs, err := h.store.ListJobsByRun(ctx, runID)
	require.NoError(t, err)
	var timeoutJob *model.Job
	for _, j := range jobs {
		if j.Kind == model.JobKindReplyTimeout {
			timeoutJob = j
		}
	}
	require.NotNil(t, timeoutJob)
	assert.Equal(t, model.QueueTimeout, timeoutJob.Queue)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), timeoutJob.ScheduledFor, time.Minute)
}

func TestProcessJobVoiceCallWithResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	config := `{"agentRef":"agent-1","timeoutSeconds":1800}`
	runID, jobID := h.seed(t, singleNodeDef(model.NodeVoiceCallWithResponse, config), "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunWaitingForCall, run.Status)
	require.NotNil(t, run.WaitingForCall)
	assert.Equal(t, "call-1", run.WaitingForCall.ProviderCallID)
	assert.Equal(t, "conv-1", run.WaitingForCall.ProviderConversationID)
	assert.Equal(t, "call-1", run.Context[model.CtxLastCallID])

	placed := h.voice.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, "agent-1", placed[0].AgentRef)
	assert.Equal(t, runID, placed[0].Metadata.RunID)
}

func TestProcessJobHumanTaskWaitsWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeHumanTask, `{"taskKind":"callback","title":"Call {{lead.name}}"}`), "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunWaitingForTask, run.Status)
	require.NotNil(t, run.WaitingForTask)
	assert.Equal(t, "task-1", run.WaitingForTask.TaskID)

	created := h.tasks.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "Call Sara", created[0].Title)

	// No implicit timeout for task waits.
	jobs, err := h.store.ListJobsByRun(ctx, runID)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, model.QueueTimeout, j.Queue)
	}
}

func TestProcessJobTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"hi"}`), "work")

	h.messaging.NextErr = adapter.Errorf(adapter.Transient, "provider 503")
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "provider 503")
	assert.True(t, job.ScheduledFor.After(time.Now().UTC()))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)
	entry := run.PathEntryFor("work")
	require.NotNil(t, entry)
	assert.Equal(t, model.PathPending, entry.Status)

	// Second delivery succeeds.
	job.ScheduledFor = time.Now().UTC()
	require.NoError(t, h.store.UpdateJob(ctx, job))
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	job, err = h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestProcessJobRetriesExhaustedDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"hi","maxAttempts":1}`), "work")

	h.messaging.FailAlways = true
	h.messaging.FailErr = adapter.Errorf(adapter.Transient, "provider down")
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, run.Error, "work")

	require.Len(t, h.broker.deadLetters, 1)
	assert.Equal(t, jobID, h.broker.deadLetters[0].JobID)
	assert.Equal(t, "provider down", h.broker.deadLetters[0].LastError)

	def, err := h.store.GetDefinition(ctx, "t1", "def-1")
	require.NoError(t, err)
	assert.Equal(t, 1, def.FailureCount)
}

func TestProcessJobInvalidInputSkipsRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"hi"}`), "work")

	h.messaging.NextErr = adapter.Errorf(adapter.InvalidInput, "bad template")
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
}

func TestProcessJobFailureEdgeTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	def := singleNodeDef(model.NodeMessaging, `{"body":"hi","maxAttempts":1}`)
	def.Nodes = append(def.Nodes, model.Node{
		ID: "fallback", Kind: model.NodeHumanTask, Config: json.RawMessage(`{"taskKind":"manual_followup"}`),
	})
	def.Edges = append(def.Edges, model.Edge{From: "work", To: "fallback", Handle: "failure"})
	runID, jobID := h.seed(t, def, "work")

	h.messaging.FailAlways = true
	h.messaging.FailErr = adapter.Errorf(adapter.Transient, "provider down")
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	// The failure path keeps the run alive.
	assert.Equal(t, model.RunRunning, run.Status)
	assert.Equal(t, model.PathFailed, run.PathEntryFor("work").Status)
	assert.NotNil(t, run.PathEntryFor("fallback"))

	// Declared failure handling is not a dead letter.
	assert.Empty(t, h.broker.deadLetters)
}

func TestProcessJobSkipOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"hi","maxAttempts":1,"skipOnFailure":true}`), "work")

	h.messaging.FailAlways = true
	h.messaging.FailErr = adapter.Errorf(adapter.Transient, "provider down")
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.PathSkipped, run.PathEntryFor("work").Status)
	// Skipped last node: the run still completes.
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Empty(t, h.broker.deadLetters)
}

func TestProcessJobRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"hi"}`), "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))
	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	// The duplicate delivery never reached the adapter again.
	assert.Len(t, h.messaging.Calls(), 1)
}

func TestProcessJobTerminalRunCancelsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeMessaging, `{"body":"hi"}`), "work")

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	run.Status = model.RunCancelled
	require.NoError(t, h.store.UpdateRun(ctx, run))

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, job.Status)
	assert.Empty(t, h.messaging.Calls())
}

func TestProcessJobMissingJobIsDiscarded(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.exec.ProcessJob(context.Background(), "no-such-job"))
}

func TestProcessJobDelayCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runID, jobID := h.seed(t, singleNodeDef(model.NodeDelay, `{"duration":1,"unit":"hours"}`), "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, model.PathCompleted, run.PathEntryFor("work").Status)
}

func TestProcessJobConditionWithTimeoutSchedulesReevaluation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	def := singleNodeDef(model.NodeConditionWithTimeout,
		`{"field":"status","operator":"eq","value":"replied","timeoutSeconds":600}`)
	def.Nodes = append(def.Nodes, model.Node{
		ID: "next", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"thanks"}`),
	})
	def.Edges = append(def.Edges, model.Edge{From: "work", To: "next", Handle: "true"})
	runID, jobID := h.seed(t, def, "work")

	require.NoError(t, h.exec.ProcessJob(ctx, jobID))

	// Condition is false, no false edge: a re-evaluation timeout job
	// keeps the run alive.
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)

	jobs, err := h.store.ListJobsByRun(ctx, runID)
	require.NoError(t, err)
	var timeoutJob *model.Job
	for _, j := range jobs {
		if j.Kind == model.JobKindConditionTimeout {
			timeoutJob = j
		}
	}
	require.NotNil(t, timeoutJob)
	assert.WithinDuration(t, time.Now().UTC().Add(10*time.Minute), timeoutJob.ScheduledFor, time.Minute)
}
