package resumer

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
	"github.com/relaycrm/flowengine/executor"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/storage"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []*queue.Message
}

func (b *fakeBroker) Publish(_ context.Context, _ string, msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBroker) Consumer(context.Context, string, string) (jetstream.Consumer, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResumer(t *testing.T) (*Resumer, *storage.Memory, *executor.Advancer) {
	t.Helper()
	store := storage.NewMemory()
	logger := testLogger()
	enqueuer := queue.NewEnqueuer(store, &fakeBroker{}, logger)
	advancer := executor.NewAdvancer(store, enqueuer, metrics.NewUnregistered(), logger)
	return New(store, advancer, metrics.NewUnregistered(), logger), store, advancer
}

// waitGateDef builds a definition whose gate node routes button "yes"
// to yesNode and the timeout handle to reminderNode.
func waitGateDef() *model.Definition {
	return &model.Definition{
		ID: "def-1", TenantID: "t1", Name: "followup", IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "gate", Kind: model.NodeMessagingWithResponse, Config: json.RawMessage(
				`{"body":"Interested?","timeoutSeconds":3600,"timeoutHandle":"no_reply",` +
					`"expectedResponses":[{"kind":"button","value":"yes","nextHandle":"yes"}]}`)},
			{ID: "yesNode", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"great"}`)},
			{ID: "reminderNode", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"still there?"}`)},
		},
		Edges: []model.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "yesNode", Handle: "yes"},
			{From: "gate", To: "reminderNode", Handle: "no_reply"},
		},
	}
}

// seedWaitingRun persists a run parked on the gate's reply wait.
func seedWaitingRun(t *testing.T, store *storage.Memory, id string) *model.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	run := &model.Run{
		ID:           id,
		TenantID:     "t1",
		DefinitionID: "def-1",
		LeadID:       "l1",
		LeadPhone:    "+971501234567",
		Status:       model.RunWaitingForReply,
		StartedAt:    now,
		WaitingForReply: &model.ReplyWait{
			NodeID:    "gate",
			TimeoutAt: now.Add(time.Hour),
			Expected: []model.ExpectedResponse{
				{Kind: model.ResponseButton, Value: "yes", NextHandle: "yes"},
			},
			TimeoutHandle: "no_reply",
		},
	}
	run.AppendPath(model.PathEntry{NodeID: "gate", Kind: model.NodeMessagingWithResponse, Status: model.PathWaiting, ScheduledFor: now})
	require.NoError(t, store.CreateRun(ctx, run))
	return run
}

func TestMatchReply(t *testing.T) {
	expected := []model.ExpectedResponse{
		{Kind: model.ResponseButton, Value: "book_visit", NextHandle: "booked"},
		{Kind: model.ResponseTextRegex, Value: "yes|sure|ok", NextHandle: "positive"},
		{Kind: model.ResponseAny, NextHandle: "anything"},
	}

	tests := []struct {
		name  string
		reply Reply
		want  string
	}{
		{
			name:  "button payload match",
			reply: Reply{Kind: ReplyInteractiveButton, ButtonPayload: "book_visit"},
			want:  "booked",
		},
		{
			name:  "button text match is case-insensitive",
			reply: Reply{Kind: ReplyButton, ButtonText: "BOOK_VISIT"},
			want:  "booked",
		},
		{
			name:  "regex match is case-insensitive",
			reply: Reply{Kind: ReplyText, Text: "Sure, sounds good"},
			want:  "positive",
		},
		{
			name:  "any matcher catches the rest",
			reply: Reply{Kind: ReplyMedia},
			want:  "anything",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchReply(expected, tt.reply))
		})
	}

	t.Run("no matcher falls through to default", func(t *testing.T) {
		onlyButton := []model.ExpectedResponse{
			{Kind: model.ResponseButton, Value: "yes", NextHandle: "yes"},
		}
		assert.Equal(t, "default", matchReply(onlyButton, Reply{Kind: ReplyText, Text: "maybe later"}))
	})
}

func TestHandleReplyResumesMostRecentRun(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, waitGateDef()))
	store.PutLead("t1", "l1", map[string]any{"id": "l1", "phone": "+971501234567"})

	older := seedWaitingRun(t, store, "run-older")
	time.Sleep(2 * time.Millisecond)
	newer := seedWaitingRun(t, store, "run-newer")

	handled, err := r.HandleReply(ctx, "t1", "+971 50 123 4567", Reply{
		Kind:          ReplyInteractiveButton,
		ButtonPayload: "yes",
	})
	require.NoError(t, err)
	assert.True(t, handled)

	resumed, err := store.GetRun(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, resumed.Status)
	assert.Nil(t, resumed.WaitingForReply)
	assert.Equal(t, model.PathCompleted, resumed.PathEntryFor("gate").Status)
	assert.NotNil(t, resumed.PathEntryFor("yesNode"))
	require.NotNil(t, resumed.Context[model.CtxLastReply])

	// The older run keeps waiting for its own reply.
	untouched, err := store.GetRun(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunWaitingForReply, untouched.Status)
	assert.NotNil(t, untouched.WaitingForReply)
}

func TestHandleReplyNoWaitingRun(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, waitGateDef()))

	handled, err := r.HandleReply(ctx, "t1", "+971501234567", Reply{Kind: ReplyText, Text: "hi"})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestHandleReplyUnmatchedFallsToDefaultAndCompletes(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, waitGateDef()))
	run := seedWaitingRun(t, store, "run-1")

	// Free text matches no button; the gate has no default edge, so the
	// run resumes and immediately completes.
	handled, err := r.HandleReply(ctx, "t1", "+971501234567", Reply{Kind: ReplyText, Text: "maybe"})
	require.NoError(t, err)
	assert.True(t, handled)

	resumed, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, resumed.Status)
}

func TestDeriveOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result CallResult
		want   string
	}{
		{"no answer", CallResult{Status: "no_answer"}, "no_answer"},
		{"dashed no answer normalized", CallResult{Status: "no-answer"}, "no_answer"},
		{"busy", CallResult{Status: "busy"}, "busy"},
		{"voicemail", CallResult{Status: "voicemail"}, "voicemail"},
		{"completed plain", CallResult{Status: "completed"}, "answered"},
		{
			name: "completed interested",
			result: CallResult{Status: "completed", Analysis: map[string]any{
				"evaluation": map[string]any{"interested": true},
			}},
			want: "interested",
		},
		{
			name: "completed not interested via criteria block",
			result: CallResult{Status: "completed", Analysis: map[string]any{
				"evaluation_criteria_results": map[string]any{"not_interested": "yes"},
			}},
			want: "not_interested",
		},
		{
			name: "callback requested at top level",
			result: CallResult{Status: "done", Analysis: map[string]any{
				"callback_requested": "true",
			}},
			want: "callback_requested",
		},
		{"unknown status passes through", CallResult{Status: "dropped"}, "dropped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveOutcome(tt.result))
		})
	}
}

func TestOutcomeHandle(t *testing.T) {
	expected := []model.ExpectedOutcome{
		{Outcome: "interested", NextHandle: "hot_lead"},
		{Outcome: "no_answer"},
	}

	assert.Equal(t, "hot_lead", outcomeHandle(expected, "interested"))
	// Listed without a handle: the outcome itself is the handle.
	assert.Equal(t, "no_answer", outcomeHandle(expected, "no_answer"))
	// Unlisted outcomes use the default map.
	assert.Equal(t, "callback", outcomeHandle(expected, "callback_requested"))
	assert.Equal(t, "voicemail", outcomeHandle(nil, "voicemail"))
	// Completely unknown outcomes fall to default.
	assert.Equal(t, "default", outcomeHandle(nil, "dropped"))
}

func callWaitDef() *model.Definition {
	return &model.Definition{
		ID: "def-1", TenantID: "t1", Name: "call flow", IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "call", Kind: model.NodeVoiceCallWithResponse, Config: json.RawMessage(
				`{"agentRef":"agent-1","timeoutSeconds":1800}`)},
			{ID: "hot", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"welcome"}`)},
		},
		Edges: []model.Edge{
			{From: "start", To: "call"},
			{From: "call", To: "hot", Handle: "interested"},
		},
	}
}

func seedWaitingCallRun(t *testing.T, store *storage.Memory, id string) *model.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	run := &model.Run{
		ID:           id,
		TenantID:     "t1",
		DefinitionID: "def-1",
		LeadID:       "l1",
		Status:       model.RunWaitingForCall,
		StartedAt:    now,
		WaitingForCall: &model.CallWait{
			NodeID:                 "call",
			ProviderCallID:         "call-9",
			ProviderConversationID: "conv-9",
			TimeoutAt:              now.Add(time.Hour),
			TimeoutHandle:          "timeout",
		},
	}
	run.AppendPath(model.PathEntry{NodeID: "call", Kind: model.NodeVoiceCallWithResponse, Status: model.PathWaiting, ScheduledFor: now})
	require.NoError(t, store.CreateRun(ctx, run))
	return run
}

func TestHandleCallOutcome(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, callWaitDef()))
	run := seedWaitingCallRun(t, store, "run-1")

	// In-progress callbacks are acknowledged and ignored.
	handled, err := r.HandleCallOutcome(ctx, CallResult{ProviderCallID: "call-9", Status: "ringing"})
	require.NoError(t, err)
	assert.False(t, handled)

	handled, err = r.HandleCallOutcome(ctx, CallResult{
		ProviderCallID: "call-9",
		Status:         "completed",
		DurationSecs:   95,
		Analysis:       map[string]any{"evaluation": map[string]any{"interested": true}},
	})
	require.NoError(t, err)
	assert.True(t, handled)

	resumed, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, resumed.Status)
	assert.Nil(t, resumed.WaitingForCall)
	assert.Equal(t, "interested", resumed.Context[model.CtxLastCallOutcome])
	assert.NotNil(t, resumed.PathEntryFor("hot"))
}

func TestHandleCallOutcomeLocatesByConversationID(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, callWaitDef()))
	seedWaitingCallRun(t, store, "run-1")

	handled, err := r.HandleCallOutcome(ctx, CallResult{
		ProviderConversationID: "conv-9",
		Status:                 "no_answer",
	})
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestHandleCallOutcomeUnknownCall(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, callWaitDef()))

	handled, err := r.HandleCallOutcome(ctx, CallResult{ProviderCallID: "ghost", Status: "completed"})
	require.NoError(t, err)
	assert.False(t, handled)
}

func taskWaitDef() *model.Definition {
	return &model.Definition{
		ID: "def-1", TenantID: "t1", Name: "task flow", IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "task", Kind: model.NodeHumanTask, Config: json.RawMessage(`{"taskKind":"callback"}`)},
			{ID: "after", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"thanks"}`)},
		},
		Edges: []model.Edge{
			{From: "start", To: "task"},
			{From: "task", To: "after", Handle: "success"},
		},
	}
}

func TestHandleTaskCompletion(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, taskWaitDef()))

	now := time.Now().UTC()
	run := &model.Run{
		ID: "run-1", TenantID: "t1", DefinitionID: "def-1", LeadID: "l1",
		Status: model.RunWaitingForTask, StartedAt: now,
		WaitingForTask: &model.TaskWait{NodeID: "task", TaskID: "task-77"},
	}
	run.AppendPath(model.PathEntry{NodeID: "task", Kind: model.NodeHumanTask, Status: model.PathWaiting, ScheduledFor: now})
	require.NoError(t, store.CreateRun(ctx, run))

	handled, err := r.HandleTaskCompletion(ctx, "task-77", "success", "spoke with the lead")
	require.NoError(t, err)
	assert.True(t, handled)

	resumed, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, resumed.Status)
	assert.Nil(t, resumed.WaitingForTask)
	assert.Equal(t, "success", resumed.Context[model.CtxLastTaskResult])
	assert.NotNil(t, resumed.PathEntryFor("after"))

	// Unknown task ids are not an error.
	handled, err = r.HandleTaskCompletion(ctx, "ghost", "success", "")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestPollWaitingCalls(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResumer(t)
	require.NoError(t, store.SaveDefinition(ctx, callWaitDef()))
	run := seedWaitingCallRun(t, store, "run-1")
	time.Sleep(2 * time.Millisecond)

	voice := &adaptertest.Voice{}

	// Provider still reports in-progress: nothing moves.
	resumed, err := r.PollWaitingCalls(ctx, voice, 0, 100)
	require.NoError(t, err)
	assert.Zero(t, resumed)

	voice.Outcome = &adapter.CallOutcome{Status: "completed", DurationSecs: 40}
	resumed, err = r.PollWaitingCalls(ctx, voice, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "answered", got.Context[model.CtxLastCallOutcome])
}
