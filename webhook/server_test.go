package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/flowengine/adapter/adaptertest"
	"github.com/relaycrm/flowengine/events"
	"github.com/relaycrm/flowengine/executor"
	"github.com/relaycrm/flowengine/metrics"
	"github.com/relaycrm/flowengine/model"
	"github.com/relaycrm/flowengine/queue"
	"github.com/relaycrm/flowengine/resumer"
	"github.com/relaycrm/flowengine/storage"
	"github.com/relaycrm/flowengine/supervisor"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*queue.Message
	events   []*model.DomainEvent
}

func (p *fakePublisher) Publish(_ context.Context, _ string, msg *queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) PublishEvent(_ context.Context, event *model.DomainEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return uint64(len(p.events)), nil
}

type harness struct {
	server *Server
	store  *storage.Memory
	pub    *fakePublisher
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	store := storage.NewMemory()
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewUnregistered()

	enqueuer := queue.NewEnqueuer(store, pub, logger)
	advancer := executor.NewAdvancer(store, enqueuer, m, logger)
	res := resumer.New(store, advancer, m, logger)
	sup, err := supervisor.New(supervisor.DefaultConfig(), store, advancer, res, enqueuer, &adaptertest.Voice{}, m, logger)
	require.NoError(t, err)
	emitter := events.NewEmitter(pub, logger)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := New(cfg, store, res, sup, emitter, enqueuer, &adaptertest.Voice{}, m, prometheus.NewRegistry(), logger)
	require.NoError(t, err)
	return &harness{server: server, store: store, pub: pub}
}

func (h *harness) do(t *testing.T, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Routes().ServeHTTP(rec, req)
	return rec
}

func seedWaitingReplyRun(t *testing.T, store *storage.Memory) *model.Run {
	t.Helper()
	ctx := context.Background()
	def := &model.Definition{
		ID: "def-1", TenantID: "t1", Name: "followup", IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "gate", Kind: model.NodeMessagingWithResponse, Config: json.RawMessage(
				`{"body":"Interested?","timeoutSeconds":3600,"timeoutHandle":"no_reply",` +
					`"expectedResponses":[{"kind":"button","value":"yes","nextHandle":"yes"}]}`)},
			{ID: "yesNode", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"great"}`)},
		},
		Edges: []model.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "yesNode", Handle: "yes"},
		},
	}
	require.NoError(t, store.SaveDefinition(ctx, def))

	now := time.Now().UTC()
	run := &model.Run{
		ID: "run-1", TenantID: "t1", DefinitionID: "def-1", LeadID: "l1",
		LeadPhone: "+971501234567",
		Status:    model.RunWaitingForReply,
		StartedAt: now,
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

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestLiveness(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMessagingVerify(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutTenantSettings(&model.TenantSettings{TenantID: "t1", VerifyToken: "secret-token"})

	t.Run("echoes challenge on matching token", func(t *testing.T) {
		rec := h.do(t, http.MethodGet,
			"/webhook/messaging/verify?tenantId=t1&mode=subscribe&token=secret-token&challenge=ch-123", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ch-123", rec.Body.String())
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		rec := h.do(t, http.MethodGet,
			"/webhook/messaging/verify?tenantId=t1&mode=subscribe&token=wrong&challenge=ch-123", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("rejects missing tenant", func(t *testing.T) {
		rec := h.do(t, http.MethodGet,
			"/webhook/messaging/verify?mode=subscribe&token=secret-token", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects tenant without verify token", func(t *testing.T) {
		rec := h.do(t, http.MethodGet,
			"/webhook/messaging/verify?tenantId=t2&mode=subscribe&token=anything", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestMessagingReplySignature(t *testing.T) {
	payload := map[string]any{
		"tenantId": "t1",
		"from":     "+971501234567",
		"messages": []map[string]any{{"kind": "text", "text": "hello"}},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	t.Run("valid signature accepted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.PutTenantSettings(&model.TenantSettings{TenantID: "t1", WebhookSecret: "shhh"})
		rec := h.do(t, http.MethodPost, "/webhook/messaging/reply", payload,
			map[string]string{"X-Hub-Signature-256": sign("shhh", body)})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.PutTenantSettings(&model.TenantSettings{TenantID: "t1", WebhookSecret: "shhh"})
		rec := h.do(t, http.MethodPost, "/webhook/messaging/reply", payload,
			map[string]string{"X-Hub-Signature-256": "sha256=deadbeef"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.PutTenantSettings(&model.TenantSettings{TenantID: "t1", WebhookSecret: "shhh"})
		rec := h.do(t, http.MethodPost, "/webhook/messaging/reply", payload, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tenant without secret accepted unsigned", func(t *testing.T) {
		h := newHarness(t, nil)
		rec := h.do(t, http.MethodPost, "/webhook/messaging/reply", payload, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("custom signature header honored", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.PutTenantSettings(&model.TenantSettings{
			TenantID: "t1", WebhookSecret: "shhh", SignatureHeader: "X-Gateway-Signature",
		})
		rec := h.do(t, http.MethodPost, "/webhook/messaging/reply", payload,
			map[string]string{"X-Gateway-Signature": sign("shhh", body)})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMessagingReplyResumesRun(t *testing.T) {
	h := newHarness(t, nil)
	seedWaitingReplyRun(t, h.store)
	h.store.PutLead("t1", "l1", map[string]any{"id": "l1", "phone": "+971501234567"})

	payload := map[string]any{
		"tenantId": "t1",
		"from":     "+971501234567",
		"messages": []map[string]any{
			{"kind": "interactiveButton", "buttonPayload": "yes"},
		},
	}
	rec := h.do(t, http.MethodPost, "/webhook/messaging/reply", payload, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Received int `json:"received"`
		Resumed  int `json:"resumed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Received)
	assert.Equal(t, 1, resp.Resumed)

	run, err := h.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)
	assert.Nil(t, run.WaitingForReply)
}

func TestVoiceOutcomeAcknowledgesEverything(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("malformed body still 200", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/voice/outcome", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		h.server.Routes().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown call 200", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/webhook/voice/outcome",
			map[string]any{"providerCallId": "ghost", "status": "completed"}, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestVoicePollSecret(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollSecret = "poll-me" })

	rec := h.do(t, http.MethodPost, "/webhook/voice/poll", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/webhook/voice/poll", nil,
		map[string]string{"X-Poll-Secret": "poll-me"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskCompleted(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/webhook/task/completed",
		map[string]any{"completionResult": "success"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/webhook/task/completed",
		map[string]any{"taskId": "ghost", "completionResult": "success"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Resumed bool `json:"resumed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Resumed)
}

func TestTaskCompletedRoutesCompletionResult(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	def := &model.Definition{
		ID: "def-tasks", TenantID: "t1", Name: "task flow", IsActive: true,
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "task", Kind: model.NodeHumanTask, Config: json.RawMessage(`{"taskKind":"callback"}`)},
			{ID: "done", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"thanks"}`)},
			{ID: "retry", Kind: model.NodeMessaging, Config: json.RawMessage(`{"body":"we will try again"}`)},
		},
		Edges: []model.Edge{
			{From: "start", To: "task"},
			{From: "task", To: "done", Handle: "success"},
			{From: "task", To: "retry", Handle: "failed"},
		},
	}
	require.NoError(t, h.store.SaveDefinition(ctx, def))

	now := time.Now().UTC()
	run := &model.Run{
		ID: "run-task", TenantID: "t1", DefinitionID: "def-tasks", LeadID: "l1",
		Status: model.RunWaitingForTask, StartedAt: now,
		WaitingForTask: &model.TaskWait{NodeID: "task", TaskID: "task-42"},
	}
	run.AppendPath(model.PathEntry{NodeID: "task", Kind: model.NodeHumanTask, Status: model.PathWaiting, ScheduledFor: now})
	require.NoError(t, h.store.CreateRun(ctx, run))

	rec := h.do(t, http.MethodPost, "/webhook/task/completed",
		map[string]any{"taskId": "task-42", "completionResult": "failed", "notes": "no answer at the door"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Resumed bool `json:"resumed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Resumed)

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.Status)
	assert.Nil(t, got.WaitingForTask)
	assert.Equal(t, "failed", got.Context[model.CtxLastTaskResult])
	assert.NotNil(t, got.PathEntryFor("retry"))
	assert.Nil(t, got.PathEntryFor("done"))
}

func TestAdminSecretGuard(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AdminSecret = "open-sesame" })

	rec := h.do(t, http.MethodGet, "/workflows/health", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/workflows/health", nil,
		map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/workflows/health", nil,
		map[string]string{"X-Admin-Secret": "open-sesame"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	def := map[string]any{
		"id": "def-1", "tenantId": "t1", "name": "broken",
		"triggerType": "lead.created",
		"nodes": []map[string]any{
			{"id": "start", "kind": "trigger"},
			{"id": "msg", "kind": "action.messaging", "config": map[string]any{"body": "hi"}},
			{"id": "island", "kind": "action.messaging", "config": map[string]any{"body": "lost"}},
		},
		"edges": []map[string]any{{"from": "start", "to": "msg"}},
	}
	rec := h.do(t, http.MethodPost, "/workflows/validate", def, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Errors)
}

func TestManualTriggerEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/workflows/trigger",
		map[string]any{"tenantId": "t1", "leadId": "l1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/workflows/trigger",
		map[string]any{"tenantId": "t1", "leadId": "l1", "definitionId": "def-1"}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Status   string `json:"status"`
		Sequence uint64 `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, uint64(1), resp.Sequence)

	require.Len(t, h.pub.events, 1)
	assert.Equal(t, model.TriggerManual, h.pub.events[0].Kind)
	assert.Equal(t, "def-1", h.pub.events[0].Payload.ForceDefinitionID)
}

func TestRunEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	run := seedWaitingReplyRun(t, h.store)

	rec := h.do(t, http.MethodGet, "/workflows/runs?tenantId=t1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = h.do(t, http.MethodGet, "/workflows/runs/"+run.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/workflows/runs/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/workflows/runs?limit=9999", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRunEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	run := seedWaitingReplyRun(t, h.store)

	rec := h.do(t, http.MethodPost, "/workflows/runs/"+run.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, got.Status)

	rec = h.do(t, http.MethodPost, "/workflows/runs/ghost/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQReplayEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/workflows/dlq/replay", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/workflows/dlq/replay",
		map[string]any{"jobId": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupStatsValidation(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/workflows/cleanup-stats?days=-3", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/workflows/cleanup-stats?days=7&failedDays=30", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
