package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycrm/flowengine/adapter"
	"github.com/relaycrm/flowengine/graph"
	"github.com/relaycrm/flowengine/model"
)

func (e *Executor) registerHandlers() {
	e.handlers = map[model.NodeKind]HandlerFunc{
		model.NodeTrigger:               e.handleTrigger,
		model.NodeMessaging:             e.handleMessaging,
		model.NodeMessagingWithResponse: e.handleMessagingWithResponse,
		model.NodeVoiceCall:             e.handleVoiceCall,
		model.NodeVoiceCallWithResponse: e.handleVoiceCall,
		model.NodeHumanTask:             e.handleHumanTask,
		model.NodeEmail:                 e.handleEmail,
		model.NodeCondition:             e.handleCondition,
		model.NodeConditionWithTimeout:  e.handleCondition,
		model.NodeDelay:                 e.handleDelay,
		model.NodeWaitForResponse:       e.handleWaitForResponse,
	}
}

// handleTrigger is a no-op source: successors are normally scheduled
// by the matcher, but a trigger job received anyway just falls through.
func (e *Executor) handleTrigger(_ context.Context, _ *ExecContext) (*Result, error) {
	return &Result{Status: model.PathCompleted}, nil
}

// sendMessage is the shared send path of messaging and
// messagingWithResponse.
func (e *Executor) sendMessage(ctx context.Context, ec *ExecContext, cfg model.MessagingConfig) (map[string]any, error) {
	phone, err := ec.Lead.NormalizedPhone(ec.Settings.DefaultCountryCode)
	if err != nil {
		return nil, adapter.Errorf(adapter.InvalidInput, "lead %s has no usable phone: %v", ec.Run.LeadID, err)
	}

	channel := adapter.ChannelWhatsApp
	if cfg.Channel != "" {
		channel = adapter.Channel(cfg.Channel)
	}

	req := adapter.SendRequest{
		Channel:        channel,
		TenantID:       ec.Run.TenantID,
		To:             phone,
		TemplateRef:    cfg.TemplateID,
		Variables:      InterpolateVars(cfg.Variables, ec.Lead, ec.Run.Context),
		Body:           Interpolate(cfg.Body, ec.Lead, ec.Run.Context),
		IdempotencyKey: ec.IdempotencyKey(),
	}
	for _, b := range cfg.Buttons {
		req.Buttons = append(req.Buttons, adapter.MessageButton{ID: b.ID, Title: b.Title})
	}

	res, err := e.messaging.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s message: %w", channel, err)
	}

	ec.SetContext(model.CtxLastMessageID, res.ProviderMessageID)
	return map[string]any{
		"providerMessageId": res.ProviderMessageID,
		"channel":           string(channel),
		"to":                phone,
	}, nil
}

func (e *Executor) handleMessaging(ctx context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.MessagingConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}
	output, err := e.sendMessage(ctx, ec, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{Status: model.PathCompleted, Output: output}, nil
}

func (e *Executor) handleMessagingWithResponse(ctx context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.MessagingConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}
	output, err := e.sendMessage(ctx, ec, cfg)
	if err != nil {
		return nil, err
	}

	timeoutAt := time.Now().UTC().Add(cfg.Timeout())
	return &Result{
		Status: model.PathWaiting,
		Output: output,
		Wait: &Wait{
			RunStatus: model.RunWaitingForReply,
			Reply: &model.ReplyWait{
				NodeID:        ec.Node.ID,
				TimeoutAt:     timeoutAt,
				Expected:      cfg.ExpectedResponses,
				TimeoutHandle: timeoutHandle(cfg.TimeoutHandle),
			},
			TimeoutKind: model.JobKindReplyTimeout,
			TimeoutAt:   timeoutAt,
		},
	}, nil
}

func (e *Executor) handleVoiceCall(ctx context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.VoiceCallConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}

	phone, err := ec.Lead.NormalizedPhone(ec.Settings.DefaultCountryCode)
	if err != nil {
		return nil, adapter.Errorf(adapter.InvalidInput, "lead %s has no usable phone: %v", ec.Run.LeadID, err)
	}

	res, err := e.voice.Place(ctx, adapter.PlaceCallRequest{
		TenantID:  ec.Run.TenantID,
		To:        phone,
		AgentRef:  cfg.AgentRef,
		Variables: InterpolateVars(cfg.Variables, ec.Lead, ec.Run.Context),
		Metadata: adapter.CallMetadata{
			RunID:  ec.Run.ID,
			LeadID: ec.Run.LeadID,
			NodeID: ec.Node.ID,
		},
		IdempotencyKey: ec.IdempotencyKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("place call: %w", err)
	}

	ec.SetContext(model.CtxLastCallID, res.ProviderCallID)
	output := map[string]any{
		"providerCallId":         res.ProviderCallID,
		"providerConversationId": res.ProviderConversationID,
		"to":                     phone,
	}

	if ec.Node.Kind != model.NodeVoiceCallWithResponse {
		return &Result{Status: model.PathCompleted, Output: output}, nil
	}

	timeoutAt := time.Now().UTC().Add(cfg.Timeout())
	return &Result{
		Status: model.PathWaiting,
		Output: output,
		Wait: &Wait{
			RunStatus: model.RunWaitingForCall,
			Call: &model.CallWait{
				NodeID:                 ec.Node.ID,
				ProviderCallID:         res.ProviderCallID,
				ProviderConversationID: res.ProviderConversationID,
				TimeoutAt:              timeoutAt,
				ExpectedOutcomes:       cfg.ExpectedOutcomes,
				TimeoutHandle:          timeoutHandle(cfg.TimeoutHandle),
			},
			TimeoutKind: model.JobKindCallTimeout,
			TimeoutAt:   timeoutAt,
		},
	}, nil
}

func (e *Executor) handleHumanTask(ctx context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.HumanTaskConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}

	req := adapter.CreateTaskRequest{
		TenantID:   ec.Run.TenantID,
		RunID:      ec.Run.ID,
		NodeID:     ec.Node.ID,
		LeadID:     ec.Run.LeadID,
		TaskKind:   cfg.TaskKind,
		Title:      Interpolate(cfg.Title, ec.Lead, ec.Run.Context),
		Assignment: cfg.Assignment,
	}
	if cfg.DueInSeconds > 0 {
		due := time.Now().UTC().Add(time.Duration(cfg.DueInSeconds) * time.Second)
		req.DueAt = &due
	}

	res, err := e.tasks.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	ec.SetContext(model.CtxLastTaskID, res.TaskID)
	wait := &Wait{
		RunStatus: model.RunWaitingForTask,
		Task: &model.TaskWait{
			NodeID: ec.Node.ID,
			TaskID: res.TaskID,
		},
	}
	// Task waits have no implicit timeout; only an explicit config adds
	// one.
	if cfg.TimeoutSeconds > 0 {
		wait.TimeoutKind = model.JobKindTaskTimeout
		wait.TimeoutAt = time.Now().UTC().Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
	}

	return &Result{
		Status: model.PathWaiting,
		Output: map[string]any{"taskId": res.TaskID},
		Wait:   wait,
	}, nil
}

func (e *Executor) handleEmail(ctx context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.EmailConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}

	email := ec.Lead.Email()
	if email == "" {
		return nil, adapter.Errorf(adapter.InvalidInput, "lead %s has no email address", ec.Run.LeadID)
	}

	res, err := e.messaging.Send(ctx, adapter.SendRequest{
		Channel:        adapter.ChannelEmail,
		TenantID:       ec.Run.TenantID,
		To:             email,
		Subject:        Interpolate(cfg.Subject, ec.Lead, ec.Run.Context),
		Body:           Interpolate(cfg.Body, ec.Lead, ec.Run.Context),
		IdempotencyKey: ec.IdempotencyKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}

	ec.SetContext(model.CtxLastMessageID, res.ProviderMessageID)
	return &Result{
		Status: model.PathCompleted,
		Output: map[string]any{"providerMessageId": res.ProviderMessageID, "to": email},
	}, nil
}

// handleCondition covers condition and conditionWithTimeout. A
// conditionWithTimeout that evaluates false with no false edge
// schedules a re-evaluation instead of dead-ending, so conditions over
// externally-changing fields get a second look before the timeout
// branch fires.
func (e *Executor) handleCondition(_ context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.ConditionConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}

	outcome, err := EvaluateCondition(cfg, ec.Lead, ec.Run.Context)
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}

	handle := graph.HandleFalse
	if outcome {
		handle = graph.HandleTrue
	}
	result := &Result{
		Status: model.PathCompleted,
		Handle: handle,
		Output: map[string]any{
			"field":    cfg.Field,
			"operator": string(cfg.Operator),
			"result":   outcome,
		},
	}

	if ec.Node.Kind == model.NodeConditionWithTimeout && !outcome &&
		cfg.TimeoutSeconds > 0 && len(graph.Successors(ec.Def, ec.Node.ID, graph.HandleFalse)) == 0 {
		result.ConditionTimeoutAt = time.Now().UTC().Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
	}
	return result, nil
}

// handleDelay completes immediately: the wait already happened, because
// delay nodes are scheduled at now plus their configured delay.
func (e *Executor) handleDelay(_ context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.DelayConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}
	return &Result{
		Status: model.PathCompleted,
		Output: map[string]any{"delayedFor": cfg.Delay().String()},
	}, nil
}

func (e *Executor) handleWaitForResponse(_ context.Context, ec *ExecContext) (*Result, error) {
	cfg, err := ec.Node.WaitConfig()
	if err != nil {
		return nil, adapter.NewError(adapter.InvalidInput, err)
	}

	timeoutAt := time.Now().UTC().Add(cfg.Timeout())
	return &Result{
		Status: model.PathWaiting,
		Wait: &Wait{
			RunStatus: model.RunWaitingForReply,
			Reply: &model.ReplyWait{
				NodeID:        ec.Node.ID,
				TimeoutAt:     timeoutAt,
				Expected:      cfg.ExpectedResponses,
				TimeoutHandle: timeoutHandle(cfg.TimeoutHandle),
			},
			TimeoutKind: model.JobKindReplyTimeout,
			TimeoutAt:   timeoutAt,
		},
	}, nil
}

func timeoutHandle(configured string) string {
	if configured != "" {
		return configured
	}
	return graph.HandleTimeout
}
