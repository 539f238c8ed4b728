package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayConfig points the engine at the provider gateway, the service
// that fronts the actual WhatsApp, email, voice, and task providers.
type GatewayConfig struct {
	BaseURL string        `json:"baseUrl" yaml:"baseUrl"`
	APIKey  string        `json:"apiKey" yaml:"apiKey"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BaseURL: "http://localhost:8090",
		Timeout: 30 * time.Second,
	}
}

// Validate checks config sanity.
func (c GatewayConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl required")
	}
	return nil
}

// Gateway implements the Messaging, Voice, and Tasks ports against the
// provider gateway's REST API. Failures are classified by status code:
// auth errors never retry, other 4xx take the failure path, everything
// else is transient.
type Gateway struct {
	config GatewayConfig
	client *http.Client
}

var (
	_ Messaging = (*Gateway)(nil)
	_ Voice     = (*Gateway)(nil)
	_ Tasks     = (*Gateway)(nil)
)

// NewGateway builds a gateway client.
func NewGateway(config GatewayConfig) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		config: config,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Send delivers one message through the gateway.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var decoded struct {
		ProviderMessageID string `json:"providerMessageId"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/v1/messages", req.IdempotencyKey, map[string]any{
		"channel":     string(req.Channel),
		"tenantId":    req.TenantID,
		"to":          req.To,
		"templateRef": req.TemplateRef,
		"variables":   req.Variables,
		"body":        req.Body,
		"subject":     req.Subject,
		"buttons":     req.Buttons,
	}, &decoded); err != nil {
		return nil, err
	}
	return &SendResult{ProviderMessageID: decoded.ProviderMessageID}, nil
}

// Place starts one AI call through the gateway.
func (g *Gateway) Place(ctx context.Context, req PlaceCallRequest) (*PlaceCallResult, error) {
	body := map[string]any{
		"tenantId":  req.TenantID,
		"to":        req.To,
		"agentRef":  req.AgentRef,
		"variables": req.Variables,
		"metadata":  req.Metadata,
	}
	var decoded struct {
		ProviderCallID         string `json:"providerCallId"`
		ProviderConversationID string `json:"providerConversationId"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/v1/calls", req.IdempotencyKey, body, &decoded); err != nil {
		return nil, err
	}
	return &PlaceCallResult{
		ProviderCallID:         decoded.ProviderCallID,
		ProviderConversationID: decoded.ProviderConversationID,
	}, nil
}

// FetchOutcome polls the gateway for a conversation's current state.
func (g *Gateway) FetchOutcome(ctx context.Context, providerConversationID string) (*CallOutcome, error) {
	var decoded struct {
		Status       string         `json:"status"`
		DurationSecs int            `json:"durationSecs"`
		Analysis     map[string]any `json:"analysis"`
	}
	path := "/v1/calls/" + providerConversationID
	if err := g.doJSON(ctx, http.MethodGet, path, "", nil, &decoded); err != nil {
		return nil, err
	}
	return &CallOutcome{
		Status:       decoded.Status,
		DurationSecs: decoded.DurationSecs,
		Analysis:     decoded.Analysis,
	}, nil
}

// Create opens one human task through the gateway.
func (g *Gateway) Create(ctx context.Context, req CreateTaskRequest) (*CreateTaskResult, error) {
	var decoded struct {
		TaskID string `json:"taskId"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/v1/tasks", "", map[string]any{
		"tenantId":   req.TenantID,
		"runId":      req.RunID,
		"nodeId":     req.NodeID,
		"leadId":     req.LeadID,
		"taskKind":   req.TaskKind,
		"title":      req.Title,
		"dueAt":      req.DueAt,
		"assignment": req.Assignment,
	}, &decoded); err != nil {
		return nil, err
	}
	return &CreateTaskResult{TaskID: decoded.TaskID}, nil
}

func (g *Gateway) doJSON(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Errorf(InvalidInput, "encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.config.BaseURL+path, reader)
	if err != nil {
		return Errorf(InvalidInput, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	res, err := g.client.Do(req)
	if err != nil {
		return Errorf(Transient, "gateway %s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Errorf(classifyStatus(res.StatusCode),
			"gateway %s %s: status %d: %s", method, path, res.StatusCode, payload)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return Errorf(Transient, "decode gateway response: %v", err)
		}
	}
	return nil
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Authz
	case status == http.StatusTooManyRequests:
		return Transient
	case status >= 400 && status < 500:
		return InvalidInput
	default:
		return Transient
	}
}
