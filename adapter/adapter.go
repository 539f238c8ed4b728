// Package adapter declares the outbound ports to external systems:
// messaging (WhatsApp/SMS/email), AI voice calls, and human task
// management. Implementations live outside the engine; the engine only
// depends on these contracts and on the error classification they
// report. All adapters must be safe for concurrent use by the worker
// pools.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class classifies an adapter failure and drives the retry policy.
type Class string

const (
	// Transient failures (network, provider 5xx, unknown) are retried
	// with exponential backoff.
	Transient Class = "transient"

	// InvalidInput failures (malformed config, missing phone, provider
	// 4xx other than auth) skip retry and take the failure path.
	InvalidInput Class = "invalidInput"

	// Authz failures (revoked credentials) skip retry, take the
	// failure path and notify the tenant admin.
	Authz Class = "authz"
)

// Error wraps an adapter failure with its classification.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given classification.
func NewError(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Errorf builds a classified adapter error.
func Errorf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the classification from an error chain. Unknown
// errors default to Transient per the engine's taxonomy.
func Classify(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return Transient
}

// Channel selects the outbound messaging transport.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// MessageButton is an interactive button attached to a message.
type MessageButton struct {
	ID    string
	Title string
}

// SendRequest describes one outbound message. Exactly one of
// TemplateRef or Body is set. IdempotencyKey lets the provider
// suppress duplicate sends across retries.
type SendRequest struct {
	Channel  Channel
	TenantID string
	To       string

	TemplateRef string
	Variables   map[string]string
	Body        string
	Subject     string // email only
	Buttons     []MessageButton

	IdempotencyKey string
}

// SendResult is the provider acknowledgment of a send.
type SendResult struct {
	ProviderMessageID string
}

// Messaging sends WhatsApp/SMS messages and email.
type Messaging interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// PlaceCallRequest describes one outbound AI call. Metadata is echoed
// back by the provider in the completion callback so the resumer can
// correlate it with the waiting run.
type PlaceCallRequest struct {
	TenantID  string
	To        string
	AgentRef  string
	Variables map[string]string
	Metadata  CallMetadata

	IdempotencyKey string
}

// CallMetadata identifies the run a call belongs to.
type CallMetadata struct {
	RunID  string `json:"runId"`
	LeadID string `json:"leadId"`
	NodeID string `json:"nodeId"`
}

// PlaceCallResult is the provider acknowledgment of a placed call.
type PlaceCallResult struct {
	ProviderCallID         string
	ProviderConversationID string
}

// CallOutcome is the provider's view of a finished (or in-progress)
// call, either pushed via webhook or fetched by polling.
type CallOutcome struct {
	Status       string
	DurationSecs int
	Analysis     map[string]any
}

// Voice places AI phone calls and fetches outcomes for the polling
// fallback.
type Voice interface {
	Place(ctx context.Context, req PlaceCallRequest) (*PlaceCallResult, error)
	FetchOutcome(ctx context.Context, providerConversationID string) (*CallOutcome, error)
}

// CreateTaskRequest describes one human task.
type CreateTaskRequest struct {
	TenantID   string
	RunID      string
	NodeID     string
	LeadID     string
	TaskKind   string
	Title      string
	DueAt      *time.Time
	Assignment string
}

// CreateTaskResult is the task system's acknowledgment.
type CreateTaskResult struct {
	TaskID string
}

// Tasks creates human tasks; completions come back through the task
// webhook.
type Tasks interface {
	Create(ctx context.Context, req CreateTaskRequest) (*CreateTaskResult, error)
}
