package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// NodeKind identifies the behavior of a graph node. The set is fixed;
// node configuration is a tagged variant keyed on the kind.
type NodeKind string

const (
	NodeTrigger                 NodeKind = "trigger"
	NodeMessaging               NodeKind = "action.messaging"
	NodeMessagingWithResponse   NodeKind = "action.messagingWithResponse"
	NodeVoiceCall               NodeKind = "action.voiceCall"
	NodeVoiceCallWithResponse   NodeKind = "action.voiceCallWithResponse"
	NodeHumanTask               NodeKind = "action.humanTask"
	NodeEmail                   NodeKind = "action.email"
	NodeCondition               NodeKind = "condition"
	NodeConditionWithTimeout    NodeKind = "conditionWithTimeout"
	NodeDelay                   NodeKind = "delay"
	NodeWaitForResponse         NodeKind = "waitForResponse"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeTrigger, NodeMessaging, NodeMessagingWithResponse,
		NodeVoiceCall, NodeVoiceCallWithResponse, NodeHumanTask,
		NodeEmail, NodeCondition, NodeConditionWithTimeout,
		NodeDelay, NodeWaitForResponse:
		return true
	}
	return false
}

// Node is a typed vertex in a workflow graph. Config holds the
// kind-specific configuration, decoded on demand.
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Label  string          `json:"label,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ResponseKind classifies an expected-response matcher on a wait gate.
type ResponseKind string

const (
	ResponseAny       ResponseKind = "any"
	ResponseButton    ResponseKind = "button"
	ResponseTextRegex ResponseKind = "textRegex"
)

// ExpectedResponse maps an incoming reply to an outgoing handle.
type ExpectedResponse struct {
	Kind       ResponseKind `json:"kind"`
	Value      string       `json:"value,omitempty"`
	NextHandle string       `json:"nextHandle"`
}

// ExpectedOutcome maps a voice-call outcome to an outgoing handle.
type ExpectedOutcome struct {
	Outcome    string `json:"outcome"`
	NextHandle string `json:"nextHandle"`
}

// Button is an interactive message button (at most three per message).
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessagingConfig configures action.messaging and
// action.messagingWithResponse nodes. Exactly one of TemplateID or
// Body must be set.
type MessagingConfig struct {
	Channel    string            `json:"channel,omitempty"` // whatsapp (default) or sms
	TemplateID string            `json:"templateId,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Body       string            `json:"body,omitempty"`
	Buttons    []Button          `json:"buttons,omitempty"`

	// Wait-gate fields, used by the WithResponse variant only.
	ExpectedResponses []ExpectedResponse `json:"expectedResponses,omitempty"`
	TimeoutSeconds    int64              `json:"timeoutSeconds,omitempty"`
	TimeoutHandle     string             `json:"timeoutHandle,omitempty"`
}

// Timeout returns the configured wait timeout as a duration.
func (c MessagingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// VoiceCallConfig configures action.voiceCall and
// action.voiceCallWithResponse nodes.
type VoiceCallConfig struct {
	AgentRef  string            `json:"agentRef"`
	Variables map[string]string `json:"variables,omitempty"`

	ExpectedOutcomes []ExpectedOutcome `json:"expectedOutcomes,omitempty"`
	TimeoutSeconds   int64             `json:"timeoutSeconds,omitempty"`
	TimeoutHandle    string            `json:"timeoutHandle,omitempty"`
}

// Timeout returns the configured wait timeout as a duration.
func (c VoiceCallConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HumanTaskConfig configures action.humanTask nodes.
type HumanTaskConfig struct {
	TaskKind     string `json:"taskKind"`
	Title        string `json:"title,omitempty"`
	DueInSeconds int64  `json:"dueInSeconds,omitempty"`
	Assignment   string `json:"assignment,omitempty"` // user id or role

	// Optional: a task wait normally has no implicit timeout.
	TimeoutSeconds int64  `json:"timeoutSeconds,omitempty"`
	TimeoutHandle  string `json:"timeoutHandle,omitempty"`
}

// EmailConfig configures action.email nodes.
type EmailConfig struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpContains   Operator = "contains"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpIsEmpty    Operator = "isEmpty"
	OpIsNotEmpty Operator = "isNotEmpty"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpContains, OpGt, OpLt, OpIn, OpNotIn, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// ConditionConfig configures condition and conditionWithTimeout nodes.
type ConditionConfig struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`

	// TimeoutSeconds applies to conditionWithTimeout only: if the
	// condition has not re-evaluated within the window, the timeout
	// branch is taken.
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// DelayUnit is the unit of a delay node's duration.
type DelayUnit string

const (
	UnitSeconds DelayUnit = "seconds"
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

// DelayConfig configures delay nodes.
type DelayConfig struct {
	Duration int64     `json:"duration"`
	Unit     DelayUnit `json:"unit"`
}

// Delay converts the configured duration and unit to a time.Duration.
func (c DelayConfig) Delay() time.Duration {
	switch c.Unit {
	case UnitMinutes:
		return time.Duration(c.Duration) * time.Minute
	case UnitHours:
		return time.Duration(c.Duration) * time.Hour
	case UnitDays:
		return time.Duration(c.Duration) * 24 * time.Hour
	default:
		return time.Duration(c.Duration) * time.Second
	}
}

// WaitConfig configures waitForResponse nodes: a pure pause that
// enters the reply wait state without sending a message.
type WaitConfig struct {
	ExpectedResponses []ExpectedResponse `json:"expectedResponses,omitempty"`
	TimeoutSeconds    int64              `json:"timeoutSeconds,omitempty"`
	TimeoutHandle     string             `json:"timeoutHandle,omitempty"`
}

// Timeout returns the configured wait timeout as a duration.
func (c WaitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// MessagingConfig decodes the node config as a MessagingConfig.
func (n *Node) MessagingConfig() (MessagingConfig, error) {
	var c MessagingConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// VoiceCallConfig decodes the node config as a VoiceCallConfig.
func (n *Node) VoiceCallConfig() (VoiceCallConfig, error) {
	var c VoiceCallConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// HumanTaskConfig decodes the node config as a HumanTaskConfig.
func (n *Node) HumanTaskConfig() (HumanTaskConfig, error) {
	var c HumanTaskConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// EmailConfig decodes the node config as an EmailConfig.
func (n *Node) EmailConfig() (EmailConfig, error) {
	var c EmailConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// ConditionConfig decodes the node config as a ConditionConfig.
func (n *Node) ConditionConfig() (ConditionConfig, error) {
	var c ConditionConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// DelayConfig decodes the node config as a DelayConfig.
func (n *Node) DelayConfig() (DelayConfig, error) {
	var c DelayConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// WaitConfig decodes the node config as a WaitConfig.
func (n *Node) WaitConfig() (WaitConfig, error) {
	var c WaitConfig
	err := decodeConfig(n.Config, &c)
	return c, err
}

// ExecTimeoutSeconds reads an optional per-node override of the
// wall-clock execution timeout. Zero means use the engine default.
func (n *Node) ExecTimeoutSeconds() int64 {
	var c struct {
		ExecTimeoutSeconds int64 `json:"execTimeoutSeconds"`
	}
	if err := decodeConfig(n.Config, &c); err != nil {
		return 0
	}
	return c.ExecTimeoutSeconds
}

// MaxAttemptsOverride reads an optional per-node retry override.
// Zero means use the engine default.
func (n *Node) MaxAttemptsOverride() int {
	var c struct {
		MaxAttempts int `json:"maxAttempts"`
	}
	if err := decodeConfig(n.Config, &c); err != nil {
		return 0
	}
	return c.MaxAttempts
}

// SkipOnFailure reads the node's skip-on-failure flag: when retries
// exhaust, the node is marked skipped and execution continues along
// the non-failure edges.
func (n *Node) SkipOnFailure() bool {
	var c struct {
		SkipOnFailure bool `json:"skipOnFailure"`
	}
	if err := decodeConfig(n.Config, &c); err != nil {
		return false
	}
	return c.SkipOnFailure
}

// ValidateConfig checks that the kind-specific required fields are
// present and well-formed. Graph validation calls this at save time;
// the executor calls it again defensively before dispatch.
func (n *Node) ValidateConfig() error {
	switch n.Kind {
	case NodeTrigger:
		return nil

	case NodeMessaging, NodeMessagingWithResponse:
		c, err := n.MessagingConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode messaging config: %w", n.ID, err)
		}
		if c.TemplateID == "" && c.Body == "" {
			return fmt.Errorf("node %s: messaging requires templateId or body", n.ID)
		}
		if c.TemplateID != "" && c.Body != "" {
			return fmt.Errorf("node %s: messaging allows templateId or body, not both", n.ID)
		}
		if len(c.Buttons) > 3 {
			return fmt.Errorf("node %s: at most 3 buttons allowed", n.ID)
		}
		if n.Kind == NodeMessagingWithResponse {
			if c.TimeoutSeconds <= 0 {
				return fmt.Errorf("node %s: messagingWithResponse requires a positive timeoutSeconds", n.ID)
			}
			if err := validateExpectedResponses(n.ID, c.ExpectedResponses); err != nil {
				return err
			}
		}
		return nil

	case NodeVoiceCall, NodeVoiceCallWithResponse:
		c, err := n.VoiceCallConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode voice config: %w", n.ID, err)
		}
		if c.AgentRef == "" {
			return fmt.Errorf("node %s: voice call requires agentRef", n.ID)
		}
		if n.Kind == NodeVoiceCallWithResponse && c.TimeoutSeconds <= 0 {
			return fmt.Errorf("node %s: voiceCallWithResponse requires a positive timeoutSeconds", n.ID)
		}
		return nil

	case NodeHumanTask:
		c, err := n.HumanTaskConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode task config: %w", n.ID, err)
		}
		if c.TaskKind == "" {
			return fmt.Errorf("node %s: human task requires taskKind", n.ID)
		}
		return nil

	case NodeEmail:
		c, err := n.EmailConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode email config: %w", n.ID, err)
		}
		if c.Subject == "" || c.Body == "" {
			return fmt.Errorf("node %s: email requires subject and body", n.ID)
		}
		return nil

	case NodeCondition, NodeConditionWithTimeout:
		c, err := n.ConditionConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode condition config: %w", n.ID, err)
		}
		if c.Field == "" {
			return fmt.Errorf("node %s: condition requires field", n.ID)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("node %s: unknown operator %q", n.ID, c.Operator)
		}
		if n.Kind == NodeConditionWithTimeout && c.TimeoutSeconds <= 0 {
			return fmt.Errorf("node %s: conditionWithTimeout requires a positive timeoutSeconds", n.ID)
		}
		return nil

	case NodeDelay:
		c, err := n.DelayConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode delay config: %w", n.ID, err)
		}
		if c.Duration < 0 {
			return fmt.Errorf("node %s: delay duration must not be negative", n.ID)
		}
		switch c.Unit {
		case UnitSeconds, UnitMinutes, UnitHours, UnitDays, "":
		default:
			return fmt.Errorf("node %s: unknown delay unit %q", n.ID, c.Unit)
		}
		return nil

	case NodeWaitForResponse:
		c, err := n.WaitConfig()
		if err != nil {
			return fmt.Errorf("node %s: decode wait config: %w", n.ID, err)
		}
		if c.TimeoutSeconds <= 0 {
			return fmt.Errorf("node %s: waitForResponse requires a positive timeoutSeconds", n.ID)
		}
		return validateExpectedResponses(n.ID, c.ExpectedResponses)

	default:
		return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
	}
}

func validateExpectedResponses(nodeID string, responses []ExpectedResponse) error {
	for i, r := range responses {
		switch r.Kind {
		case ResponseAny:
		case ResponseButton:
			if r.Value == "" {
				return fmt.Errorf("node %s: expectedResponses[%d]: button matcher requires value", nodeID, i)
			}
		case ResponseTextRegex:
			if r.Value == "" {
				return fmt.Errorf("node %s: expectedResponses[%d]: textRegex matcher requires value", nodeID, i)
			}
			if _, err := regexp.Compile("(?i)" + r.Value); err != nil {
				return fmt.Errorf("node %s: expectedResponses[%d]: invalid regex: %w", nodeID, i, err)
			}
		default:
			return fmt.Errorf("node %s: expectedResponses[%d]: unknown kind %q", nodeID, i, r.Kind)
		}
		if r.NextHandle == "" {
			return fmt.Errorf("node %s: expectedResponses[%d]: nextHandle is required", nodeID, i)
		}
	}
	return nil
}
