package model

import "time"

// DomainEvent is the neutral envelope the trigger matcher consumes.
// The event kind vocabulary matches TriggerType so matching is a
// direct comparison after alias normalization.
type DomainEvent struct {
	Kind      TriggerType  `json:"kind"`
	TenantID  string       `json:"tenantId"`
	LeadID    string       `json:"leadId"`
	Payload   EventPayload `json:"payload"`
	EmittedAt time.Time    `json:"emittedAt"`
}

// EventPayload carries the lead snapshot at event time plus
// kind-specific extras.
type EventPayload struct {
	Lead    map[string]any         `json:"lead,omitempty"`
	Changes map[string]FieldChange `json:"changes,omitempty"`

	// AppointmentID references the appointment for
	// appointmentScheduled events.
	AppointmentID string `json:"appointmentId,omitempty"`

	// ForceDefinitionID bypasses trigger-type filtering for manual
	// events: exactly that definition is evaluated.
	ForceDefinitionID string `json:"forceDefinitionId,omitempty"`

	// Context is extra seed context for manual events.
	Context map[string]any `json:"context,omitempty"`
}

// Normalize resolves legacy event-kind aliases in place.
func (e *DomainEvent) Normalize() {
	e.Kind = NormalizeTriggerType(string(e.Kind))
}

// TenantSettings is the per-tenant engine configuration read from the
// organization record: webhook verification, phone normalization and
// the admin notification address.
type TenantSettings struct {
	TenantID string `json:"tenantId" db:"tenant_id"`

	// WebhookSecret signs inbound messaging webhooks (HMAC-SHA256 over
	// the raw body). Empty disables verification with a logged warning.
	WebhookSecret   string `json:"webhookSecret,omitempty" db:"webhook_secret"`
	SignatureHeader string `json:"signatureHeader,omitempty" db:"signature_header"`

	// VerifyToken is echoed on the messaging provider handshake.
	VerifyToken string `json:"verifyToken,omitempty" db:"verify_token"`

	// DefaultCountryCode is the dialing prefix applied to lead phones
	// that are missing one, e.g. "+49".
	DefaultCountryCode string `json:"defaultCountryCode,omitempty" db:"default_country_code"`

	// AdminEmail receives failure notifications.
	AdminEmail string `json:"adminEmail,omitempty" db:"admin_email"`
}
