// Package events is the inbound edge of the engine: CRM call sites
// (lead creation, lead updates, appointment booking, manual starts)
// emit domain events here, and the emitter publishes them to the
// trigger queue. Emit failures are reported to the caller but must
// never fail the CRM operation that produced the event.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycrm/flowengine/model"
)

// Publisher publishes domain events to the trigger queue and returns
// the stream sequence assigned to the event.
type Publisher interface {
	PublishEvent(ctx context.Context, event *model.DomainEvent) (uint64, error)
}

// Emitter builds and publishes domain events. Each emit method returns
// the stream sequence of the published event so callers can correlate
// CRM operations with queue entries.
type Emitter struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewEmitter builds an emitter over the given publisher.
func NewEmitter(publisher Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger.With("component", "events"),
	}
}

// LeadCreated emits a leadCreated event with the lead snapshot.
func (e *Emitter) LeadCreated(ctx context.Context, tenantID string, lead map[string]any) (uint64, error) {
	return e.emit(ctx, &model.DomainEvent{
		Kind:     model.TriggerLeadCreated,
		TenantID: tenantID,
		LeadID:   leadID(lead),
		Payload:  model.EventPayload{Lead: lead},
	})
}

// LeadUpdated emits a leadUpdated event with the post-update snapshot
// and the set of changed fields.
func (e *Emitter) LeadUpdated(ctx context.Context, tenantID string, lead map[string]any, changes map[string]model.FieldChange) (uint64, error) {
	return e.emit(ctx, &model.DomainEvent{
		Kind:     model.TriggerLeadUpdated,
		TenantID: tenantID,
		LeadID:   leadID(lead),
		Payload:  model.EventPayload{Lead: lead, Changes: changes},
	})
}

// AppointmentScheduled emits an appointmentScheduled event.
func (e *Emitter) AppointmentScheduled(ctx context.Context, tenantID, appointmentID string, lead map[string]any) (uint64, error) {
	return e.emit(ctx, &model.DomainEvent{
		Kind:     model.TriggerAppointmentScheduled,
		TenantID: tenantID,
		LeadID:   leadID(lead),
		Payload:  model.EventPayload{Lead: lead, AppointmentID: appointmentID},
	})
}

// Manual emits a manual start for exactly one definition, with
// optional extra seed context.
func (e *Emitter) Manual(ctx context.Context, tenantID, leadID, definitionID string, seed map[string]any) (uint64, error) {
	if definitionID == "" {
		return 0, fmt.Errorf("manual event requires a definition id")
	}
	return e.emit(ctx, &model.DomainEvent{
		Kind:     model.TriggerManual,
		TenantID: tenantID,
		LeadID:   leadID,
		Payload: model.EventPayload{
			ForceDefinitionID: definitionID,
			Context:           seed,
		},
	})
}

func (e *Emitter) emit(ctx context.Context, event *model.DomainEvent) (uint64, error) {
	event.Normalize()
	event.EmittedAt = time.Now().UTC()

	seq, err := e.publisher.PublishEvent(ctx, event)
	if err != nil {
		e.logger.Error("emit domain event",
			"kind", event.Kind,
			"tenant_id", event.TenantID,
			"lead_id", event.LeadID,
			"error", err)
		return 0, fmt.Errorf("emit %s event: %w", event.Kind, err)
	}

	e.logger.Debug("emitted domain event",
		"kind", event.Kind,
		"tenant_id", event.TenantID,
		"lead_id", event.LeadID,
		"sequence", seq)
	return seq, nil
}

func leadID(lead map[string]any) string {
	if id, ok := lead["id"].(string); ok {
		return id
	}
	return ""
}
