package events

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/flowengine/model"
)

type capturePublisher struct {
	events []*model.DomainEvent
	err    error
}

func (p *capturePublisher) PublishEvent(_ context.Context, event *model.DomainEvent) (uint64, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.events = append(p.events, event)
	return uint64(len(p.events)), nil
}

func newTestEmitter() (*Emitter, *capturePublisher) {
	pub := &capturePublisher{}
	return NewEmitter(pub, slog.New(slog.NewTextHandler(io.Discard, nil))), pub
}

func TestLeadCreated(t *testing.T) {
	e, pub := newTestEmitter()

	lead := map[string]any{"id": "l1", "name": "Sara", "phone": "+971501234567"}
	seq, err := e.LeadCreated(context.Background(), "t1", lead)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, model.TriggerLeadCreated, event.Kind)
	assert.Equal(t, "t1", event.TenantID)
	assert.Equal(t, "l1", event.LeadID)
	assert.Equal(t, lead, event.Payload.Lead)
	assert.False(t, event.EmittedAt.IsZero())
}

func TestLeadUpdatedCarriesChanges(t *testing.T) {
	e, pub := newTestEmitter()

	changes := map[string]model.FieldChange{
		"status": {Old: "New", New: "Qualified"},
	}
	seq, err := e.LeadUpdated(context.Background(), "t1",
		map[string]any{"id": "l1", "status": "Qualified"}, changes)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.Len(t, pub.events, 1)
	assert.Equal(t, model.TriggerLeadUpdated, pub.events[0].Kind)
	assert.Equal(t, changes, pub.events[0].Payload.Changes)
}

func TestAppointmentScheduled(t *testing.T) {
	e, pub := newTestEmitter()

	seq, err := e.AppointmentScheduled(context.Background(), "t1", "appt-1",
		map[string]any{"id": "l1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.Len(t, pub.events, 1)
	assert.Equal(t, model.TriggerAppointmentScheduled, pub.events[0].Kind)
	assert.Equal(t, "appt-1", pub.events[0].Payload.AppointmentID)
}

func TestManual(t *testing.T) {
	e, pub := newTestEmitter()

	seq, err := e.Manual(context.Background(), "t1", "l1", "def-1",
		map[string]any{"campaign": "spring"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, model.TriggerManual, event.Kind)
	assert.Equal(t, "def-1", event.Payload.ForceDefinitionID)
	assert.Equal(t, "spring", event.Payload.Context["campaign"])

	// A manual start without a definition is a caller bug.
	_, err = e.Manual(context.Background(), "t1", "l1", "", nil)
	assert.Error(t, err)
}

func TestEmitSequenceAdvances(t *testing.T) {
	e, pub := newTestEmitter()

	first, err := e.LeadCreated(context.Background(), "t1", map[string]any{"id": "l1"})
	require.NoError(t, err)
	second, err := e.LeadCreated(context.Background(), "t1", map[string]any{"id": "l2"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	require.Len(t, pub.events, 2)
}

func TestEmitFailureIsReported(t *testing.T) {
	e, pub := newTestEmitter()
	pub.err = assert.AnError

	seq, err := e.LeadCreated(context.Background(), "t1", map[string]any{"id": "l1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, seq)
}

func TestLeadIDMissingFromSnapshot(t *testing.T) {
	e, pub := newTestEmitter()

	_, err := e.LeadCreated(context.Background(), "t1", map[string]any{"name": "no id"})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Empty(t, pub.events[0].LeadID)
}
