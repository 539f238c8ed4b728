package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaycrm/flowengine/model"
)

// PublishEvent puts a domain event on the trigger queue and returns
// its stream sequence. Unlike work queue messages, events are
// self-contained: the matcher consumes the payload directly and
// persists runs and jobs as its durable output.
func (q *Queue) PublishEvent(ctx context.Context, event *model.DomainEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode domain event: %w", err)
	}
	ack, err := q.js.Publish(ctx, SubjectTrigger, data)
	if err != nil {
		return 0, fmt.Errorf("publish domain event: %w", err)
	}
	return ack.Sequence, nil
}

// DecodeEvent parses a domain event off the trigger queue.
func DecodeEvent(data []byte) (*model.DomainEvent, error) {
	var event model.DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode domain event: %w", err)
	}
	if event.TenantID == "" {
		return nil, fmt.Errorf("domain event missing tenantId")
	}
	event.Normalize()
	return &event, nil
}
