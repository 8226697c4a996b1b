package delivery

import (
	"context"

	"messenger/internal/models"
	"messenger/internal/observability"
)

// publish sends a domain event to the bus for downstream consumers. Failures
// are counted by the publisher and never fail the operation.
func (c *Coordinator) publish(ctx context.Context, name string, conv models.Conversation, fields map[string]any) {
	payload := map[string]any{
		"conversation_id": conv.ID,
		"participants":    conv.Participants(),
	}
	for k, v := range fields {
		payload[k] = v
	}
	envelope := observability.NewEnvelope(observability.FamilyMessage, name, payload)
	_ = observability.PublishEvent(ctx, name, envelope, observability.BuildHeaders(ctx, "", ""))
}
