package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Event families published on the bus.
const (
	FamilyMessage  = "message_events"
	FamilyPresence = "presence_events"
	FamilySocket   = "ws_events"
)

// EventEnvelope wraps every domain event published to the bus.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an event of the given family.
func NewEnvelope(family, name string, payload interface{}) EventEnvelope {
	return EventEnvelope{EventType: family, EventName: name, OccurredAt: time.Now().UTC(), Payload: payload}
}

// BuildHeaders returns the correlation headers of an event. The trace id is
// taken from the span in ctx when traceID is empty.
func BuildHeaders(ctx context.Context, requestID, traceID string) map[string]string {
	if traceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
