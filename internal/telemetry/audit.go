package telemetry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Publisher delivers an envelope to the message bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// AuditEmitter records user actions that remove or rewrite history.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        *int64       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string         `json:"level"`
	Action string         `json:"action"`
	Fields map[string]any `json:"fields,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes an audit record. A nil emitter drops it.
func (e *AuditEmitter) Emit(ctx context.Context, level, action, requestID string, userID *int64, fields map[string]any) {
	if e == nil || e.publisher == nil {
		return
	}

	entry := log.WithFields(log.Fields{"action": action, "request_id": requestID})
	if userID != nil {
		entry = entry.WithField("user_id", *userID)
	}
	entry.Debug("audit emit")

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level:  level,
			Action: action,
			Fields: fields,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		entry.WithError(err).Warn("audit publish failed")
	}
}

// UserRef boxes a user id for Emit.
func UserRef(userID int) *int64 {
	if userID == 0 {
		return nil
	}
	v := int64(userID)
	return &v
}
