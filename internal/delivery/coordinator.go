// Package delivery accepts client operations, persists them through the
// store and fans the results out to the participants' sessions.
package delivery

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messenger/internal/keyset"
	"messenger/internal/models"
	"messenger/internal/observability"
	"messenger/internal/presence"
	"messenger/internal/repositories"
	"messenger/internal/telemetry"
	"messenger/internal/ws"
)

// Reply receives the acknowledgment of an operation. It may be nil.
type Reply func(models.Ack)

// Coordinator runs every mutating operation through
// validate → persist → broadcast → acknowledge. Operations on one
// conversation are serialized so live broadcast order matches store order.
type Coordinator struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	hub           *ws.Hub
	presence      *presence.Registry
	order         *keyset.Locker[int]
	audit         *telemetry.AuditEmitter
	tracer        trace.Tracer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithAudit records destructive operations through emitter.
func WithAudit(emitter *telemetry.AuditEmitter) Option {
	return func(c *Coordinator) { c.audit = emitter }
}

// New builds a Coordinator.
func New(conversations repositories.ConversationRepository, messages repositories.MessageRepository, hub *ws.Hub, registry *presence.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		conversations: conversations,
		messages:      messages,
		hub:           hub,
		presence:      registry,
		order:         keyset.NewLocker[int](256, keyset.IntHash),
		tracer:        otel.Tracer("messenger/delivery"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send persists a new message and delivers it to every session of both
// participants. The ack carries the client's tempId. When the payload names
// a recipient instead of a conversation, the conversation is created first.
func (c *Coordinator) Send(ctx context.Context, senderID int, p models.SendMessagePayload, reply Reply) (models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.send", trace.WithAttributes(attribute.Int("user_id", senderID)))
	defer span.End()
	op := newOperation("send", span)

	fail := func(state State, err error) (models.Message, error) {
		de := c.fail(ctx, span, op, state, err)
		respond(reply, models.Ack{OK: false, TempID: p.TempID, Error: de.AckError()})
		return models.Message{}, de
	}

	if err := p.Validate(); err != nil {
		return fail(StateRejected, err)
	}
	conv, err := c.sendTarget(ctx, senderID, p)
	if err != nil {
		return fail(persistFailure(err), err)
	}
	op.advance(StateValidated)
	span.SetAttributes(attribute.Int("conversation_id", conv.ID))

	unlock := c.order.Lock(conv.ID)
	msg, err := c.messages.Append(ctx, conv.ID, senderID, p.Text, p.Attachments)
	if err != nil {
		unlock()
		return fail(persistFailure(err), err)
	}
	op.advance(StatePersisted)

	public := msg.Public()
	c.hub.Fanout(conv.ID, conv.Participants(), models.EventMessageReceived, models.MessageEvent{
		ConversationID: conv.ID,
		Message:        public,
		TempID:         p.TempID,
	})
	op.advance(StateBroadcast)
	unlock()

	respond(reply, models.Ack{OK: true, TempID: p.TempID, Message: &public})
	op.advance(StateAcknowledged)

	c.publish(ctx, "message.created", conv, map[string]any{"message_id": msg.ID, "sender_id": senderID})
	return public, nil
}

func (c *Coordinator) sendTarget(ctx context.Context, senderID int, p models.SendMessagePayload) (models.Conversation, error) {
	if p.ConversationID == 0 {
		return c.conversations.FindOrCreate(ctx, senderID, p.RecipientID)
	}
	return c.participantOf(ctx, p.ConversationID, senderID)
}

// Edit replaces the body of a message owned by userID.
func (c *Coordinator) Edit(ctx context.Context, userID int, p models.EditMessagePayload, reply Reply) (models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.edit", trace.WithAttributes(
		attribute.Int("user_id", userID), attribute.Int("message_id", p.MessageID)))
	defer span.End()
	op := newOperation("edit", span)

	fail := func(state State, err error) (models.Message, error) {
		de := c.fail(ctx, span, op, state, err)
		respond(reply, models.Ack{OK: false, Error: de.AckError()})
		return models.Message{}, de
	}

	if err := p.Validate(); err != nil {
		return fail(StateRejected, err)
	}
	conv, err := c.conversationOfMessage(ctx, p.MessageID, userID)
	if err != nil {
		return fail(persistFailure(err), err)
	}
	op.advance(StateValidated)

	unlock := c.order.Lock(conv.ID)
	msg, err := c.messages.Edit(ctx, p.MessageID, userID, p.Text)
	if err != nil {
		unlock()
		return fail(persistFailure(err), err)
	}
	op.advance(StatePersisted)

	public := msg.Public()
	c.hub.Fanout(conv.ID, conv.Participants(), models.EventMessageEdited, models.MessageEvent{
		ConversationID: conv.ID,
		Message:        public,
	})
	op.advance(StateBroadcast)
	unlock()

	respond(reply, models.Ack{OK: true, Message: &public})
	op.advance(StateAcknowledged)

	c.publish(ctx, "message.edited", conv, map[string]any{"message_id": msg.ID, "sender_id": userID})
	return public, nil
}

// Delete tombstones a message for everyone, or hides it for userID only. A
// local hide is announced to the requester's own sessions and nobody else.
func (c *Coordinator) Delete(ctx context.Context, userID int, p models.DeleteMessagePayload, reply Reply) error {
	ctx, span := c.tracer.Start(ctx, "delivery.delete", trace.WithAttributes(
		attribute.Int("user_id", userID),
		attribute.Int("message_id", p.MessageID),
		attribute.Bool("for_everyone", p.ForEveryone)))
	defer span.End()
	op := newOperation("delete", span)

	fail := func(state State, err error) error {
		de := c.fail(ctx, span, op, state, err)
		respond(reply, models.Ack{OK: false, Error: de.AckError()})
		return de
	}

	if err := p.Validate(); err != nil {
		return fail(StateRejected, err)
	}
	conv, err := c.conversationOfMessage(ctx, p.MessageID, userID)
	if err != nil {
		return fail(persistFailure(err), err)
	}
	op.advance(StateValidated)

	unlock := c.order.Lock(conv.ID)
	if _, err := c.messages.Delete(ctx, p.MessageID, userID, p.ForEveryone); err != nil {
		unlock()
		return fail(persistFailure(err), err)
	}
	op.advance(StatePersisted)

	event := models.MessageDeletedEvent{
		ConversationID: conv.ID,
		MessageID:      p.MessageID,
		DeletedForAll:  p.ForEveryone,
	}
	if p.ForEveryone {
		c.hub.Fanout(conv.ID, conv.Participants(), models.EventMessageDeleted, event)
	} else {
		c.hub.UnicastToUser(userID, models.EventMessageDeleted, event)
	}
	op.advance(StateBroadcast)
	unlock()

	respond(reply, models.Ack{OK: true})
	op.advance(StateAcknowledged)

	if p.ForEveryone {
		c.audit.Emit(ctx, "INFO", "message.deleted_for_everyone", "", telemetry.UserRef(userID), map[string]any{
			"conversation_id": conv.ID,
			"message_id":      p.MessageID,
		})
		c.publish(ctx, "message.deleted", conv, map[string]any{"message_id": p.MessageID, "sender_id": userID})
	}
	return nil
}

// MarkSeen records that readerID has seen messages. Only ids that were not
// seen before are broadcast; repeating the call broadcasts nothing.
func (c *Coordinator) MarkSeen(ctx context.Context, readerID int, p models.MarkSeenPayload, reply Reply) error {
	ctx, span := c.tracer.Start(ctx, "delivery.mark_seen", trace.WithAttributes(
		attribute.Int("user_id", readerID), attribute.Int("conversation_id", p.ConversationID)))
	defer span.End()
	op := newOperation("mark_seen", span)

	fail := func(state State, err error) error {
		de := c.fail(ctx, span, op, state, err)
		respond(reply, models.Ack{OK: false, Error: de.AckError()})
		return de
	}

	if err := p.Validate(); err != nil {
		return fail(StateRejected, err)
	}
	conv, err := c.participantOf(ctx, p.ConversationID, readerID)
	if err != nil {
		return fail(persistFailure(err), err)
	}
	op.advance(StateValidated)

	unlock := c.order.Lock(conv.ID)
	added, err := c.messages.MarkSeen(ctx, conv.ID, p.MessageIDs, readerID)
	if err != nil {
		unlock()
		return fail(persistFailure(err), err)
	}
	op.advance(StatePersisted)

	if len(added) > 0 {
		c.hub.Fanout(conv.ID, conv.Participants(), models.EventMessageSeen, models.MessageSeenEvent{
			ConversationID: conv.ID,
			MessageIDs:     added,
			UserID:         readerID,
		})
	}
	op.advance(StateBroadcast)
	unlock()

	respond(reply, models.Ack{OK: true})
	op.advance(StateAcknowledged)
	return nil
}

// Typing relays an ephemeral typing signal to the peer. Nothing is stored.
func (c *Coordinator) Typing(ctx context.Context, userID int, p models.TypingPayload) error {
	if err := p.Validate(); err != nil {
		return Classify(err)
	}
	conv, err := c.participantOf(ctx, p.ConversationID, userID)
	if err != nil {
		return Classify(err)
	}
	c.hub.UnicastToUser(conv.Peer(userID), models.EventTyping, models.TypingEvent{
		ConversationID: conv.ID,
		UserID:         userID,
		Typing:         p.Typing,
	})
	return nil
}

// JoinRoom subscribes a session to a conversation it participates in.
// Non-participants are refused and nothing is delivered to them.
func (c *Coordinator) JoinRoom(ctx context.Context, client *ws.Client, conversationID int) error {
	conv, err := c.participantOf(ctx, conversationID, client.UserID())
	if err != nil {
		de := Classify(err)
		log.WithFields(log.Fields{
			"conn_id":         client.ID(),
			"user_id":         client.UserID(),
			"conversation_id": conversationID,
		}).WithError(err).Info("join refused")
		return de
	}
	c.hub.JoinRoom(client, conv.ID)
	return nil
}

// LeaveRoom unsubscribes a session from a conversation room.
func (c *Coordinator) LeaveRoom(client *ws.Client, conversationID int) {
	c.hub.LeaveRoom(client, conversationID)
}

// Connect registers a new authenticated session with presence.
func (c *Coordinator) Connect(_ context.Context, client *ws.Client) {
	c.presence.Connect(client.UserID(), client.ID())
}

// Disconnect removes a closed session from presence.
func (c *Coordinator) Disconnect(_ context.Context, client *ws.Client) {
	c.presence.Disconnect(client.UserID(), client.ID())
}

// Ping refreshes the liveness of a session.
func (c *Coordinator) Ping(client *ws.Client) {
	c.presence.Ping(client.ID())
}

// Run delivers presence transitions until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.presence.Run(ctx, c.onPresence)
}

// onPresence tells every user sharing a conversation with t.UserID.
func (c *Coordinator) onPresence(ctx context.Context, t presence.Transition) {
	observability.SetOnlineUsers(c.presence.OnlineUsers())

	peers, err := c.conversations.PeersOf(ctx, t.UserID)
	if err != nil {
		log.WithError(err).WithField("user_id", t.UserID).Error("load presence peers")
		return
	}
	eventType := models.EventUserOnline
	event := models.PresenceEvent{UserID: t.UserID}
	if !t.Online {
		eventType = models.EventUserOffline
		lastSeen := t.LastSeen
		event.LastSeenAt = &lastSeen
	}
	for _, peer := range peers {
		c.hub.UnicastToUser(peer, eventType, event)
	}

	envelope := observability.NewEnvelope(observability.FamilyPresence, "presence.changed", map[string]any{
		"user_id":   t.UserID,
		"online":    t.Online,
		"last_seen": t.LastSeen,
	})
	_ = observability.PublishEvent(ctx, "presence.changed", envelope, observability.BuildHeaders(ctx, "", ""))
}

// participantOf loads a conversation and checks userID belongs to it.
func (c *Coordinator) participantOf(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	conv, err := c.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, repositories.ErrNotParticipant
	}
	return conv, nil
}

func (c *Coordinator) conversationOfMessage(ctx context.Context, messageID, userID int) (models.Conversation, error) {
	msg, err := c.messages.Get(ctx, messageID)
	if err != nil {
		return models.Conversation{}, err
	}
	return c.participantOf(ctx, msg.ConversationID, userID)
}

func (c *Coordinator) fail(ctx context.Context, span trace.Span, op *operation, state State, err error) *Error {
	de := Classify(err)
	op.advance(state)
	span.SetStatus(codes.Error, string(de.Code))
	entry := log.WithFields(log.Fields{"operation": op.name, "state": state, "code": de.Code})
	if de.Code == models.CodeServerError {
		span.RecordError(err)
		entry.WithError(err).Error("operation failed")
	} else {
		entry.WithError(err).Debug("operation rejected")
	}
	return de
}

// persistFailure picks the terminal state for a store error: domain errors
// are rejections, anything else is a storage failure.
func persistFailure(err error) State {
	if Classify(err).Code == models.CodeServerError {
		return StatePersistFailed
	}
	return StateRejected
}

func respond(reply Reply, ack models.Ack) {
	if reply != nil {
		reply(ack)
	}
}

