package delivery

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"messenger/internal/models"
	"messenger/internal/observability"
	"messenger/internal/ws"
)

// Dispatch decodes one inbound frame and routes it. Send, edit and delete are
// always acknowledged; other events are acknowledged only when the frame
// carries a ref. A failure without a ref is reported as an error frame.
func (c *Coordinator) Dispatch(ctx context.Context, client *ws.Client, raw []byte) {
	frame, err := models.DecodeInbound(raw)
	if err != nil {
		c.reject(client, frame.Ref, err)
		return
	}
	if !client.Allow() {
		c.reject(client, frame.Ref, ErrRateLimited)
		return
	}
	observability.IncWSEvent("chat", frame.Type)

	userID := client.UserID()
	ack := func(ev models.Ack) { c.hub.Reply(client, models.EventAck, frame.Ref, ev) }
	optional := ack
	if frame.Ref == "" {
		optional = nil
	}

	switch frame.Type {
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := models.DecodePayload(frame, &p); err != nil {
			ack(models.Ack{OK: false, TempID: p.TempID, Error: Classify(err).AckError()})
			return
		}
		_, _ = c.Send(ctx, userID, p, ack)

	case models.EventEditMessage:
		var p models.EditMessagePayload
		if err := models.DecodePayload(frame, &p); err != nil {
			ack(models.Ack{OK: false, Error: Classify(err).AckError()})
			return
		}
		_, _ = c.Edit(ctx, userID, p, ack)

	case models.EventDeleteMessage:
		var p models.DeleteMessagePayload
		if err := models.DecodePayload(frame, &p); err != nil {
			ack(models.Ack{OK: false, Error: Classify(err).AckError()})
			return
		}
		_ = c.Delete(ctx, userID, p, ack)

	case models.EventMarkSeen:
		var p models.MarkSeenPayload
		if err := models.DecodePayload(frame, &p); err != nil {
			c.reject(client, frame.Ref, err)
			return
		}
		if err := c.MarkSeen(ctx, userID, p, optional); err != nil && optional == nil {
			c.reject(client, "", err)
		}

	case models.EventJoinRoom, models.EventLeaveRoom:
		var p models.RoomPayload
		if err := models.DecodePayload(frame, &p); err != nil {
			c.reject(client, frame.Ref, err)
			return
		}
		if frame.Type == models.EventLeaveRoom {
			c.LeaveRoom(client, p.ConversationID)
			c.acknowledge(client, frame.Ref)
			return
		}
		if err := c.JoinRoom(ctx, client, p.ConversationID); err != nil {
			c.reject(client, frame.Ref, err)
			return
		}
		c.acknowledge(client, frame.Ref)

	case models.EventTyping:
		var p models.TypingPayload
		if err := models.DecodePayload(frame, &p); err != nil {
			c.reject(client, frame.Ref, err)
			return
		}
		if err := c.Typing(ctx, userID, p); err != nil {
			c.reject(client, frame.Ref, err)
			return
		}
		c.acknowledge(client, frame.Ref)

	case models.EventPresencePing:
		c.Ping(client)
		c.acknowledge(client, frame.Ref)
	}
}

func (c *Coordinator) acknowledge(client *ws.Client, ref string) {
	if ref != "" {
		c.hub.Reply(client, models.EventAck, ref, models.Ack{OK: true})
	}
}

// reject answers the requester only: an ack when the frame had a ref,
// otherwise an error frame.
func (c *Coordinator) reject(client *ws.Client, ref string, err error) {
	de := Classify(err)
	fields := log.Fields{"conn_id": client.ID(), "user_id": client.UserID(), "code": de.Code}
	if errors.Is(err, models.ErrUnknownEvent) || de.Code == models.CodeRateLimited {
		log.WithFields(fields).WithError(err).Debug("inbound frame rejected")
	}
	if ref != "" {
		c.hub.Reply(client, models.EventAck, ref, models.Ack{OK: false, Error: de.AckError()})
		return
	}
	c.hub.Reply(client, models.EventError, "", models.ErrorEvent{Code: de.Code, Message: de.Message})
}
