package ws

import (
	log "github.com/sirupsen/logrus"

	"messenger/internal/keyset"
	"messenger/internal/models"
	"messenger/internal/observability"
)

// Hub routes events to sessions. It indexes clients by user and by the
// conversation rooms they joined. Delivery never blocks: a frame for a
// client that is gone or backed up is dropped.
type Hub struct {
	users *keyset.Registry[int, *Client]
	rooms *keyset.Registry[int, *Client]
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users: keyset.New[int, *Client](64, keyset.IntHash),
		rooms: keyset.New[int, *Client](64, keyset.IntHash),
	}
}

// Register binds a connection to its authenticated user.
func (h *Hub) Register(c *Client) {
	h.users.Add(c.UserID(), c)
	observability.IncWSActive("chat")
}

// Unregister removes the connection from its user and from every room.
func (h *Hub) Unregister(c *Client) {
	for _, room := range c.Rooms() {
		h.LeaveRoom(c, room)
	}
	if _, removed := h.users.Remove(c.UserID(), c); removed {
		observability.DecWSActive("chat")
	}
}

// JoinRoom subscribes c to a conversation room. Callers verify membership
// before joining.
func (h *Hub) JoinRoom(c *Client, conversationID int) {
	h.rooms.Add(conversationID, c)
	c.trackRoom(conversationID, true)
}

// LeaveRoom unsubscribes c from a conversation room.
func (h *Hub) LeaveRoom(c *Client, conversationID int) {
	h.rooms.Remove(conversationID, c)
	c.trackRoom(conversationID, false)
}

// RoomSize returns the number of connections joined to a room.
func (h *Hub) RoomSize(conversationID int) int {
	return h.rooms.Len(conversationID)
}

// Sessions returns the number of connections of a user.
func (h *Hub) Sessions(userID int) int {
	return h.users.Len(userID)
}

// Fanout delivers an event once to every connection that joined the room or
// belongs to one of the participants, so a participant that has not opened
// the conversation yet still learns about it.
func (h *Hub) Fanout(conversationID int, participants []int, eventType string, data any) int {
	payload, err := models.EncodeFrame(eventType, "", data)
	if err != nil {
		log.WithError(err).WithField("event", eventType).Error("encode fanout")
		return 0
	}
	targets := make(map[*Client]struct{})
	h.rooms.Each(conversationID, func(c *Client) { targets[c] = struct{}{} })
	for _, userID := range participants {
		h.users.Each(userID, func(c *Client) { targets[c] = struct{}{} })
	}
	delivered := 0
	for c := range targets {
		if c.Enqueue(payload) {
			delivered++
			continue
		}
		h.dropped(c, eventType, conversationID)
	}
	return delivered
}

// UnicastToUser delivers an event to every session of a user regardless of
// room membership.
func (h *Hub) UnicastToUser(userID int, eventType string, data any) int {
	payload, err := models.EncodeFrame(eventType, "", data)
	if err != nil {
		log.WithError(err).WithField("event", eventType).Error("encode unicast")
		return 0
	}
	delivered := 0
	h.users.Each(userID, func(c *Client) {
		if c.Enqueue(payload) {
			delivered++
			return
		}
		h.dropped(c, eventType, 0)
	})
	return delivered
}

// Reply sends a frame to a single connection, correlated by ref.
func (h *Hub) Reply(c *Client, eventType, ref string, data any) bool {
	payload, err := models.EncodeFrame(eventType, ref, data)
	if err != nil {
		log.WithError(err).WithField("event", eventType).Error("encode reply")
		return false
	}
	if !c.Enqueue(payload) {
		h.dropped(c, eventType, 0)
		return false
	}
	return true
}

func (h *Hub) dropped(c *Client, eventType string, conversationID int) {
	observability.IncBroadcastDrop(eventType)
	log.WithFields(log.Fields{
		"conn_id":         c.Info.ConnID,
		"user_id":         c.Info.UserID,
		"event":           eventType,
		"conversation_id": conversationID,
	}).Debug("dropped frame for closed or slow connection")
}
