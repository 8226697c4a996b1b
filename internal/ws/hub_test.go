package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger/internal/models"
)

func testClient(userID, buffer int) *Client {
	return NewClient(ConnInfo{UserID: userID}, nil, buffer, nil)
}

func frames(c *Client) []models.Frame {
	var out []models.Frame
	for {
		select {
		case raw := <-c.Outbound():
			f, err := models.DecodeOutbound(raw)
			if err != nil {
				panic(err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHubRoomMembership(t *testing.T) {
	hub := NewHub()
	c := testClient(1, 4)
	hub.Register(c)

	hub.JoinRoom(c, 10)
	assert.Equal(t, 1, hub.RoomSize(10))
	assert.True(t, c.InRoom(10))

	hub.LeaveRoom(c, 10)
	assert.Equal(t, 0, hub.RoomSize(10))
	assert.False(t, c.InRoom(10))

	hub.JoinRoom(c, 11)
	hub.Unregister(c)
	assert.Equal(t, 0, hub.RoomSize(11))
	assert.Equal(t, 0, hub.Sessions(1))
}

func TestBroadcastIncludesSendersOtherSessions(t *testing.T) {
	hub := NewHub()
	a1, a2, b := testClient(1, 4), testClient(1, 4), testClient(2, 4)
	outsider := testClient(3, 4)
	for _, c := range []*Client{a1, a2, b, outsider} {
		hub.Register(c)
	}
	hub.JoinRoom(a1, 5)

	n := hub.Fanout(5, []int{1, 2}, models.EventMessageReceived, models.MessageEvent{ConversationID: 5})
	assert.Equal(t, 3, n)
	assert.Len(t, frames(a1), 1)
	assert.Len(t, frames(a2), 1)
	assert.Len(t, frames(b), 1)
	assert.Empty(t, frames(outsider))
}

func TestFanoutDeduplicatesRoomAndUserSessions(t *testing.T) {
	hub := NewHub()
	inRoom, elsewhere := testClient(1, 4), testClient(2, 4)
	hub.Register(inRoom)
	hub.Register(elsewhere)
	hub.JoinRoom(inRoom, 7)

	n := hub.Fanout(7, []int{1, 2}, models.EventMessageReceived, models.MessageEvent{ConversationID: 7})
	assert.Equal(t, 2, n)
	assert.Len(t, frames(inRoom), 1)
	assert.Len(t, frames(elsewhere), 1)
}

func TestDeliveryPreservesOrderPerConnection(t *testing.T) {
	hub := NewHub()
	c := testClient(1, 16)
	hub.Register(c)
	hub.JoinRoom(c, 1)

	for i := 1; i <= 10; i++ {
		hub.Fanout(1, []int{1}, models.EventMessageSeen, models.MessageSeenEvent{ConversationID: 1, MessageIDs: []int{i}})
	}
	got := frames(c)
	require.Len(t, got, 10)
	for i, f := range got {
		var ev models.MessageSeenEvent
		require.NoError(t, models.DecodePayload(f, &ev))
		assert.Equal(t, []int{i + 1}, ev.MessageIDs)
	}
}

func TestSlowOrClosedClientsAreDropped(t *testing.T) {
	hub := NewHub()
	slow := testClient(1, 1)
	closed := testClient(1, 4)
	hub.Register(slow)
	hub.Register(closed)
	closed.Close()

	assert.Equal(t, 1, hub.UnicastToUser(1, models.EventUserOnline, models.PresenceEvent{UserID: 2}))
	assert.Equal(t, 0, hub.UnicastToUser(1, models.EventUserOnline, models.PresenceEvent{UserID: 2}))
	assert.False(t, hub.Reply(closed, models.EventAck, "r", models.Ack{OK: true}))
	assert.Len(t, frames(slow), 1)
}

func TestReplyCarriesRef(t *testing.T) {
	hub := NewHub()
	c := testClient(1, 2)
	require.True(t, hub.Reply(c, models.EventAck, "abc", models.Ack{OK: true}))
	got := frames(c)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Ref)
	assert.Equal(t, models.EventAck, got[0].Type)
}
