package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/repositories"
	"messenger/internal/ws"
)

type harness struct {
	store *repositories.MemoryStore
	hub   *ws.Hub
	reg   *presence.Registry
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repositories.NewMemoryStore()
	hub := ws.NewHub()
	reg := presence.NewRegistry(store.Users())
	return &harness{
		store: store,
		hub:   hub,
		reg:   reg,
		coord: New(store.Conversations(), store.Messages(), hub, reg),
	}
}

func (h *harness) session(userID int) *ws.Client {
	c := ws.NewClient(ws.ConnInfo{UserID: userID}, nil, 64, nil)
	h.hub.Register(c)
	h.coord.Connect(context.Background(), c)
	return c
}

func (h *harness) drop(c *ws.Client) {
	h.coord.Disconnect(context.Background(), c)
	h.hub.Unregister(c)
	c.Close()
}

func (h *harness) dispatch(t *testing.T, c *ws.Client, eventType, ref string, data any) {
	t.Helper()
	raw, err := models.EncodeFrame(eventType, ref, data)
	require.NoError(t, err)
	h.coord.Dispatch(context.Background(), c, raw)
}

func next(t *testing.T, c *ws.Client) models.Frame {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		frame, err := models.DecodeOutbound(raw)
		require.NoError(t, err)
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return models.Frame{}
	}
}

func silent(t *testing.T, c *ws.Client) {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		t.Fatalf("unexpected frame %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, frame models.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(frame.Data, &v))
	return v
}

func TestFirstContactFansOutAndAcks(t *testing.T) {
	h := newHarness(t)
	alice := h.session(1)
	bob := h.session(2)

	h.dispatch(t, alice, models.EventSendMessage, "r1", models.SendMessagePayload{
		RecipientID: 2, TempID: "tmp-1", Text: "hi",
	})

	echo := next(t, alice)
	require.Equal(t, models.EventMessageReceived, echo.Type)
	ackFrame := next(t, alice)
	require.Equal(t, models.EventAck, ackFrame.Type)
	assert.Equal(t, "r1", ackFrame.Ref)

	ack := decode[models.Ack](t, ackFrame)
	require.True(t, ack.OK)
	assert.Equal(t, "tmp-1", ack.TempID)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "hi", ack.Message.Text)

	received := decode[models.MessageEvent](t, next(t, bob))
	assert.Equal(t, ack.Message.ID, received.Message.ID)
	assert.Equal(t, ack.Message.ConversationID, received.ConversationID)
	assert.Equal(t, "tmp-1", received.TempID)

	stored, err := h.store.Messages().List(context.Background(), received.ConversationID, 2, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hi", stored[0].Text)
}

func TestSendReachesEverySessionOfBothUsers(t *testing.T) {
	h := newHarness(t)
	conv, err := h.store.Conversations().FindOrCreate(context.Background(), 1, 2)
	require.NoError(t, err)
	phone := h.session(1)
	laptop := h.session(1)
	bob := h.session(2)
	h.dispatch(t, laptop, models.EventJoinRoom, "", models.RoomPayload{ConversationID: conv.ID})

	_, err = h.coord.Send(context.Background(), 1, models.SendMessagePayload{ConversationID: conv.ID, Text: "sync"}, nil)
	require.NoError(t, err)

	for _, c := range []*ws.Client{phone, laptop, bob} {
		frame := next(t, c)
		assert.Equal(t, models.EventMessageReceived, frame.Type)
		silent(t, c)
	}
}

func TestEditBroadcastsNewText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session(1)
	bob := h.session(2)

	msg, err := h.coord.Send(ctx, 1, models.SendMessagePayload{RecipientID: 2, Text: "original"}, nil)
	require.NoError(t, err)
	next(t, alice)
	next(t, bob)

	h.dispatch(t, alice, models.EventEditMessage, "e1", models.EditMessagePayload{MessageID: msg.ID, Text: "edited"})

	edited := decode[models.MessageEvent](t, next(t, bob))
	assert.Equal(t, "edited", edited.Message.Text)
	assert.NotNil(t, edited.Message.EditedAt)
	assert.Equal(t, models.EventMessageEdited, next(t, alice).Type)
	ack := decode[models.Ack](t, next(t, alice))
	assert.True(t, ack.OK)

	history, err := h.store.Messages().List(ctx, msg.ConversationID, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "edited", history[0].Text)
}

func TestDeleteForEveryoneLeavesTombstone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session(1)
	bob := h.session(2)

	msg, err := h.coord.Send(ctx, 1, models.SendMessagePayload{RecipientID: 2, Text: "oops"}, nil)
	require.NoError(t, err)
	next(t, alice)
	next(t, bob)

	require.NoError(t, h.coord.Delete(ctx, 1, models.DeleteMessagePayload{MessageID: msg.ID, ForEveryone: true}, nil))

	for _, c := range []*ws.Client{alice, bob} {
		frame := next(t, c)
		require.Equal(t, models.EventMessageDeleted, frame.Type)
		ev := decode[models.MessageDeletedEvent](t, frame)
		assert.True(t, ev.DeletedForAll)
		assert.Equal(t, msg.ID, ev.MessageID)
	}

	history, err := h.store.Messages().List(ctx, msg.ConversationID, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Text)
	assert.True(t, history[0].DeletedForAll())
}

func TestLocalDeleteOnlyReachesRequester(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session(1)
	bob := h.session(2)

	msg, err := h.coord.Send(ctx, 1, models.SendMessagePayload{RecipientID: 2, Text: "keep"}, nil)
	require.NoError(t, err)
	next(t, alice)
	next(t, bob)

	require.NoError(t, h.coord.Delete(ctx, 2, models.DeleteMessagePayload{MessageID: msg.ID}, nil))

	ev := decode[models.MessageDeletedEvent](t, next(t, bob))
	assert.False(t, ev.DeletedForAll)
	silent(t, alice)
}

func TestDeleteForEveryoneRequiresSender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg, err := h.coord.Send(ctx, 1, models.SendMessagePayload{RecipientID: 2, Text: "mine"}, nil)
	require.NoError(t, err)

	var got models.Ack
	err = h.coord.Delete(ctx, 2, models.DeleteMessagePayload{MessageID: msg.ID, ForEveryone: true}, func(a models.Ack) { got = a })
	require.Error(t, err)
	assert.False(t, got.OK)
	assert.Equal(t, models.CodeForbidden, got.Error.Code)
}

func TestOutsiderIsForbiddenEverywhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg, err := h.coord.Send(ctx, 1, models.SendMessagePayload{RecipientID: 2, Text: "private"}, nil)
	require.NoError(t, err)
	mallory := h.session(3)

	requests := []struct {
		event string
		data  any
	}{
		{models.EventJoinRoom, models.RoomPayload{ConversationID: msg.ConversationID}},
		{models.EventSendMessage, models.SendMessagePayload{ConversationID: msg.ConversationID, Text: "x"}},
		{models.EventEditMessage, models.EditMessagePayload{MessageID: msg.ID, Text: "x"}},
		{models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: msg.ID}},
		{models.EventMarkSeen, models.MarkSeenPayload{ConversationID: msg.ConversationID, MessageIDs: []int{msg.ID}}},
	}
	for _, r := range requests {
		h.dispatch(t, mallory, r.event, "ref", r.data)
		ack := decode[models.Ack](t, next(t, mallory))
		assert.False(t, ack.OK, r.event)
		require.NotNil(t, ack.Error, r.event)
		assert.Equal(t, models.CodeForbidden, ack.Error.Code, r.event)
	}
	assert.False(t, mallory.InRoom(msg.ConversationID))

	_, err = h.coord.Send(ctx, 1, models.SendMessagePayload{ConversationID: msg.ConversationID, Text: "after"}, nil)
	require.NoError(t, err)
	silent(t, mallory)
}

func TestBroadcastOrderMatchesStoreOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.store.Conversations().FindOrCreate(ctx, 1, 2)
	require.NoError(t, err)
	bob := h.session(2)

	texts := []string{"one", "two", "three", "four", "five"}
	for _, text := range texts {
		_, err := h.coord.Send(ctx, 1, models.SendMessagePayload{ConversationID: conv.ID, Text: text}, nil)
		require.NoError(t, err)
	}

	history, err := h.store.Messages().List(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, len(texts))
	for i := range texts {
		ev := decode[models.MessageEvent](t, next(t, bob))
		assert.Equal(t, history[i].ID, ev.Message.ID)
		assert.Equal(t, texts[i], ev.Message.Text)
	}
}

func TestReconnectRefetchSeesMissedMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.store.Conversations().FindOrCreate(ctx, 1, 2)
	require.NoError(t, err)

	bob := h.session(2)
	h.drop(bob)
	for _, text := range []string{"while", "you", "were", "away"} {
		_, err := h.coord.Send(ctx, 1, models.SendMessagePayload{ConversationID: conv.ID, Text: text}, nil)
		require.NoError(t, err)
	}

	h.session(2)
	history, err := h.store.Messages().List(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	var got []string
	for _, m := range history {
		got = append(got, m.Text)
	}
	assert.Equal(t, []string{"while", "you", "were", "away"}, got)
}

func TestMarkSeenBroadcastsOnlyNewIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg, err := h.coord.Send(ctx, 1, models.SendMessagePayload{RecipientID: 2, Text: "read me"}, nil)
	require.NoError(t, err)
	alice := h.session(1)

	payload := models.MarkSeenPayload{ConversationID: msg.ConversationID, MessageIDs: []int{msg.ID}}
	require.NoError(t, h.coord.MarkSeen(ctx, 2, payload, nil))
	seen := decode[models.MessageSeenEvent](t, next(t, alice))
	assert.Equal(t, []int{msg.ID}, seen.MessageIDs)
	assert.Equal(t, 2, seen.UserID)

	require.NoError(t, h.coord.MarkSeen(ctx, 2, payload, nil))
	silent(t, alice)

	stored, err := h.store.Messages().Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, stored.SeenBy)
}

func TestTypingGoesToPeerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.store.Conversations().FindOrCreate(ctx, 1, 2)
	require.NoError(t, err)
	alice := h.session(1)
	bob := h.session(2)

	h.dispatch(t, alice, models.EventTyping, "", models.TypingPayload{ConversationID: conv.ID, Typing: true})

	ev := decode[models.TypingEvent](t, next(t, bob))
	assert.True(t, ev.Typing)
	assert.Equal(t, 1, ev.UserID)
	silent(t, alice)

	msgs, err := h.store.Messages().List(ctx, conv.ID, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type brokenMessages struct {
	repositories.MessageRepository
}

func (brokenMessages) Append(context.Context, int, int, string, []models.Attachment) (models.Message, error) {
	return models.Message{}, errors.New("disk on fire")
}

func TestPersistFailureIsServerErrorForCallerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.store.Conversations().FindOrCreate(ctx, 1, 2)
	require.NoError(t, err)
	h.coord = New(h.store.Conversations(), brokenMessages{h.store.Messages()}, h.hub, h.reg)
	alice := h.session(1)
	bob := h.session(2)

	h.dispatch(t, alice, models.EventSendMessage, "s", models.SendMessagePayload{
		ConversationID: conv.ID, TempID: "t", Text: "lost",
	})

	ack := decode[models.Ack](t, next(t, alice))
	assert.False(t, ack.OK)
	assert.Equal(t, "t", ack.TempID)
	assert.Equal(t, models.CodeServerError, ack.Error.Code)
	assert.Equal(t, "internal error", ack.Error.Message)
	silent(t, bob)
}

type brokenConversations struct {
	repositories.ConversationRepository
}

func (brokenConversations) FindOrCreate(context.Context, int, int) (models.Conversation, error) {
	return models.Conversation{}, errors.New("connection refused")
}

func deliveryCount(t *testing.T, operation, state string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "chat_delivery_outcomes_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["operation"] == operation && labels["state"] == state {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestFirstContactStoreFailureIsPersistFailed(t *testing.T) {
	h := newHarness(t)
	h.coord = New(brokenConversations{h.store.Conversations()}, h.store.Messages(), h.hub, h.reg)
	alice := h.session(1)
	failed := deliveryCount(t, "send", string(StatePersistFailed))
	rejected := deliveryCount(t, "send", string(StateRejected))

	h.dispatch(t, alice, models.EventSendMessage, "s", models.SendMessagePayload{
		RecipientID: 2, TempID: "t", Text: "hi",
	})

	ack := decode[models.Ack](t, next(t, alice))
	assert.False(t, ack.OK)
	assert.Equal(t, models.CodeServerError, ack.Error.Code)
	assert.Equal(t, failed+1, deliveryCount(t, "send", string(StatePersistFailed)))
	assert.Equal(t, rejected, deliveryCount(t, "send", string(StateRejected)))
}

func TestMalformedFrames(t *testing.T) {
	h := newHarness(t)
	alice := h.session(1)

	h.coord.Dispatch(context.Background(), alice, []byte(`{"type":"explode","data":{}}`))
	frame := next(t, alice)
	require.Equal(t, models.EventError, frame.Type)
	assert.Equal(t, models.CodeValidation, decode[models.ErrorEvent](t, frame).Code)

	h.coord.Dispatch(context.Background(), alice, []byte(`{"type":"send-message","ref":"x","data":{"conversationId":1,"text":"a","alias":"b"}}`))
	ack := decode[models.Ack](t, next(t, alice))
	assert.False(t, ack.OK)
	assert.Equal(t, models.CodeValidation, ack.Error.Code)

	h.dispatch(t, alice, models.EventSendMessage, "y", models.SendMessagePayload{RecipientID: 2})
	ack = decode[models.Ack](t, next(t, alice))
	assert.Equal(t, models.CodeValidation, ack.Error.Code)
}

func TestRateLimitedConnection(t *testing.T) {
	h := newHarness(t)
	client := ws.NewClient(ws.ConnInfo{UserID: 1}, nil, 8, rate.NewLimiter(0, 1))
	h.hub.Register(client)

	h.dispatch(t, client, models.EventPresencePing, "p1", nil)
	assert.True(t, decode[models.Ack](t, next(t, client)).OK)

	h.dispatch(t, client, models.EventPresencePing, "p2", nil)
	ack := decode[models.Ack](t, next(t, client))
	assert.False(t, ack.OK)
	assert.Equal(t, models.CodeRateLimited, ack.Error.Code)
}

func TestPresenceTransitionsReachPeers(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.store.Conversations().FindOrCreate(ctx, 1, 2)
	require.NoError(t, err)
	bob := h.session(2)
	go h.coord.Run(ctx)

	phone := h.session(1)
	assert.Equal(t, models.EventUserOnline, next(t, bob).Type)

	laptop := h.session(1)
	h.drop(phone)
	silent(t, bob)

	h.drop(laptop)
	frame := next(t, bob)
	require.Equal(t, models.EventUserOffline, frame.Type)
	ev := decode[models.PresenceEvent](t, frame)
	assert.Equal(t, 1, ev.UserID)
	assert.NotNil(t, ev.LastSeenAt)
	assert.Nil(t, h.reg.LastSeen(ctx, 2))
	assert.NotNil(t, h.reg.LastSeen(ctx, 1))
}
